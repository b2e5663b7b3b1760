package replication

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/oliverbhull/memo-node/internal/database"
)

// ServerStore is the subset of the Store's contract the Sync Server needs.
type ServerStore interface {
	Insert(ctx context.Context, t *database.Transcription) error
	GetSince(ctx context.Context, sinceTimestamp int64) ([]database.Transcription, error)
}

// Server exposes the replication protocol (Ping, GetTranscriptionsSince,
// PushTranscriptions) over a length-prefixed framed TCP transport.
type Server struct {
	nodeID string
	store  ServerStore
	fanout *Fanout
	logger *slog.Logger

	listener net.Listener
}

// NewServer builds a Server that identifies itself as nodeID and serves
// store's contents.
func NewServer(nodeID string, store ServerStore, fanout *Fanout, logger *slog.Logger) *Server {
	return &Server{
		nodeID: nodeID,
		store:  store,
		fanout: fanout,
		logger: logger.With("component", "sync-server"),
	}
}

// Run listens on addr (typically "0.0.0.0:<sync.grpc_port>") and serves
// connections until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.logger.Info("sync server listening", "addr", addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req, err := readFrame(conn)
	if err != nil {
		s.logger.Debug("reading request frame failed", "error", err, "remote", conn.RemoteAddr())
		return
	}

	switch req.Op {
	case opPing:
		s.handlePing(conn, req)
	case opSince:
		s.handleSince(ctx, conn, req)
	case opPush:
		s.handlePush(ctx, conn)
	default:
		s.logger.Warn("unknown operation", "op", req.Op, "remote", conn.RemoteAddr())
	}
}

func (s *Server) handlePing(conn net.Conn, req envelope) {
	if _, err := decodePayload[PingRequest](req); err != nil {
		s.logger.Debug("bad ping request", "error", err)
		return
	}
	resp := PingResponse{NodeID: s.nodeID, Timestamp: time.Now().Unix()}
	if err := writeFrame(conn, opPong, resp); err != nil {
		s.logger.Debug("writing pong failed", "error", err)
	}
}

// handleSince serves GetTranscriptionsSince: every record with
// timestamp > since_timestamp, ordered ascending, followed by an end
// sentinel frame. A storage error surfaces as an error frame and the
// stream terminates.
func (s *Server) handleSince(ctx context.Context, conn net.Conn, req envelope) {
	since, err := decodePayload[SinceRequest](req)
	if err != nil {
		s.logger.Debug("bad since request", "error", err)
		return
	}

	records, err := s.store.GetSince(ctx, since.SinceTimestamp)
	if err != nil {
		s.logger.Error("get-since storage error", "error", err)
		writeFrame(conn, opError, errorPayload{Message: "internal: " + err.Error()})
		return
	}

	for _, t := range records {
		wire := WireRecord{
			ID:         t.ID,
			Timestamp:  t.Timestamp,
			Text:       t.Text,
			SourceNode: t.SourceNode,
			DeviceID:   t.DeviceID,
		}
		if err := writeFrame(conn, opRecord, wire); err != nil {
			s.logger.Debug("writing record frame failed", "error", err)
			return
		}
	}

	if err := writeFrame(conn, opEnd, nil); err != nil {
		s.logger.Debug("writing end frame failed", "error", err)
	}
}

// handlePush serves PushTranscriptions: each received record is upserted
// with synced=true and broadcast to the fan-out channel; the response is
// the count received.
func (s *Server) handlePush(ctx context.Context, conn net.Conn) {
	var received uint32

	for {
		frame, err := readFrame(conn)
		if err != nil {
			s.logger.Debug("reading push stream failed", "error", err)
			return
		}
		if frame.Op == opEnd {
			break
		}
		if frame.Op != opRecord {
			s.logger.Warn("unexpected op in push stream", "op", frame.Op)
			continue
		}

		wire, err := decodePayload[WireRecord](frame)
		if err != nil {
			s.logger.Debug("bad record payload in push stream", "error", err)
			continue
		}

		t := &database.Transcription{
			ID:         wire.ID,
			Timestamp:  wire.Timestamp,
			Text:       wire.Text,
			SourceNode: wire.SourceNode,
			DeviceID:   wire.DeviceID,
			Synced:     true,
		}

		if err := s.store.Insert(ctx, t); err != nil {
			s.logger.Error("push storage error", "error", err)
			writeFrame(conn, opError, errorPayload{Message: "internal: " + err.Error()})
			return
		}

		received++
		if s.fanout != nil {
			s.fanout.Publish(*t)
		}
	}

	if err := writeFrame(conn, opPushDone, PushResponse{Received: received}); err != nil {
		s.logger.Debug("writing push response failed", "error", err)
	}
}
