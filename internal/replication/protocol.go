// Package replication implements the peer discovery consumer, the sync
// server, and the pull-based anti-entropy protocol that gossips
// transcriptions across the cluster.
package replication

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// maxFrameSize bounds a single frame so a corrupt or malicious length
// prefix can't make a reader allocate unbounded memory.
const maxFrameSize = 16 << 20 // 16MiB

// Operation codes carried in every envelope.
const (
	opPing     = "ping"
	opPong     = "pong"
	opSince    = "since"
	opRecord   = "record"
	opEnd      = "end"
	opPush     = "push"
	opPushDone = "push_done"
	opError    = "error"
)

// envelope is the framed wire message: one operation code plus an
// operation-specific JSON payload. A single connection multiplexes a
// request and its (possibly multi-frame) response, generalizing the same
// "distinct messages over one connection" shape used elsewhere in the pack
// for framed protocols, without a protoc-generated RPC stack.
type envelope struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PingRequest identifies the caller.
type PingRequest struct {
	NodeID string `json:"node_id"`
}

// PingResponse confirms liveness only.
type PingResponse struct {
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
}

// SinceRequest asks for every record strictly newer than SinceTimestamp.
type SinceRequest struct {
	SinceTimestamp int64 `json:"since_timestamp"`
}

// WireRecord is one transcription as carried on the wire: device_id uses
// the empty string to mean "absent", per spec §6.
type WireRecord struct {
	ID         string `json:"id"`
	Timestamp  int64  `json:"timestamp"`
	Text       string `json:"text"`
	SourceNode string `json:"source_node"`
	DeviceID   string `json:"device_id"`
}

// PushResponse reports how many records a PushTranscriptions call stored.
type PushResponse struct {
	Received uint32 `json:"received"`
}

// errorPayload carries a storage failure back to the caller as an
// "internal" style status; the stream terminates after this frame.
type errorPayload struct {
	Message string `json:"message"`
}

// writeFrame encodes v into op's payload and writes one length-prefixed
// frame to w.
func writeFrame(w io.Writer, op string, v any) error {
	var payload json.RawMessage
	if v != nil {
		b, err := sonic.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s payload: %w", op, err)
		}
		payload = b
	}

	body, err := sonic.Marshal(envelope{Op: op, Payload: payload})
	if err != nil {
		return fmt.Errorf("encoding %s envelope: %w", op, err)
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame from r and decodes its
// envelope.
func readFrame(r io.Reader) (envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return envelope{}, fmt.Errorf("frame of %d bytes exceeds max %d", n, maxFrameSize)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return envelope{}, fmt.Errorf("reading frame body: %w", err)
	}

	var env envelope
	if err := sonic.Unmarshal(body, &env); err != nil {
		return envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}

func decodePayload[T any](env envelope) (T, error) {
	var v T
	if len(env.Payload) == 0 {
		return v, nil
	}
	if err := sonic.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("decoding %s payload: %w", env.Op, err)
	}
	return v, nil
}
