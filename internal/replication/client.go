package replication

import (
	"fmt"
	"net"
	"time"
)

// dialTimeout bounds how long a pull-sync round waits to establish a
// connection to a peer before giving up.
const dialTimeout = 5 * time.Second

// Client is a thin RPC client against a remote Sync Server, used by the
// Peer Manager to drive one pull-sync round.
type Client struct {
	addr string
	conn net.Conn
}

// Dial opens a connection to a peer's replication endpoint.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: conn}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping checks liveness of the peer, identifying the caller as nodeID.
func (c *Client) Ping(nodeID string) (PingResponse, error) {
	if err := writeFrame(c.conn, opPing, PingRequest{NodeID: nodeID}); err != nil {
		return PingResponse{}, err
	}
	resp, err := readFrame(c.conn)
	if err != nil {
		return PingResponse{}, fmt.Errorf("reading ping response: %w", err)
	}
	if resp.Op != opPong {
		return PingResponse{}, fmt.Errorf("unexpected response op %q to ping", resp.Op)
	}
	return decodePayload[PingResponse](resp)
}

// GetTranscriptionsSince calls GetTranscriptionsSince on the peer and
// invokes onRecord for every record in the ascending-timestamp stream. It
// returns once the peer's end-of-stream sentinel is observed.
func (c *Client) GetTranscriptionsSince(sinceTimestamp int64, onRecord func(WireRecord) error) error {
	if err := writeFrame(c.conn, opSince, SinceRequest{SinceTimestamp: sinceTimestamp}); err != nil {
		return err
	}

	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			return fmt.Errorf("reading since-stream frame: %w", err)
		}

		switch frame.Op {
		case opRecord:
			wire, err := decodePayload[WireRecord](frame)
			if err != nil {
				return err
			}
			if err := onRecord(wire); err != nil {
				return err
			}
		case opEnd:
			return nil
		case opError:
			payload, _ := decodePayload[errorPayload](frame)
			return fmt.Errorf("peer reported error: %s", payload.Message)
		default:
			return fmt.Errorf("unexpected op %q in since-stream", frame.Op)
		}
	}
}

// PushTranscriptions streams records to the peer and returns the count it
// reports having received. Not used by the pull-based Peer Manager today,
// but exercised directly by tests and available for a future push path
// against the same Sync Server.
func (c *Client) PushTranscriptions(records []WireRecord) (PushResponse, error) {
	if err := writeFrame(c.conn, opPush, nil); err != nil {
		return PushResponse{}, err
	}
	for _, r := range records {
		if err := writeFrame(c.conn, opRecord, r); err != nil {
			return PushResponse{}, err
		}
	}
	if err := writeFrame(c.conn, opEnd, nil); err != nil {
		return PushResponse{}, err
	}

	resp, err := readFrame(c.conn)
	if err != nil {
		return PushResponse{}, fmt.Errorf("reading push response: %w", err)
	}
	if resp.Op == opError {
		payload, _ := decodePayload[errorPayload](resp)
		return PushResponse{}, fmt.Errorf("peer reported error: %s", payload.Message)
	}
	if resp.Op != opPushDone {
		return PushResponse{}, fmt.Errorf("unexpected response op %q to push", resp.Op)
	}
	return decodePayload[PushResponse](resp)
}
