package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Store is the concrete, mutex-guarded implementation of
// TranscriptionRepository and PeerRepository backed by a DB.
//
// SQLite's single connection (set in Open) already serializes writers;
// mu additionally documents and enforces the single-writer invariant at the
// call site: the write methods (Insert, MarkSynced, Upsert) take it, the
// read methods do not.
type Store struct {
	db *DB
	mu sync.Mutex
}

// NewStore returns a Store over an already-open, already-migrated DB.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Insert upserts a transcription by id. Re-inserting an id already present
// overwrites the row; this is the mechanism that makes repeated pull-sync
// rounds idempotent.
func (s *Store) Insert(ctx context.Context, t *Transcription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transcriptions (id, timestamp, text, source_node, device_id, synced)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Timestamp, t.Text, t.SourceNode, t.DeviceID, boolToInt(t.Synced),
	)
	if err != nil {
		return fmt.Errorf("inserting transcription %s: %w", t.ID, err)
	}
	return nil
}

// GetSince returns every transcription with timestamp strictly greater than
// sinceTimestamp, oldest first. It makes no distinction between locally
// authored and already-synced rows, which is what allows a record authored
// on node A to relay through node B to node C.
func (s *Store) GetSince(ctx context.Context, sinceTimestamp int64) ([]Transcription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, text, source_node, device_id, synced
		 FROM transcriptions WHERE timestamp > ? ORDER BY timestamp ASC`,
		sinceTimestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("querying transcriptions since %d: %w", sinceTimestamp, err)
	}
	defer rows.Close()

	return scanTranscriptions(rows)
}

// GetRecent returns the most recently timestamped transcriptions, newest
// first, bounded to limit rows.
func (s *Store) GetRecent(ctx context.Context, limit int) ([]Transcription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, text, source_node, device_id, synced
		 FROM transcriptions ORDER BY timestamp DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying recent transcriptions: %w", err)
	}
	defer rows.Close()

	return scanTranscriptions(rows)
}

// MarkSynced flags a transcription as having been relayed to at least one
// peer.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `UPDATE transcriptions SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking %s synced: %w", id, err)
	}
	return nil
}

// Count returns the total number of stored transcriptions and the subset
// marked synced.
func (s *Store) Count(ctx context.Context) (total, synced int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcriptions`).Scan(&total); err != nil {
		return 0, 0, fmt.Errorf("counting transcriptions: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transcriptions WHERE synced = 1`).Scan(&synced); err != nil {
		return 0, 0, fmt.Errorf("counting synced transcriptions: %w", err)
	}
	return total, synced, nil
}

// Upsert writes p's LastSeen time and replication cursor for p.NodeID,
// replacing any existing row for that node with the values as given.
func (s *Store) Upsert(ctx context.Context, p *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO peers (node_id, last_seen, last_sync_timestamp) VALUES (?, ?, ?)`,
		p.NodeID, p.LastSeen.UTC().Format(time.RFC3339), p.LastSyncTimestamp,
	)
	if err != nil {
		return fmt.Errorf("upserting peer %s: %w", p.NodeID, err)
	}
	return nil
}

// Get returns the cursor for nodeID, or nil if this node has never synced
// with it.
func (s *Store) Get(ctx context.Context, nodeID string) (*Peer, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT node_id, last_seen, last_sync_timestamp FROM peers WHERE node_id = ?`, nodeID)
	p, err := scanPeer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting peer %s: %w", nodeID, err)
	}
	return p, nil
}

// List returns every known peer cursor.
func (s *Store) List(ctx context.Context) ([]Peer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id, last_seen, last_sync_timestamp FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("listing peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var p Peer
		var lastSeen string
		if err := rows.Scan(&p.NodeID, &lastSeen, &p.LastSyncTimestamp); err != nil {
			return nil, fmt.Errorf("scanning peer: %w", err)
		}
		p.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating peers: %w", err)
	}
	return peers, nil
}

func scanTranscriptions(rows *sql.Rows) ([]Transcription, error) {
	var out []Transcription
	for rows.Next() {
		var t Transcription
		var synced int
		if err := rows.Scan(&t.ID, &t.Timestamp, &t.Text, &t.SourceNode, &t.DeviceID, &synced); err != nil {
			return nil, fmt.Errorf("scanning transcription: %w", err)
		}
		t.Synced = synced != 0
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transcriptions: %w", err)
	}
	return out, nil
}

func scanPeer(row *sql.Row) (*Peer, error) {
	var p Peer
	var lastSeen string
	if err := row.Scan(&p.NodeID, &lastSeen, &p.LastSyncTimestamp); err != nil {
		return nil, err
	}
	p.LastSeen, _ = time.Parse(time.RFC3339, lastSeen)
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
