package database

import "context"

// TranscriptionRepository is the durable log of transcriptions. Insert is
// idempotent by id: re-inserting an id already present overwrites its row,
// giving at-most-once replication semantics across repeated pull-syncs.
type TranscriptionRepository interface {
	Insert(ctx context.Context, t *Transcription) error
	GetSince(ctx context.Context, sinceTimestamp int64) ([]Transcription, error)
	GetRecent(ctx context.Context, limit int) ([]Transcription, error)
	MarkSynced(ctx context.Context, id string) error
	Count(ctx context.Context) (total, synced int, err error)
}

// PeerRepository tracks per-peer replication cursors: the timestamp up to
// which this node has already pulled each known peer's transcription log.
type PeerRepository interface {
	Upsert(ctx context.Context, p *Peer) error
	Get(ctx context.Context, nodeID string) (*Peer, error)
	List(ctx context.Context) ([]Peer, error)
}
