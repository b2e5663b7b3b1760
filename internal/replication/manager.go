package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/oliverbhull/memo-node/internal/database"
	"github.com/oliverbhull/memo-node/internal/discovery"
)

// PeerSyncStore is the subset of the Store's contract the Peer Manager
// needs: the transcription log to write into, plus per-peer cursors.
type PeerSyncStore interface {
	Insert(ctx context.Context, t *database.Transcription) error
	Upsert(ctx context.Context, p *database.Peer) error
	Get(ctx context.Context, nodeID string) (*database.Peer, error)
}

// Dialer opens a Client connection to a peer's replication address; a
// field so tests can substitute an in-process transport.
type Dialer func(addr string) (*Client, error)

// Manager maintains the live peer table from the discovery stream (upsert
// by node_id, never explicitly removed) and, every sync interval, attempts
// one pull-sync round with each known peer.
type Manager struct {
	nodeID       string
	store        PeerSyncStore
	fanout       *Fanout
	syncInterval time.Duration
	dial         Dialer
	logger       *slog.Logger

	mu   sync.RWMutex
	live map[string]discovery.Peer

	// limiter paces how quickly successive pull-sync rounds are launched
	// within one tick, so a large peer set doesn't open every connection
	// in the same instant.
	limiter *rate.Limiter
}

// NewManager builds a Manager that syncs as nodeID every syncInterval.
func NewManager(nodeID string, store PeerSyncStore, fanout *Fanout, syncInterval time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		nodeID:       nodeID,
		store:        store,
		fanout:       fanout,
		syncInterval: syncInterval,
		dial:         Dial,
		logger:       logger.With("component", "peer-manager"),
		live:         make(map[string]discovery.Peer),
		limiter:      rate.NewLimiter(rate.Limit(10), 10),
	}
}

// ConsumeDiscovered upserts every peer discovery emits into the live table
// until peers closes or ctx is canceled. Entries are overwritten on
// re-discovery and never explicitly removed.
func (m *Manager) ConsumeDiscovered(ctx context.Context, peers <-chan discovery.Peer) {
	for {
		select {
		case p, ok := <-peers:
			if !ok {
				return
			}
			m.mu.Lock()
			m.live[p.NodeID] = p
			m.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// LivePeers returns a snapshot of the current live peer table.
func (m *Manager) LivePeers() []discovery.Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]discovery.Peer, 0, len(m.live))
	for _, p := range m.live {
		out = append(out, p)
	}
	return out
}

// Run ticks every syncInterval, attempting one pull-sync round with every
// currently known peer on each tick. Rounds run concurrently with each
// other but are paced by the rate limiter so a large peer set doesn't
// stampede all at once.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.syncRound(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) syncRound(ctx context.Context) {
	peers := m.LivePeers()

	var wg sync.WaitGroup
	for _, p := range peers {
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		wg.Add(1)
		go func(p discovery.Peer) {
			defer wg.Done()
			m.pullSync(ctx, p)
		}(p)
	}
	wg.Wait()
}

// pullSync executes one pull-sync round against peer p: resolve the
// cursor, stream every newer record, upsert each idempotently, and advance
// the cursor only if the whole round completed without error. A failure at
// any step abandons the round and leaves the cursor untouched so the next
// tick redoes the missed tail.
func (m *Manager) pullSync(ctx context.Context, p discovery.Peer) {
	logger := m.logger.With("peer", p.NodeID)

	cursor, err := m.store.Get(ctx, p.NodeID)
	if err != nil {
		logger.Warn("failed to read peer cursor, abandoning round", "error", err)
		return
	}
	since := int64(0)
	if cursor != nil {
		since = cursor.LastSyncTimestamp
	}

	client, err := m.dial(fmt.Sprintf("%s:%d", p.Address, p.Port))
	if err != nil {
		logger.Warn("failed to connect, abandoning round", "error", err)
		return
	}
	defer client.Close()

	maxTS := since
	err = client.GetTranscriptionsSince(since, func(wire WireRecord) error {
		t := &database.Transcription{
			ID:         wire.ID,
			Timestamp:  wire.Timestamp,
			Text:       wire.Text,
			SourceNode: wire.SourceNode,
			DeviceID:   wire.DeviceID,
			Synced:     true,
		}
		if err := m.store.Insert(ctx, t); err != nil {
			return err
		}
		if m.fanout != nil {
			m.fanout.Publish(*t)
		}
		if t.Timestamp > maxTS {
			maxTS = t.Timestamp
		}
		return nil
	})
	if err != nil {
		logger.Warn("sync round failed, cursor not advanced", "error", err)
		return
	}

	if err := m.store.Upsert(ctx, &database.Peer{
		NodeID:            p.NodeID,
		LastSeen:          time.Now(),
		LastSyncTimestamp: maxTS,
	}); err != nil {
		logger.Warn("failed to advance cursor", "error", err)
	}
}
