package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "memo-node.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestInsertIsIdempotentByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t1 := &Transcription{ID: "abc", Timestamp: 100, Text: "hello", SourceNode: "node-a"}
	if err := s.Insert(ctx, t1); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	// Re-insert with the same id but different fields; should overwrite, not duplicate.
	t2 := &Transcription{ID: "abc", Timestamp: 100, Text: "hello world", SourceNode: "node-a", Synced: true}
	if err := s.Insert(ctx, t2); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	total, synced, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
	if synced != 1 {
		t.Errorf("synced = %d, want 1", synced)
	}

	got, err := s.GetRecent(ctx, 10)
	if err != nil {
		t.Fatalf("GetRecent() error: %v", err)
	}
	if len(got) != 1 || got[0].Text != "hello world" {
		t.Errorf("GetRecent() = %+v, want one record with updated text", got)
	}
}

func TestGetSinceOrdersByTimestampAscending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []*Transcription{
		{ID: "c", Timestamp: 300, Text: "third", SourceNode: "node-a"},
		{ID: "a", Timestamp: 100, Text: "first", SourceNode: "node-a"},
		{ID: "b", Timestamp: 200, Text: "second", SourceNode: "node-a"},
	}
	for _, r := range records {
		if err := s.Insert(ctx, r); err != nil {
			t.Fatalf("Insert() error: %v", err)
		}
	}

	got, err := s.GetSince(ctx, 0)
	if err != nil {
		t.Fatalf("GetSince() error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3", len(got))
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if got[i].Text != w {
			t.Errorf("got[%d].Text = %q, want %q", i, got[i].Text, w)
		}
	}

	// Excludes records at or before the cursor.
	got, err = s.GetSince(ctx, 200)
	if err != nil {
		t.Fatalf("GetSince() error: %v", err)
	}
	if len(got) != 1 || got[0].Text != "third" {
		t.Errorf("GetSince(200) = %+v, want only 'third'", got)
	}
}

func TestMarkSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, &Transcription{ID: "abc", Timestamp: 1, Text: "hi", SourceNode: "node-a"}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if err := s.MarkSynced(ctx, "abc"); err != nil {
		t.Fatalf("MarkSynced() error: %v", err)
	}

	_, synced, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if synced != 1 {
		t.Errorf("synced = %d, want 1", synced)
	}
}

func TestPeerCursorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Get(ctx, "node-b")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got != nil {
		t.Fatalf("Get() for unknown peer = %+v, want nil", got)
	}

	now := time.Now().Truncate(time.Second)
	if err := s.Upsert(ctx, &Peer{NodeID: "node-b", LastSeen: now, LastSyncTimestamp: 42}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	got, err = s.Get(ctx, "node-b")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil || got.LastSyncTimestamp != 42 {
		t.Fatalf("Get() = %+v, want LastSyncTimestamp 42", got)
	}

	if err := s.Upsert(ctx, &Peer{NodeID: "node-b", LastSeen: now, LastSyncTimestamp: 99}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	peers, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(peers) != 1 || peers[0].LastSyncTimestamp != 99 {
		t.Errorf("List() = %+v, want one peer with cursor 99", peers)
	}
}
