package replication

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/oliverbhull/memo-node/internal/database"
	"github.com/oliverbhull/memo-node/internal/discovery"
)

// TestPullSyncFreshPeer implements scenario S5: node A has three records,
// node B starts empty; one round should bring B fully up to date and
// advance its cursor to the max timestamp seen. A second round against an
// unchanged A should be a no-op.
func TestPullSyncFreshPeer(t *testing.T) {
	ctx := context.Background()

	storeA := newTestStore(t)
	for _, ts := range []int64{10, 20, 30} {
		if err := storeA.Insert(ctx, &database.Transcription{
			ID: ridFor(ts), Timestamp: ts, Text: "utterance", SourceNode: "node-a",
		}); err != nil {
			t.Fatalf("seeding A: %v", err)
		}
	}
	addrA := startTestServer(t, "node-a", storeA, nil)

	storeB := newTestStore(t)
	mgr := NewManager("node-b", storeB, nil, time.Hour, testLogger())

	peerA := discovery.Peer{NodeID: "node-a"}
	host, port := splitHostPort(t, addrA)
	peerA.Address, peerA.Port = host, port

	mgr.pullSync(ctx, peerA)

	total, synced, err := storeB.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if total != 3 || synced != 3 {
		t.Fatalf("after first round: Count() = (%d, %d), want (3, 3)", total, synced)
	}

	cursor, err := storeB.Get(ctx, "node-a")
	if err != nil {
		t.Fatalf("Get cursor: %v", err)
	}
	if cursor == nil || cursor.LastSyncTimestamp != 30 {
		t.Fatalf("cursor = %+v, want LastSyncTimestamp=30", cursor)
	}

	// Second round against an unchanged peer: store and cursor unchanged.
	mgr.pullSync(ctx, peerA)

	total2, synced2, err := storeB.Count(ctx)
	if err != nil {
		t.Fatalf("Count (round 2): %v", err)
	}
	if total2 != 3 || synced2 != 3 {
		t.Fatalf("after second round: Count() = (%d, %d), want unchanged (3, 3)", total2, synced2)
	}
	cursor2, err := storeB.Get(ctx, "node-a")
	if err != nil {
		t.Fatalf("Get cursor (round 2): %v", err)
	}
	if cursor2.LastSyncTimestamp != 30 {
		t.Fatalf("cursor advanced past expected bound: %+v", cursor2)
	}
}

// TestPullSyncAbandonsRoundOnTransportFailure verifies that a failed round
// (peer unreachable) leaves the cursor untouched.
func TestPullSyncAbandonsRoundOnTransportFailure(t *testing.T) {
	ctx := context.Background()
	storeB := newTestStore(t)

	if err := storeB.Upsert(ctx, &database.Peer{NodeID: "node-a", LastSeen: time.Now(), LastSyncTimestamp: 42}); err != nil {
		t.Fatalf("seeding cursor: %v", err)
	}

	mgr := NewManager("node-b", storeB, nil, time.Hour, testLogger())
	// Port 1 on loopback should refuse connections immediately.
	mgr.pullSync(ctx, discovery.Peer{NodeID: "node-a", Address: "127.0.0.1", Port: 1})

	cursor, err := storeB.Get(ctx, "node-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cursor.LastSyncTimestamp != 42 {
		t.Fatalf("cursor = %d, want unchanged 42 after a transport failure", cursor.LastSyncTimestamp)
	}
}

// TestConsumeDiscoveredUpsertsByNodeID verifies the live peer table is
// keyed by node_id and overwritten, never removed, on re-discovery.
func TestConsumeDiscoveredUpsertsByNodeID(t *testing.T) {
	storeB := newTestStore(t)
	mgr := NewManager("node-b", storeB, nil, time.Hour, testLogger())

	peers := make(chan discovery.Peer, 4)
	peers <- discovery.Peer{NodeID: "node-a", Address: "10.0.0.1", Port: 1}
	peers <- discovery.Peer{NodeID: "node-a", Address: "10.0.0.2", Port: 2}
	close(peers)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	mgr.ConsumeDiscovered(ctx, peers)

	live := mgr.LivePeers()
	if len(live) != 1 {
		t.Fatalf("LivePeers() = %v, want exactly one entry (overwritten by node_id)", live)
	}
	if live[0].Address != "10.0.0.2" {
		t.Errorf("Address = %q, want the most recent discovery (10.0.0.2)", live[0].Address)
	}
}

func ridFor(ts int64) string {
	return "rec-" + time.Unix(ts, 0).UTC().Format(time.RFC3339)
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("splitting %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	return host, port
}
