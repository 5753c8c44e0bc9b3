package node

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditmesh/auditmesh/config"
	"github.com/auditmesh/auditmesh/core"
	"github.com/auditmesh/auditmesh/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, id string, peers []config.PeerConfig) *config.Config {
	t.Helper()
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	cfg.Node.ID = id
	cfg.Node.DataDir = t.TempDir()
	cfg.Server.ListenAddress = "127.0.0.1:0"
	cfg.Server.Peers = peers
	return cfg
}

// buildNode constructs a node over a fresh in-memory log without starting
// anything; Run (or the caller) owns the transport lifecycle.
func buildNode(t *testing.T, id string, peers []config.PeerConfig, mutate func(*config.Config)) (*Node, *storage.MemoryLog) {
	t.Helper()
	cfg := testConfig(t, id, peers)
	if mutate != nil {
		mutate(cfg)
	}
	log := storage.NewMemoryLog()
	n, err := New(cfg, log, discardLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(n.server.Stop)
	return n, log
}

// newTestNode additionally starts the node's transport accept loop.
func newTestNode(t *testing.T, id string, peers []config.PeerConfig, mutate func(*config.Config)) (*Node, *storage.MemoryLog) {
	t.Helper()
	n, log := buildNode(t, id, peers, mutate)
	go func() { _ = n.server.Start(context.Background()) }()
	return n, log
}

func appendRecords(t *testing.T, n *Node, count int) []core.AuditRecord {
	t.Helper()
	out := make([]core.AuditRecord, 0, count)
	for i := 0; i < count; i++ {
		rec, err := n.Append(context.Background(), "tester", fmt.Sprintf("op-%d", i), "res", nil)
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func TestSyncPeer_PullsEverything(t *testing.T) {
	ctx := context.Background()

	a, aLog := newTestNode(t, "node-a", nil, func(cfg *config.Config) {
		cfg.Sync.Strategy = "pull" // no pushing; the pull must do the work
	})
	appendRecords(t, a, 3)

	b, bLog := newTestNode(t, "node-b", nil, func(cfg *config.Config) {
		cfg.Sync.Strategy = "pull"
	})

	require.NoError(t, b.syncPeer(ctx, Peer{ID: "node-a", Address: a.Addr()}))

	bCount, err := bLog.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, bCount)

	aRecords, err := aLog.GetAll(ctx)
	require.NoError(t, err)
	bRecords, err := bLog.GetAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, aRecords, bRecords)

	// The responder saw its records acked, so nothing is left pending.
	assert.False(t, a.manager.NeedsSync("node-b"))
}

func TestSyncPeer_FollowsContinuations(t *testing.T) {
	ctx := context.Background()

	a, _ := newTestNode(t, "node-a", nil, func(cfg *config.Config) {
		cfg.Sync.Strategy = "pull"
		cfg.Sync.BatchSize = 2 // force HasMore continuations
	})
	appendRecords(t, a, 7)

	b, bLog := newTestNode(t, "node-b", nil, func(cfg *config.Config) {
		cfg.Sync.Strategy = "pull"
	})

	require.NoError(t, b.syncPeer(ctx, Peer{ID: "node-a", Address: a.Addr()}))

	count, err := bLog.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, count, "continuation pulls must fetch past the batch size")
}

func TestSyncPeer_IsIdempotent(t *testing.T) {
	ctx := context.Background()

	a, _ := newTestNode(t, "node-a", nil, nil)
	appendRecords(t, a, 2)
	b, bLog := newTestNode(t, "node-b", nil, nil)

	peer := Peer{ID: "node-a", Address: a.Addr()}
	require.NoError(t, b.syncPeer(ctx, peer))
	require.NoError(t, b.syncPeer(ctx, peer))

	count, err := bLog.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "re-pulling must not duplicate records")
}

func TestPushStrategy_DeliversOnAppend(t *testing.T) {
	ctx := context.Background()

	b, bLog := newTestNode(t, "node-b", nil, nil)
	a, _ := newTestNode(t, "node-a", []config.PeerConfig{{ID: "node-b", Address: b.Addr()}}, func(cfg *config.Config) {
		cfg.Sync.Strategy = "push"
	})

	rec, err := a.Append(ctx, "tester", "login", "console", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		count, err := bLog.Count(ctx)
		return err == nil && count == 1
	}, 3*time.Second, 20*time.Millisecond)

	got, err := bLog.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, rec, got[0])

	// The push was acked, so the record is marked synced for the peer.
	require.Eventually(t, func() bool {
		return a.manager.IsSynced("node-b", rec.ID)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHeartbeat_TriggersAntiEntropyPull(t *testing.T) {
	ctx := context.Background()

	// B is behind and has no peers of its own; A heartbeats to B, B answers
	// with a pull request, and A serves it within the same conversation.
	b, bLog := newTestNode(t, "node-b", nil, nil)
	a, _ := newTestNode(t, "node-a", []config.PeerConfig{{ID: "node-b", Address: b.Addr()}}, func(cfg *config.Config) {
		cfg.Sync.Strategy = "pull"
	})
	appendRecords(t, a, 4)

	hb, err := a.manager.CreateHeartbeat(ctx)
	require.NoError(t, err)
	require.NoError(t, a.sendHeartbeat(ctx, Peer{ID: "node-b", Address: b.Addr()}, hb))

	count, err := bLog.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestRunLoops_ConvergeTwoNodes(t *testing.T) {
	// Full daemon-style run: short intervals, A appends, B converges.
	b, bLog := newTestNode(t, "node-b", nil, func(cfg *config.Config) {
		cfg.Sync.Strategy = "pull"
	})
	a, _ := buildNode(t, "node-a", []config.PeerConfig{{ID: "node-b", Address: b.Addr()}}, func(cfg *config.Config) {
		cfg.Sync.Strategy = "pull"
		cfg.Sync.HeartbeatInterval = "100ms"
		cfg.Sync.SyncInterval = "2s"
	})
	appendRecords(t, a, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		count, err := bLog.Count(context.Background())
		return err == nil && count == 3
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestHandleMessage_UnknownVariant(t *testing.T) {
	a, _ := newTestNode(t, "node-a", nil, nil)

	_, err := a.handleMessage(context.Background(), nil)
	assert.True(t, core.IsProtocolError(err))
}

func TestRecordFailure_SchedulesBackoffAfterRetryBudget(t *testing.T) {
	a, _ := newTestNode(t, "node-a", nil, func(cfg *config.Config) {
		cfg.Sync.MaxRetries = 2
	})

	a.recordFailure("node-b")
	assert.False(t, a.backingOff("node-b"), "below the retry budget no backoff applies")

	a.recordFailure("node-b")
	assert.True(t, a.backingOff("node-b"), "hitting max_retries must schedule backoff")

	a.clearBackoff("node-b")
	assert.False(t, a.backingOff("node-b"))
}

func TestNew_Validation(t *testing.T) {
	log := storage.NewMemoryLog()

	cfg := testConfig(t, "", nil)
	_, err := New(cfg, log, discardLogger(), nil)
	assert.Error(t, err, "empty node id must be rejected")

	cfg = testConfig(t, "node-a", []config.PeerConfig{{ID: "peer", Address: ""}})
	_, err = New(cfg, log, discardLogger(), nil)
	assert.Error(t, err, "peer without address must be rejected")
}
