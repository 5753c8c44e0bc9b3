package replication

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditmesh/auditmesh/core"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync_state.json")

	m := newTestManager(t, "node-a", nil)
	lastSync := time.Now().UTC().Truncate(time.Millisecond)
	m.nowFunc = func() time.Time { return lastSync }
	require.NoError(t, m.ProcessSyncAck(ctx, &SyncAck{
		FromNode:    "node-b",
		RecordIDs:   []core.RecordID{"r1", "r2"},
		VectorClock: core.VectorClock{"node-b": 9},
	}))
	m.RecordSyncFailure("node-c")

	require.NoError(t, m.SaveCheckpoint(path))

	restored := newTestManager(t, "node-a", nil)
	require.NoError(t, restored.LoadCheckpoint(path))

	assert.True(t, restored.IsSynced("node-b", "r1"))
	assert.True(t, restored.IsSynced("node-b", "r2"))
	assert.Equal(t, 1, restored.FailedAttempts("node-c"))
	assert.Equal(t, uint64(9), restored.Clock().Get("node-b"))

	// Watermark survives, so the restored manager does not re-pull immediately.
	req := restored.CreateSyncRequest("node-b")
	assert.True(t, req.Since.Equal(lastSync))
}

func TestLoadCheckpoint_MissingFileIsFreshStart(t *testing.T) {
	m := newTestManager(t, "node-a", nil)
	require.NoError(t, m.LoadCheckpoint(filepath.Join(t.TempDir(), "absent.json")))
	assert.Empty(t, m.PeerStates())
}

func TestRestore_RejectsForeignCheckpoint(t *testing.T) {
	m := newTestManager(t, "node-a", nil)
	other := newTestManager(t, "node-z", nil)

	err := m.Restore(other.Snapshot())
	assert.Error(t, err)
}
