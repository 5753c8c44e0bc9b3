package replication

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditmesh/auditmesh/core"
)

func distributedRecord(id core.RecordID) core.DistributedRecord {
	return core.DistributedRecord{
		Record:     core.AuditRecord{ID: id},
		OriginNode: "origin",
	}
}

func TestSyncState_MarkAndCheck(t *testing.T) {
	st := NewSyncState()
	assert.False(t, st.IsSynced("r1"))

	st.MarkSynced("r1")
	assert.True(t, st.IsSynced("r1"))
	assert.Equal(t, 1, st.SyncedCount())

	// Marking again is harmless.
	st.MarkSynced("r1")
	assert.Equal(t, 1, st.SyncedCount())
}

func TestSyncState_AddPending(t *testing.T) {
	st := NewSyncState()

	require.True(t, st.AddPending(distributedRecord("r1")))
	assert.True(t, st.HasPending())

	// Duplicate pending entries are refused.
	assert.False(t, st.AddPending(distributedRecord("r1")))
	assert.Len(t, st.PendingRecords(), 1)

	// Synced ids never enter the queue.
	st.MarkSynced("r2")
	assert.False(t, st.AddPending(distributedRecord("r2")))
	assert.Len(t, st.PendingRecords(), 1)
}

func TestSyncState_MarkSyncedClearsPending(t *testing.T) {
	st := NewSyncState()
	st.AddPending(distributedRecord("r1"))
	st.AddPending(distributedRecord("r2"))

	st.MarkSynced("r1")

	pending := st.PendingRecords()
	require.Len(t, pending, 1)
	assert.Equal(t, core.RecordID("r2"), pending[0].Record.ID)

	// And it can never come back.
	assert.False(t, st.AddPending(distributedRecord("r1")))
}

func TestSyncState_PendingRecordsIsACopy(t *testing.T) {
	st := NewSyncState()
	st.AddPending(distributedRecord("r1"))

	snapshot := st.PendingRecords()
	snapshot[0].Record.ID = "mutated"

	assert.Equal(t, core.RecordID("r1"), st.PendingRecords()[0].Record.ID)
}
