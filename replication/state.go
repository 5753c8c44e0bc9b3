package replication

import (
	"time"

	"github.com/auditmesh/auditmesh/core"
)

// SyncState is the per-peer bookkeeping kept by the Manager: when the peer
// last completed a round trip, which record ids it is known to have, what has
// been sent but not yet acknowledged, and how many exchanges in a row have
// failed. It is created lazily the first time a peer id is seen and mutated
// only through Manager methods.
type SyncState struct {
	LastSync       time.Time
	FailedAttempts int

	syncedRecords  map[core.RecordID]struct{}
	pendingRecords []core.DistributedRecord
}

func NewSyncState() *SyncState {
	return &SyncState{
		syncedRecords: make(map[core.RecordID]struct{}),
	}
}

// IsSynced reports whether the record id has been marked synced for this peer.
func (s *SyncState) IsSynced(id core.RecordID) bool {
	_, ok := s.syncedRecords[id]
	return ok
}

// MarkSynced records the id as synced and drops any matching pending entry.
// A synced id can never re-enter the pending queue.
func (s *SyncState) MarkSynced(id core.RecordID) {
	s.syncedRecords[id] = struct{}{}
	for i, rec := range s.pendingRecords {
		if rec.Record.ID == id {
			s.pendingRecords = append(s.pendingRecords[:i], s.pendingRecords[i+1:]...)
			break
		}
	}
}

// AddPending queues a record as sent-but-unacknowledged. It is a no-op when
// the id is already synced or already pending.
func (s *SyncState) AddPending(rec core.DistributedRecord) bool {
	if s.IsSynced(rec.Record.ID) {
		return false
	}
	for _, pending := range s.pendingRecords {
		if pending.Record.ID == rec.Record.ID {
			return false
		}
	}
	s.pendingRecords = append(s.pendingRecords, rec)
	return true
}

// HasPending reports whether any sent record is still unacknowledged.
func (s *SyncState) HasPending() bool {
	return len(s.pendingRecords) > 0
}

// PendingRecords returns a copy of the unacknowledged queue.
func (s *SyncState) PendingRecords() []core.DistributedRecord {
	out := make([]core.DistributedRecord, len(s.pendingRecords))
	copy(out, s.pendingRecords)
	return out
}

// SyncedCount returns how many record ids are marked synced.
func (s *SyncState) SyncedCount() int {
	return len(s.syncedRecords)
}

// SyncedIDs returns the synced record ids in no particular order.
func (s *SyncState) SyncedIDs() []core.RecordID {
	out := make([]core.RecordID, 0, len(s.syncedRecords))
	for id := range s.syncedRecords {
		out = append(out, id)
	}
	return out
}
