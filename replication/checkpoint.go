package replication

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/auditmesh/auditmesh/core"
)

// Checkpoint is the durable form of the Manager's peer bookkeeping. The
// pending queue is intentionally not persisted: unacknowledged records are
// simply resent after a restart, which the synced-id check makes harmless.
type Checkpoint struct {
	NodeID  core.NodeID                     `json:"node_id"`
	Clock   core.VectorClock                `json:"clock"`
	Peers   map[core.NodeID]*PeerCheckpoint `json:"peers"`
	SavedAt time.Time                       `json:"saved_at"`
}

// PeerCheckpoint is one peer's persisted sync state.
type PeerCheckpoint struct {
	LastSync       time.Time       `json:"last_sync"`
	FailedAttempts int             `json:"failed_attempts"`
	SyncedRecords  []core.RecordID `json:"synced_records"`
}

// Snapshot captures the current peer states and clock for persistence.
func (m *Manager) Snapshot() *Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := &Checkpoint{
		NodeID:  m.nodeID,
		Clock:   m.clock.Copy(),
		Peers:   make(map[core.NodeID]*PeerCheckpoint, len(m.states)),
		SavedAt: m.nowFunc(),
	}
	for peer, st := range m.states {
		cp.Peers[peer] = &PeerCheckpoint{
			LastSync:       st.LastSync,
			FailedAttempts: st.FailedAttempts,
			SyncedRecords:  st.SyncedIDs(),
		}
	}
	return cp
}

// Restore replaces the Manager's peer states and clock with the checkpoint's.
// A checkpoint written by a different node id is rejected.
func (m *Manager) Restore(cp *Checkpoint) error {
	if cp.NodeID != m.nodeID {
		return fmt.Errorf("checkpoint belongs to node %q, not %q", cp.NodeID, m.nodeID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.clock = core.NewVectorClock()
	m.clock.Merge(cp.Clock)
	m.states = make(map[core.NodeID]*SyncState, len(cp.Peers))
	for peer, pc := range cp.Peers {
		st := NewSyncState()
		st.LastSync = pc.LastSync
		st.FailedAttempts = pc.FailedAttempts
		for _, id := range pc.SyncedRecords {
			st.MarkSynced(id)
		}
		m.states[peer] = st
	}

	m.logger.Info("Restored sync checkpoint", "peers", len(cp.Peers), "saved_at", cp.SavedAt)
	return nil
}

// SaveCheckpoint writes the current snapshot to path atomically.
func (m *Manager) SaveCheckpoint(path string) error {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace checkpoint %s: %w", path, err)
	}
	return nil
}

// LoadCheckpoint restores state from path. A missing file is not an error;
// the Manager simply starts fresh.
func (m *Manager) LoadCheckpoint(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read checkpoint %s: %w", path, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return m.Restore(&cp)
}
