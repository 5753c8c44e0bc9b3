package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/auditmesh/auditmesh/core"
)

// MemoryLog is an in-memory append-only audit log. It is used by tests and
// by ephemeral nodes that do not need durability.
type MemoryLog struct {
	mu      sync.RWMutex
	records []core.AuditRecord
	ids     map[core.RecordID]struct{}
}

var _ AuditLog = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{ids: make(map[core.RecordID]struct{})}
}

func (m *MemoryLog) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *MemoryLog) LastHash(_ context.Context) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return "", false, nil
	}
	return m.records[len(m.records)-1].RecordHash, true, nil
}

func (m *MemoryLog) GetAll(_ context.Context) ([]core.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.AuditRecord, len(m.records))
	copy(out, m.records)
	return out, nil
}

func (m *MemoryLog) Append(_ context.Context, record core.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	head := ""
	if len(m.records) > 0 {
		head = m.records[len(m.records)-1].RecordHash
	}
	if record.PreviousHash != head {
		return fmt.Errorf("record %s links to %q but chain head is %q: %w",
			record.ID, record.PreviousHash, head, ErrChainBroken)
	}
	if !record.Verify() {
		return fmt.Errorf("record %s failed hash verification: %w", record.ID, ErrChainBroken)
	}

	m.records = append(m.records, record)
	m.ids[record.ID] = struct{}{}
	return nil
}

func (m *MemoryLog) Ingest(_ context.Context, record core.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ids[record.ID]; ok {
		return nil
	}
	if !record.Verify() {
		return fmt.Errorf("record %s failed hash verification: %w", record.ID, ErrChainBroken)
	}

	m.records = append(m.records, record)
	m.ids[record.ID] = struct{}{}
	return nil
}

func (m *MemoryLog) Close() error {
	return nil
}
