package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/auditmesh/auditmesh/core"
)

// ErrChainBroken is returned when a record does not link onto the current
// chain head, or when verification finds a record whose hash no longer
// matches its content.
var ErrChainBroken = errors.New("audit chain broken")

// Reader is the read-only view of an append-only audit log that the sync
// layer consumes. Implementations may block on I/O; callers impose timeouts
// through the context.
type Reader interface {
	// Count returns the number of records in the log.
	Count(ctx context.Context) (int, error)
	// LastHash returns the hash of the newest record. ok is false when the
	// log is empty.
	LastHash(ctx context.Context) (hash string, ok bool, err error)
	// GetAll returns every record in chain order.
	GetAll(ctx context.Context) ([]core.AuditRecord, error)
}

// AuditLog extends Reader with the write side used by the owning node.
type AuditLog interface {
	Reader
	// Append adds a sealed record produced by this node. The record's
	// PreviousHash must match the current chain head.
	Append(ctx context.Context, record core.AuditRecord) error
	// Ingest stores a record replicated from another node's chain. The
	// record's content hash is verified but its linkage is not, since its
	// predecessor may live outside the pulled window. Ingesting an id that
	// is already stored is a no-op.
	Ingest(ctx context.Context, record core.AuditRecord) error
	Close() error
}

// VerifyChain walks records in order and checks both each record's sealed
// hash and the previous-hash linkage between neighbors. Returns ErrChainBroken
// (wrapped with position detail) on the first violation.
func VerifyChain(records []core.AuditRecord) error {
	prevHash := ""
	for i, rec := range records {
		if !rec.Verify() {
			return fmt.Errorf("record %d (%s): content hash mismatch: %w", i, rec.ID, ErrChainBroken)
		}
		if rec.PreviousHash != prevHash {
			return fmt.Errorf("record %d (%s): previous hash %q does not match chain head %q: %w",
				i, rec.ID, rec.PreviousHash, prevHash, ErrChainBroken)
		}
		prevHash = rec.RecordHash
	}
	return nil
}
