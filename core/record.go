package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AuditRecord is a single immutable entry in a node's tamper-evident log.
// Each record's hash covers its own content plus the hash of the previous
// record, so modifying any record invalidates the hash of every later record
// in the same chain.
type AuditRecord struct {
	ID           RecordID          `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	Actor        string            `json:"actor"`
	Action       string            `json:"action"`
	Resource     string            `json:"resource"`
	Details      map[string]string `json:"details,omitempty"`
	PreviousHash string            `json:"previous_hash"`
	RecordHash   string            `json:"record_hash"`
}

// NewAuditRecord builds a record chained onto prevHash and seals it with its
// content hash. prevHash is empty for the first record of a chain.
func NewAuditRecord(actor, action, resource string, details map[string]string, prevHash string) AuditRecord {
	rec := AuditRecord{
		ID:           RecordID(uuid.NewString()),
		Timestamp:    time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		Resource:     resource,
		Details:      details,
		PreviousHash: prevHash,
	}
	rec.RecordHash = rec.ComputeHash()
	return rec
}

// ComputeHash returns the hex-encoded SHA-256 over the record's content and
// its previous-hash link. The stored RecordHash field itself is excluded.
func (r AuditRecord) ComputeHash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%d\x00%s\x00%s\x00%s\x00", r.ID, r.Timestamp.UnixNano(), r.Actor, r.Action, r.Resource)
	// Details are hashed in insertion-independent order.
	keys := make([]string, 0, len(r.Details))
	for k := range r.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, r.Details[k])
	}
	fmt.Fprintf(h, "%s", r.PreviousHash)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether the sealed hash still matches the record's content.
func (r AuditRecord) Verify() bool {
	return r.RecordHash == r.ComputeHash()
}

// DistributedRecord wraps an AuditRecord with its origin node and the vector
// clock snapshot taken when it was prepared for transmission. It is created
// once, at selection time, and immutable afterward.
type DistributedRecord struct {
	Record      AuditRecord `json:"record"`
	OriginNode  NodeID      `json:"origin_node"`
	VectorClock VectorClock `json:"vector_clock"`
}
