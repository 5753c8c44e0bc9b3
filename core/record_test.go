package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuditRecord_SealsHash(t *testing.T) {
	rec := NewAuditRecord("alice", "login", "console", map[string]string{"ip": "10.0.0.1"}, "")
	require.NotEmpty(t, rec.ID)
	require.NotEmpty(t, rec.RecordHash)
	assert.True(t, rec.Verify())
}

func TestAuditRecord_TamperInvalidatesHash(t *testing.T) {
	rec := NewAuditRecord("alice", "login", "console", nil, "")
	require.True(t, rec.Verify())

	rec.Action = "delete"
	assert.False(t, rec.Verify(), "modified record must fail verification")
}

func TestAuditRecord_HashCoversPreviousHash(t *testing.T) {
	first := NewAuditRecord("alice", "login", "console", nil, "")
	second := NewAuditRecord("bob", "read", "report-7", nil, first.RecordHash)

	require.True(t, second.Verify())

	// Re-linking the second record to a different predecessor breaks its hash.
	second.PreviousHash = "0000"
	assert.False(t, second.Verify())
}

func TestAuditRecord_DetailOrderIrrelevant(t *testing.T) {
	rec := NewAuditRecord("svc", "rotate", "key-1", map[string]string{"b": "2", "a": "1"}, "")
	want := rec.ComputeHash()
	// Recomputing must be deterministic regardless of map iteration order.
	for i := 0; i < 10; i++ {
		assert.Equal(t, want, rec.ComputeHash())
	}
}
