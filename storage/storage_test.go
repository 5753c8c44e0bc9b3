package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auditmesh/auditmesh/core"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// appendChained appends n freshly chained records and returns them.
func appendChained(t *testing.T, log AuditLog, n int) []core.AuditRecord {
	t.Helper()
	ctx := context.Background()
	out := make([]core.AuditRecord, 0, n)
	for i := 0; i < n; i++ {
		head, _, err := log.LastHash(ctx)
		require.NoError(t, err)
		rec := core.NewAuditRecord("tester", "append", "res", nil, head)
		require.NoError(t, log.Append(ctx, rec))
		out = append(out, rec)
	}
	return out
}

func TestMemoryLog_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	count, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, ok, err := log.LastHash(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "empty log has no last hash")

	want := appendChained(t, log, 3)

	count, err = log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	hash, ok, err := log.LastHash(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want[2].RecordHash, hash)

	all, err := log.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, all)
	require.NoError(t, VerifyChain(all))
}

func TestMemoryLog_RejectsBrokenLink(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	appendChained(t, log, 1)

	// Record that does not link onto the chain head.
	stray := core.NewAuditRecord("tester", "append", "res", nil, "not-the-head")
	err := log.Append(ctx, stray)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestMemoryLog_RejectsTamperedRecord(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()

	rec := core.NewAuditRecord("tester", "append", "res", nil, "")
	rec.Actor = "mallory" // hash no longer matches
	err := log.Append(ctx, rec)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestIngest_AcceptsForeignChainRecords(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	appendChained(t, log, 1)

	// A record from another node's chain links onto a hash this log has
	// never seen; Ingest accepts it as long as its content hash checks out.
	foreign := core.NewAuditRecord("remote", "op", "res", nil, "hash-from-another-chain")
	require.NoError(t, log.Ingest(ctx, foreign))

	count, err := log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Re-ingesting the same id is a no-op.
	require.NoError(t, log.Ingest(ctx, foreign))
	count, err = log.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIngest_RejectsTamperedRecord(t *testing.T) {
	log := NewMemoryLog()
	rec := core.NewAuditRecord("remote", "op", "res", nil, "")
	rec.Resource = "swapped"
	assert.ErrorIs(t, log.Ingest(context.Background(), rec), ErrChainBroken)
}

func TestFileLog_IngestSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.log")

	log, err := OpenFileLog(path, core.CompressionNone, discardLogger())
	require.NoError(t, err)
	appendChained(t, log, 1)
	foreign := core.NewAuditRecord("remote", "op", "res", nil, "remote-head")
	require.NoError(t, log.Ingest(ctx, foreign))
	require.NoError(t, log.Close())

	reopened, err := OpenFileLog(path, core.CompressionNone, discardLogger())
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.NoError(t, reopened.Ingest(ctx, foreign)) // still a no-op
	count, err = reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestVerifyChain(t *testing.T) {
	first := core.NewAuditRecord("a", "op", "r", nil, "")
	second := core.NewAuditRecord("b", "op", "r", nil, first.RecordHash)
	require.NoError(t, VerifyChain([]core.AuditRecord{first, second}))

	// Swapping order breaks linkage.
	err := VerifyChain([]core.AuditRecord{second, first})
	assert.ErrorIs(t, err, ErrChainBroken)

	// Mutating an earlier record is detected.
	tampered := first
	tampered.Action = "changed"
	err = VerifyChain([]core.AuditRecord{tampered, second})
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestFileLog_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.log")

	log, err := OpenFileLog(path, core.CompressionNone, discardLogger())
	require.NoError(t, err)
	want := appendChained(t, log, 5)
	require.NoError(t, log.Close())

	reopened, err := OpenFileLog(path, core.CompressionNone, discardLogger())
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	all, err := reopened.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, all)

	// And the chain keeps growing from the replayed head.
	appendChained(t, reopened, 1)
}

func TestFileLog_CompressedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	log, err := OpenFileLog(path, core.CompressionSnappy, discardLogger())
	require.NoError(t, err)
	want := appendChained(t, log, 3)
	require.NoError(t, log.Close())

	reopened, err := OpenFileLog(path, core.CompressionSnappy, discardLogger())
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.GetAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, all)
}

func TestFileLog_DetectsOnDiskTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	log, err := OpenFileLog(path, core.CompressionNone, discardLogger())
	require.NoError(t, err)
	appendChained(t, log, 2)
	require.NoError(t, log.Close())

	// Flip a byte somewhere past the header.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = OpenFileLog(path, core.CompressionNone, discardLogger())
	assert.Error(t, err, "tampered file must not open cleanly")
}

func TestFileLog_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.log")
	require.NoError(t, os.WriteFile(path, []byte("definitely not an audit log"), 0644))

	_, err := OpenFileLog(path, core.CompressionNone, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "magic")
}
