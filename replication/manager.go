package replication

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/auditmesh/auditmesh/core"
	"github.com/auditmesh/auditmesh/storage"
)

// Strategy selects how a node propagates records to its peers.
type Strategy string

const (
	// StrategyPush sends records to peers as soon as they are appended locally.
	StrategyPush Strategy = "push"
	// StrategyPull relies on heartbeats and periodic requests to fetch records.
	StrategyPull Strategy = "pull"
	// StrategyHybrid does both.
	StrategyHybrid Strategy = "hybrid"
)

// ParseStrategy maps a configuration string onto a Strategy.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(s) {
	case StrategyPush, StrategyPull, StrategyHybrid:
		return Strategy(s), true
	case "":
		return StrategyHybrid, true
	default:
		return "", false
	}
}

// defaultSinceWindow is how far back a request reaches for a peer we have
// never completed a round trip with.
const defaultSinceWindow = 24 * time.Hour

// Options holds the static tunables of a Manager.
type Options struct {
	Strategy     Strategy
	SyncInterval time.Duration
	BatchSize    int
	MaxRetries   int

	// TracerProvider is optional; spans are no-ops when unset.
	TracerProvider trace.TracerProvider
}

// DefaultOptions returns the default protocol tunables.
func DefaultOptions() Options {
	return Options{
		Strategy:     StrategyHybrid,
		SyncInterval: 60 * time.Second,
		BatchSize:    100,
		MaxRetries:   3,
	}
}

// Manager is the single mutable root of the sync subsystem. It owns the local
// vector clock and the per-peer sync states, builds and validates every
// message variant, and decides when a peer needs synchronization.
//
// Every method is a synchronous transformation over in-memory state; only the
// storage collaborator calls may block. A method either fully applies its
// mutation or returns an error with state unchanged. The internal mutex makes
// concurrent callers safe; per-peer states remain logically independent.
type Manager struct {
	mu      sync.Mutex
	nodeID  core.NodeID
	opts    Options
	store   storage.Reader
	clock   core.VectorClock
	states  map[core.NodeID]*SyncState
	logger  *slog.Logger
	tracer  trace.Tracer
	nowFunc func() time.Time
}

// NewManager creates a sync manager for the given node over the given
// (read-only) audit log view.
func NewManager(nodeID core.NodeID, opts Options, store storage.Reader, logger *slog.Logger) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultOptions().SyncInterval
	}

	var tracer trace.Tracer
	if opts.TracerProvider != nil {
		tracer = opts.TracerProvider.Tracer("github.com/auditmesh/auditmesh/replication")
	} else {
		tracer = noop.NewTracerProvider().Tracer("")
	}

	return &Manager{
		nodeID:  nodeID,
		opts:    opts,
		store:   store,
		clock:   core.NewVectorClock(),
		states:  make(map[core.NodeID]*SyncState),
		logger:  logger.With("component", "sync_manager", "node", nodeID),
		tracer:  tracer,
		nowFunc: time.Now,
	}
}

// NodeID returns the identity of the local node.
func (m *Manager) NodeID() core.NodeID { return m.nodeID }

// Clock returns a snapshot of the local vector clock.
func (m *Manager) Clock() core.VectorClock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock.Copy()
}

// state returns the SyncState for a peer, creating it lazily.
// Callers must hold m.mu.
func (m *Manager) state(peer core.NodeID) *SyncState {
	st, ok := m.states[peer]
	if !ok {
		st = NewSyncState()
		m.states[peer] = st
		m.logger.Debug("Tracking new peer", "peer", peer)
	}
	return st
}

// CreateSyncRequest builds an incremental pull request for the target peer.
// Since is the peer's recorded watermark, or now minus 24 hours for a peer
// with no completed round trip yet.
func (m *Manager) CreateSyncRequest(target core.NodeID) *SyncRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createSyncRequestLocked(target)
}

func (m *Manager) createSyncRequestLocked(target core.NodeID) *SyncRequest {
	since := m.nowFunc().Add(-defaultSinceWindow)
	if st, ok := m.states[target]; ok && !st.LastSync.IsZero() {
		since = st.LastSync
	}
	return &SyncRequest{
		FromNode:    m.nodeID,
		Since:       since,
		VectorClock: m.clock.Copy(),
	}
}

// ProcessSyncRequest answers a peer's pull request with one batch of local
// records at or after the requested watermark. Each record is wrapped with a
// freshly incremented local clock, and queued as pending for the requester
// until it is acknowledged. HasMore reports a truncated batch.
func (m *Manager) ProcessSyncRequest(ctx context.Context, req *SyncRequest) (*SyncResponse, error) {
	ctx, span := m.tracer.Start(ctx, "SyncManager.ProcessSyncRequest")
	defer span.End()

	if req == nil || req.FromNode == "" {
		return nil, &core.ProtocolError{Expected: "sync_request with from_node", Got: "empty request"}
	}

	all, err := m.store.GetAll(ctx)
	if err != nil {
		return nil, &core.StorageError{Op: "get_all", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]core.AuditRecord, 0, len(all))
	for _, rec := range all {
		if !rec.Timestamp.Before(req.Since) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	hasMore := len(matched) > m.opts.BatchSize
	if hasMore {
		matched = matched[:m.opts.BatchSize]
	}

	st := m.state(req.FromNode)
	m.clock.Merge(req.VectorClock)

	records := make([]core.DistributedRecord, 0, len(matched))
	for _, rec := range matched {
		m.clock.Increment(m.nodeID)
		dr := core.DistributedRecord{
			Record:      rec,
			OriginNode:  m.nodeID,
			VectorClock: m.clock.Copy(),
		}
		records = append(records, dr)
		st.AddPending(dr)
	}

	m.logger.Debug("Answering sync request",
		"peer", req.FromNode, "since", req.Since, "records", len(records), "has_more", hasMore)

	return &SyncResponse{
		FromNode:    m.nodeID,
		Records:     records,
		VectorClock: m.clock.Copy(),
		HasMore:     hasMore,
	}, nil
}

// CreatePush wraps locally stored records for unsolicited delivery to the
// target peer (push strategy). Records the target already has are skipped;
// the rest are queued as pending until acknowledged.
func (m *Manager) CreatePush(target core.NodeID, records []core.AuditRecord) *SyncResponse {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(target)
	wrapped := make([]core.DistributedRecord, 0, len(records))
	for _, rec := range records {
		if st.IsSynced(rec.ID) {
			continue
		}
		m.clock.Increment(m.nodeID)
		dr := core.DistributedRecord{
			Record:      rec,
			OriginNode:  m.nodeID,
			VectorClock: m.clock.Copy(),
		}
		if st.AddPending(dr) {
			wrapped = append(wrapped, dr)
		}
	}

	return &SyncResponse{
		FromNode:    m.nodeID,
		Records:     wrapped,
		VectorClock: m.clock.Copy(),
		HasMore:     false,
	}
}

// ProcessSyncResponse accepts a batch from a peer, marks every previously
// unseen record id as synced for that peer, advances the peer's watermark,
// and returns the ack listing exactly the accepted ids.
//
// Persisting the records into the local log is deliberately left to the
// caller; this layer stays ignorant of storage durability semantics.
func (m *Manager) ProcessSyncResponse(ctx context.Context, resp *SyncResponse) (*SyncAck, error) {
	_, span := m.tracer.Start(ctx, "SyncManager.ProcessSyncResponse")
	defer span.End()

	if resp == nil || resp.FromNode == "" {
		return nil, &core.ProtocolError{Expected: "sync_response with from_node", Got: "empty response"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(resp.FromNode)
	accepted := make([]core.RecordID, 0, len(resp.Records))
	for _, dr := range resp.Records {
		id := dr.Record.ID
		if st.IsSynced(id) {
			continue
		}
		st.MarkSynced(id)
		accepted = append(accepted, id)
	}

	st.LastSync = m.nowFunc()
	m.clock.Merge(resp.VectorClock)

	m.logger.Debug("Processed sync response",
		"peer", resp.FromNode, "received", len(resp.Records), "accepted", len(accepted), "has_more", resp.HasMore)

	return &SyncAck{
		FromNode:    m.nodeID,
		RecordIDs:   accepted,
		VectorClock: m.clock.Copy(),
	}, nil
}

// ProcessSyncAck applies a peer's acknowledgement: every listed id is marked
// synced (clearing it from the pending queue), the peer's watermark advances,
// and its failure counter resets. Applying the same ack twice is idempotent.
func (m *Manager) ProcessSyncAck(ctx context.Context, ack *SyncAck) error {
	_, span := m.tracer.Start(ctx, "SyncManager.ProcessSyncAck")
	defer span.End()

	if ack == nil || ack.FromNode == "" {
		return &core.ProtocolError{Expected: "sync_ack with from_node", Got: "empty ack"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(ack.FromNode)
	for _, id := range ack.RecordIDs {
		st.MarkSynced(id)
	}
	st.LastSync = m.nowFunc()
	st.FailedAttempts = 0
	m.clock.Merge(ack.VectorClock)

	m.logger.Debug("Processed sync ack", "peer", ack.FromNode, "acked", len(ack.RecordIDs))
	return nil
}

// CreateHeartbeat packages the local record count and chain head with the
// current clock.
func (m *Manager) CreateHeartbeat(ctx context.Context) (*Heartbeat, error) {
	ctx, span := m.tracer.Start(ctx, "SyncManager.CreateHeartbeat")
	defer span.End()

	count, err := m.store.Count(ctx)
	if err != nil {
		return nil, &core.StorageError{Op: "count", Err: err}
	}
	lastHash, _, err := m.store.LastHash(ctx)
	if err != nil {
		return nil, &core.StorageError{Op: "last_hash", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return &Heartbeat{
		FromNode:    m.nodeID,
		VectorClock: m.clock.Copy(),
		RecordCount: count,
		LastHash:    lastHash,
	}, nil
}

// ProcessHeartbeat is the anti-entropy trigger. It returns a pull request
// when the sender reports more records than are stored locally, or when the
// counts match but the chain heads differ (divergence with equal length).
// Otherwise it returns nil. The sender's watermark is refreshed either way.
func (m *Manager) ProcessHeartbeat(ctx context.Context, hb *Heartbeat) (*SyncRequest, error) {
	ctx, span := m.tracer.Start(ctx, "SyncManager.ProcessHeartbeat")
	defer span.End()

	if hb == nil || hb.FromNode == "" {
		return nil, &core.ProtocolError{Expected: "heartbeat with from_node", Got: "empty heartbeat"}
	}

	localCount, err := m.store.Count(ctx)
	if err != nil {
		return nil, &core.StorageError{Op: "count", Err: err}
	}
	localHash, _, err := m.store.LastHash(ctx)
	if err != nil {
		return nil, &core.StorageError{Op: "last_hash", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	behind := hb.RecordCount > localCount
	diverged := hb.RecordCount == localCount && hb.RecordCount > 0 &&
		hb.LastHash != "" && hb.LastHash != localHash

	// Build the request before refreshing the watermark so a first heartbeat
	// from an unknown peer still pulls the full default window.
	var req *SyncRequest
	if behind || diverged {
		req = m.createSyncRequestLocked(hb.FromNode)
	}

	st := m.state(hb.FromNode)
	st.LastSync = m.nowFunc()
	m.clock.Merge(hb.VectorClock)

	if req != nil {
		m.logger.Info("Heartbeat triggered anti-entropy pull",
			"peer", hb.FromNode, "remote_count", hb.RecordCount, "local_count", localCount, "diverged", diverged)
	}
	return req, nil
}

// NeedsSync reports whether a peer is due for synchronization: it is unknown,
// its watermark is older than the sync interval, or records sent to it are
// still unacknowledged.
func (m *Manager) NeedsSync(peer core.NodeID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[peer]
	if !ok {
		return true
	}
	if m.nowFunc().Sub(st.LastSync) > m.opts.SyncInterval {
		return true
	}
	return st.HasPending()
}

// RecordSyncFailure increments the peer's consecutive-failure counter after a
// transport failure or malformed exchange and returns the new count. Once the
// count reaches MaxRetries the caller is expected to back off before retrying.
func (m *Manager) RecordSyncFailure(peer core.NodeID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(peer)
	st.FailedAttempts++
	if st.FailedAttempts >= m.opts.MaxRetries {
		m.logger.Warn("Peer exceeded retry budget, caller should back off",
			"peer", peer, "failed_attempts", st.FailedAttempts, "max_retries", m.opts.MaxRetries)
	}
	return st.FailedAttempts
}

// FailedAttempts returns the peer's consecutive-failure counter.
func (m *Manager) FailedAttempts(peer core.NodeID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[peer]; ok {
		return st.FailedAttempts
	}
	return 0
}

// IsSynced reports whether the record id is marked synced for the peer.
func (m *Manager) IsSynced(peer core.NodeID, id core.RecordID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[peer]; ok {
		return st.IsSynced(id)
	}
	return false
}

// PeerStates returns a snapshot of the tracked peer ids.
func (m *Manager) PeerStates() []core.NodeID {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]core.NodeID, 0, len(m.states))
	for peer := range m.states {
		peers = append(peers, peer)
	}
	return peers
}
