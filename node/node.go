// Package node ties the sync subsystem together: it owns the audit log, the
// sync manager, and the transport, and runs the periodic loops that the
// protocol layer deliberately leaves to its caller.
package node

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/auditmesh/auditmesh/config"
	"github.com/auditmesh/auditmesh/core"
	"github.com/auditmesh/auditmesh/replication"
	"github.com/auditmesh/auditmesh/storage"
	"github.com/auditmesh/auditmesh/transport"
)

var (
	metricRecordsIngested = expvar.NewInt("auditmesh_records_ingested")
	metricSyncFailures    = expvar.NewInt("auditmesh_sync_failures")
	metricHeartbeatsSent  = expvar.NewInt("auditmesh_heartbeats_sent")
)

const checkpointFileName = "sync_state.json"

// Peer is one configured remote participant.
type Peer struct {
	ID      core.NodeID
	Address string
}

// Node is a running audit mesh participant.
type Node struct {
	id       core.NodeID
	log      storage.AuditLog
	manager  *replication.Manager
	client   *transport.Client
	server   *transport.Server
	peers    []Peer
	strategy replication.Strategy

	heartbeatInterval time.Duration
	sweepInterval     time.Duration
	maxRetries        int
	checkpointPath    string
	logger            *slog.Logger

	mu       sync.Mutex
	retryAt  map[core.NodeID]time.Time
	backoffs map[core.NodeID]*backoff.ExponentialBackOff
}

// New builds a node from configuration. The audit log is owned by the caller
// until Run returns; the node only reads it through the sync layer and writes
// through Append/Ingest.
func New(cfg *config.Config, log storage.AuditLog, logger *slog.Logger, tracerProvider trace.TracerProvider) (*Node, error) {
	if cfg.Node.ID == "" {
		return nil, fmt.Errorf("node id must be configured")
	}

	strategy, ok := replication.ParseStrategy(cfg.Sync.Strategy)
	if !ok {
		return nil, fmt.Errorf("invalid sync strategy: %q", cfg.Sync.Strategy)
	}

	compression := core.CompressionNone
	if cfg.Sync.EnableCompression {
		ct, ok := core.CompressionTypeFromString(cfg.Sync.Compression)
		if !ok {
			return nil, fmt.Errorf("invalid sync compression: %q", cfg.Sync.Compression)
		}
		compression = ct
	}

	syncInterval := config.ParseDuration(cfg.Sync.SyncInterval, 60*time.Second, logger)
	heartbeatInterval := config.ParseDuration(cfg.Sync.HeartbeatInterval, 15*time.Second, logger)

	nodeID := core.NodeID(cfg.Node.ID)
	manager := replication.NewManager(nodeID, replication.Options{
		Strategy:       strategy,
		SyncInterval:   syncInterval,
		BatchSize:      cfg.Sync.BatchSize,
		MaxRetries:     cfg.Sync.MaxRetries,
		TracerProvider: tracerProvider,
	}, log, logger)

	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", cfg.Node.DataDir, err)
	}
	checkpointPath := filepath.Join(cfg.Node.DataDir, checkpointFileName)
	if err := manager.LoadCheckpoint(checkpointPath); err != nil {
		return nil, fmt.Errorf("failed to restore sync checkpoint: %w", err)
	}

	client, err := transport.NewClient(compression, 10*time.Second)
	if err != nil {
		return nil, err
	}

	peers := make([]Peer, 0, len(cfg.Server.Peers))
	for _, p := range cfg.Server.Peers {
		if p.ID == "" || p.Address == "" {
			return nil, fmt.Errorf("peer entries need both id and address, got %+v", p)
		}
		peers = append(peers, Peer{ID: core.NodeID(p.ID), Address: p.Address})
	}

	n := &Node{
		id:                nodeID,
		log:               log,
		manager:           manager,
		client:            client,
		peers:             peers,
		strategy:          strategy,
		heartbeatInterval: heartbeatInterval,
		sweepInterval:     syncInterval / 2,
		maxRetries:        cfg.Sync.MaxRetries,
		checkpointPath:    checkpointPath,
		logger:            logger.With("component", "node", "node", nodeID),
		retryAt:           make(map[core.NodeID]time.Time),
		backoffs:          make(map[core.NodeID]*backoff.ExponentialBackOff),
	}
	if n.sweepInterval < time.Second {
		n.sweepInterval = time.Second
	}

	server, err := transport.NewServer(cfg.Server.ListenAddress, compression, n.handleMessage, logger)
	if err != nil {
		return nil, err
	}
	n.server = server
	return n, nil
}

// Manager exposes the sync manager, mainly for inspection and tests.
func (n *Node) Manager() *replication.Manager { return n.manager }

// Addr returns the transport's bound address.
func (n *Node) Addr() string { return n.server.Addr() }

// Run starts the transport and the periodic sync and heartbeat loops, and
// blocks until ctx is cancelled. The sync checkpoint is saved on the way out.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.server.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		n.server.Stop()
		return nil
	})
	g.Go(func() error {
		return n.sweepLoop(ctx)
	})
	g.Go(func() error {
		return n.heartbeatLoop(ctx)
	})

	n.logger.Info("Node running",
		"address", n.server.Addr(), "peers", len(n.peers), "strategy", n.strategy)

	err := g.Wait()
	if saveErr := n.manager.SaveCheckpoint(n.checkpointPath); saveErr != nil {
		n.logger.Error("Failed to save sync checkpoint on shutdown", "error", saveErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Append writes a new record to the local chain and, under the push and
// hybrid strategies, immediately offers it to every peer.
func (n *Node) Append(ctx context.Context, actor, action, resource string, details map[string]string) (core.AuditRecord, error) {
	head, _, err := n.log.LastHash(ctx)
	if err != nil {
		return core.AuditRecord{}, &core.StorageError{Op: "last_hash", Err: err}
	}
	rec := core.NewAuditRecord(actor, action, resource, details, head)
	if err := n.log.Append(ctx, rec); err != nil {
		return core.AuditRecord{}, &core.StorageError{Op: "append", Err: err}
	}

	if n.strategy == replication.StrategyPush || n.strategy == replication.StrategyHybrid {
		for _, peer := range n.peers {
			peer := peer
			go func() {
				if err := n.pushRecords(context.WithoutCancel(ctx), peer, []core.AuditRecord{rec}); err != nil {
					n.logger.Warn("Push failed", "peer", peer.ID, "error", err)
					n.recordFailure(peer.ID)
				}
			}()
		}
	}
	return rec, nil
}

// sweepLoop periodically checks every peer and pulls from the ones that are
// due for synchronization.
func (n *Node) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, peer := range n.peers {
				if !n.manager.NeedsSync(peer.ID) || n.backingOff(peer.ID) {
					continue
				}
				if err := n.syncPeer(ctx, peer); err != nil {
					n.logger.Warn("Sync with peer failed", "peer", peer.ID, "error", err)
					n.recordFailure(peer.ID)
				} else {
					n.clearBackoff(peer.ID)
				}
			}
		}
	}
}

// heartbeatLoop advertises the local record count and chain head to every
// peer and follows up on any pull request that comes back.
func (n *Node) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			hb, err := n.manager.CreateHeartbeat(ctx)
			if err != nil {
				n.logger.Error("Failed to build heartbeat", "error", err)
				continue
			}
			for _, peer := range n.peers {
				if n.backingOff(peer.ID) {
					continue
				}
				if err := n.sendHeartbeat(ctx, peer, hb); err != nil {
					n.logger.Warn("Heartbeat to peer failed", "peer", peer.ID, "error", err)
					n.recordFailure(peer.ID)
				} else {
					metricHeartbeatsSent.Add(1)
				}
			}
		}
	}
}

// syncPeer runs one pull conversation with a peer, following HasMore
// continuations until the peer has nothing left for us.
func (n *Node) syncPeer(ctx context.Context, peer Peer) error {
	req := n.manager.CreateSyncRequest(peer.ID)
	for {
		reply, err := n.client.Exchange(ctx, peer.Address, req)
		if err != nil {
			return err
		}
		resp, ok := reply.(*replication.SyncResponse)
		if !ok {
			return &core.ProtocolError{Expected: "sync_response", Got: fmt.Sprintf("%T", reply)}
		}

		ack, err := n.manager.ProcessSyncResponse(ctx, resp)
		if err != nil {
			return err
		}
		if err := n.persistAccepted(ctx, resp, ack); err != nil {
			return err
		}
		if _, err := n.client.Exchange(ctx, peer.Address, ack); err != nil {
			return err
		}

		if !resp.HasMore {
			return nil
		}
		// Continue from the newest record in the batch rather than the
		// refreshed watermark, so nothing between the two is skipped.
		req = n.manager.CreateSyncRequest(peer.ID)
		if last := lastRecordTime(resp.Records); !last.IsZero() {
			req.Since = last
		}
	}
}

// sendHeartbeat delivers one heartbeat and serves the pull request a behind
// peer may answer with.
func (n *Node) sendHeartbeat(ctx context.Context, peer Peer, hb *replication.Heartbeat) error {
	reply, err := n.client.Exchange(ctx, peer.Address, hb)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}

	req, ok := reply.(*replication.SyncRequest)
	if !ok {
		return &core.ProtocolError{Expected: "sync_request or empty reply", Got: fmt.Sprintf("%T", reply)}
	}
	resp, err := n.manager.ProcessSyncRequest(ctx, req)
	if err != nil {
		return err
	}

	ackReply, err := n.client.Exchange(ctx, peer.Address, resp)
	if err != nil {
		return err
	}
	if ackReply == nil {
		return nil
	}
	ack, ok := ackReply.(*replication.SyncAck)
	if !ok {
		return &core.ProtocolError{Expected: "sync_ack or empty reply", Got: fmt.Sprintf("%T", ackReply)}
	}
	return n.manager.ProcessSyncAck(ctx, ack)
}

// pushRecords offers records to a peer unsolicited (push strategy).
func (n *Node) pushRecords(ctx context.Context, peer Peer, records []core.AuditRecord) error {
	resp := n.manager.CreatePush(peer.ID, records)
	if len(resp.Records) == 0 {
		return nil
	}

	reply, err := n.client.Exchange(ctx, peer.Address, resp)
	if err != nil {
		return err
	}
	ack, ok := reply.(*replication.SyncAck)
	if !ok {
		return &core.ProtocolError{Expected: "sync_ack", Got: fmt.Sprintf("%T", reply)}
	}
	return n.manager.ProcessSyncAck(ctx, ack)
}

// handleMessage is the transport dispatch: each inbound variant maps onto its
// manager operation, and the operation's output (if any) is the reply.
func (n *Node) handleMessage(ctx context.Context, msg replication.Message) (replication.Message, error) {
	switch m := msg.(type) {
	case *replication.Heartbeat:
		req, err := n.manager.ProcessHeartbeat(ctx, m)
		if err != nil || req == nil {
			return nil, err
		}
		return req, nil
	case *replication.SyncRequest:
		return n.manager.ProcessSyncRequest(ctx, m)
	case *replication.SyncResponse:
		ack, err := n.manager.ProcessSyncResponse(ctx, m)
		if err != nil {
			return nil, err
		}
		if err := n.persistAccepted(ctx, m, ack); err != nil {
			return nil, err
		}
		return ack, nil
	case *replication.SyncAck:
		return nil, n.manager.ProcessSyncAck(ctx, m)
	default:
		return nil, &core.ProtocolError{Expected: "known sync message", Got: fmt.Sprintf("%T", msg)}
	}
}

// persistAccepted ingests exactly the records the ack accepted. This is the
// caller-side durability step the protocol layer leaves out on purpose.
func (n *Node) persistAccepted(ctx context.Context, resp *replication.SyncResponse, ack *replication.SyncAck) error {
	accepted := make(map[core.RecordID]struct{}, len(ack.RecordIDs))
	for _, id := range ack.RecordIDs {
		accepted[id] = struct{}{}
	}
	for _, dr := range resp.Records {
		if _, ok := accepted[dr.Record.ID]; !ok {
			continue
		}
		if err := n.log.Ingest(ctx, dr.Record); err != nil {
			return &core.StorageError{Op: "ingest", Err: err}
		}
		metricRecordsIngested.Add(1)
	}
	return nil
}

// recordFailure bumps the peer's failure counter and, once the retry budget
// is spent, schedules exponential backoff before the next attempt.
func (n *Node) recordFailure(peer core.NodeID) {
	metricSyncFailures.Add(1)
	attempts := n.manager.RecordSyncFailure(peer)
	if attempts < n.maxRetries {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	bo, ok := n.backoffs[peer]
	if !ok {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = n.sweepInterval
		bo.MaxElapsedTime = 0 // keep retrying forever
		n.backoffs[peer] = bo
	}
	delay := bo.NextBackOff()
	n.retryAt[peer] = time.Now().Add(delay)
	n.logger.Info("Backing off failing peer", "peer", peer, "attempts", attempts, "retry_in", delay)
}

func (n *Node) backingOff(peer core.NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	until, ok := n.retryAt[peer]
	return ok && time.Now().Before(until)
}

func (n *Node) clearBackoff(peer core.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if bo, ok := n.backoffs[peer]; ok {
		bo.Reset()
	}
	delete(n.retryAt, peer)
}

func lastRecordTime(records []core.DistributedRecord) time.Time {
	var last time.Time
	for _, dr := range records {
		if dr.Record.Timestamp.After(last) {
			last = dr.Record.Timestamp
		}
	}
	return last
}
