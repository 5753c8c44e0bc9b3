// Package transport carries sync protocol messages between nodes over framed
// TCP connections. Each exchange is one request frame and one reply frame; an
// empty reply frame means the handler had nothing to send back. The protocol
// core stays transport-agnostic.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/auditmesh/auditmesh/compressors"
	"github.com/auditmesh/auditmesh/core"
	"github.com/auditmesh/auditmesh/replication"
)

// Handler processes one inbound message and optionally returns a reply to be
// sent on the same connection.
type Handler func(ctx context.Context, msg replication.Message) (replication.Message, error)

// Server accepts peer connections and dispatches decoded messages to its
// Handler.
type Server struct {
	listener   net.Listener
	handler    Handler
	compressor core.Compressor
	logger     *slog.Logger
	stopCh     chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// NewServer starts listening on addr. Replies are compressed with the given
// type; inbound frames declare their own compression and are accepted
// regardless of it.
func NewServer(addr string, compression core.CompressionType, handler Handler, logger *slog.Logger) (*Server, error) {
	compressor, err := compressors.ForType(compression)
	if err != nil {
		return nil, err
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	logger = logger.With("component", "sync_transport")
	logger.Info("Sync transport listening", "address", lis.Addr().String(), "compression", compression.String())

	return &Server{
		listener:   lis,
		handler:    handler,
		compressor: compressor,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start runs the accept loop. This is a blocking call; run it in a goroutine.
func (s *Server) Start(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("Accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection serves one request/reply exchange and closes the connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	peerAddr := conn.RemoteAddr().String()

	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	msg, err := readMessage(bufio.NewReader(conn))
	if err != nil {
		s.logger.Warn("Failed to read inbound message", "peer", peerAddr, "error", err)
		return
	}
	if msg == nil {
		s.logger.Warn("Peer sent empty frame", "peer", peerAddr)
		return
	}

	reply, err := s.handler(ctx, msg)
	if err != nil {
		s.logger.Warn("Handler rejected message",
			"peer", peerAddr, "type", msg.MessageType(), "from", msg.Sender(), "error", err)
		return
	}

	if err := writeMessage(conn, reply, s.compressor); err != nil {
		s.logger.Warn("Failed to write reply", "peer", peerAddr, "error", err)
		return
	}

	s.logger.Debug("Served exchange", "peer", peerAddr, "type", msg.MessageType(), "from", msg.Sender())
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.listener.Close()
		s.wg.Wait()
		s.logger.Info("Sync transport stopped")
	})
}

// Client performs one-shot message exchanges with peers.
type Client struct {
	compressor core.Compressor
	dialer     net.Dialer
	timeout    time.Duration
}

// NewClient creates a client that compresses outbound frames with the given type.
func NewClient(compression core.CompressionType, timeout time.Duration) (*Client, error) {
	compressor, err := compressors.ForType(compression)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{compressor: compressor, timeout: timeout}, nil
}

// Exchange sends msg to addr and returns the peer's reply, or nil when the
// peer had nothing to send back.
func (c *Client) Exchange(ctx context.Context, addr string, msg replication.Message) (replication.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := writeMessage(conn, msg, c.compressor); err != nil {
		return nil, fmt.Errorf("failed to send %s to %s: %w", msg.MessageType(), addr, err)
	}

	reply, err := readMessage(bufio.NewReader(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to read reply from %s: %w", addr, err)
	}
	return reply, nil
}

// writeMessage frames and writes a message; a nil message becomes an empty frame.
func writeMessage(conn net.Conn, msg replication.Message, compressor core.Compressor) error {
	if msg == nil {
		return writeFrame(conn, core.CompressionNone, nil)
	}

	data, err := replication.EncodeMessage(msg)
	if err != nil {
		return err
	}
	payload, err := compressor.Compress(data)
	if err != nil {
		return fmt.Errorf("failed to compress %s: %w", msg.MessageType(), err)
	}
	return writeFrame(conn, compressor.Type(), payload)
}

// readMessage reads one frame and decodes it; an empty frame yields nil.
func readMessage(r *bufio.Reader) (replication.Message, error) {
	compression, payload, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}

	compressor, err := compressors.ForType(compression)
	if err != nil {
		return nil, err
	}
	rc, err := compressor.Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress frame: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return replication.DecodeMessage(data)
}
