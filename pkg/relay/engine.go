// Package relay owns the UDP listener. Each datagram is handled on its own
// goroutine: the question is decoded for logging, the event is persisted,
// and the raw bytes are relayed upstream and back to the requester.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"smartguard/pkg/classifier"
	"smartguard/pkg/config"
	"smartguard/pkg/logging"
	"smartguard/pkg/storage"
	"smartguard/pkg/telemetry"

	"golang.org/x/sync/semaphore"
)

// MaxDatagramSize is the largest query read from the listener.
const MaxDatagramSize = 512

// ErrAlreadyRunning is returned by Serve and Listen on an active engine.
var ErrAlreadyRunning = errors.New("relay already running")

// Forwarder relays a raw query datagram and returns the raw reply.
type Forwarder interface {
	Forward(ctx context.Context, raw []byte) ([]byte, error)
}

// VerdictLookup returns an already-cached verdict without blocking.
type VerdictLookup interface {
	Lookup(domain string) (*classifier.Verdict, bool)
}

// Submitter schedules a domain for background classification.
type Submitter interface {
	Submit(domain string) bool
}

// Engine is a UDP DNS relay bound to one listening socket.
type Engine struct {
	cfg         config.ServerConfig
	forwarder   Forwarder
	verdicts    VerdictLookup
	queue       Submitter
	storage     storage.Storage
	logger      *logging.Logger
	metrics     *telemetry.Metrics
	logUnparsed bool

	conn      net.PacketConn
	sem       *semaphore.Weighted
	stopLoop  context.CancelFunc
	abandon   context.CancelFunc
	serveDone chan struct{}
	handlers  sync.WaitGroup
	running   bool
	mu        sync.RWMutex
}

// Option configures optional collaborators of an Engine.
type Option func(*Engine)

// WithStorage persists one event per received datagram.
func WithStorage(s storage.Storage) Option {
	return func(e *Engine) { e.storage = s }
}

// WithClassifier attaches cached verdicts to events and queues unknown
// domains for background classification. Either argument may be nil.
func WithClassifier(verdicts VerdictLookup, queue Submitter) Option {
	return func(e *Engine) {
		e.verdicts = verdicts
		e.queue = queue
	}
}

// WithMetrics records relay instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogUnparsed controls whether datagrams without a decodable question
// are persisted with an empty domain.
func WithLogUnparsed(enabled bool) Option {
	return func(e *Engine) { e.logUnparsed = enabled }
}

// New creates an engine. Nothing is bound until Listen or Serve.
func New(cfg config.ServerConfig, fwd Forwarder, logger *logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.NewDiscard()
	}

	e := &Engine{
		cfg:         cfg,
		forwarder:   fwd,
		logger:      logger,
		logUnparsed: true,
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}

	return e
}

// Listen binds the UDP socket. A bind failure is the one error callers
// should treat as fatal.
func (e *Engine) Listen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		return ErrAlreadyRunning
	}

	addr := e.cfg.ListenAddress()
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	e.conn = conn

	e.logger.Info("Relay listening", "address", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (e *Engine) Addr() net.Addr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

// IsRunning reports whether the receive loop is active.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Serve runs the receive loop until ctx is cancelled or Shutdown is called.
// It binds the socket first if Listen has not been called. On stop it waits
// for in-flight handlers to send their replies, then releases the socket.
func (e *Engine) Serve(ctx context.Context) error {
	e.mu.RLock()
	bound := e.conn != nil
	e.mu.RUnlock()
	if !bound {
		if err := e.Listen(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	if e.conn == nil {
		e.mu.Unlock()
		return net.ErrClosed
	}
	conn := e.conn
	loopCtx, stopLoop := context.WithCancel(ctx)
	// Handlers outlive a cancelled ctx; Shutdown abandons them explicitly
	handlerCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	e.stopLoop = stopLoop
	e.abandon = abandon
	e.serveDone = done
	e.running = true
	e.mu.Unlock()

	defer close(done)
	defer abandon()
	defer stopLoop()

	// Wake the blocked read without closing the socket handlers reply on
	stop := context.AfterFunc(loopCtx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	e.recordSystemEvent(storage.SystemEventStart, "relay listening on "+conn.LocalAddr().String())

	e.receive(loopCtx, handlerCtx, conn)

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.handlers.Wait()
	return e.release(conn)
}

// receive reads datagrams and dispatches handlers until loopCtx is done.
func (e *Engine) receive(loopCtx, handlerCtx context.Context, conn net.PacketConn) {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, client, err := conn.ReadFrom(buf)
		if err != nil {
			if loopCtx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			e.logger.Warn("Failed to read datagram", "error", err)
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		if e.sem != nil {
			// Backpressure: stop reading until a handler slot frees up
			if err := e.sem.Acquire(loopCtx, 1); err != nil {
				return
			}
		}

		e.handlers.Add(1)
		go func() {
			defer e.handlers.Done()
			if e.sem != nil {
				defer e.sem.Release(1)
			}
			e.handle(handlerCtx, conn, raw, client)
		}()
	}
}

// release closes the socket once no handler can write to it.
func (e *Engine) release(conn net.PacketConn) error {
	e.mu.Lock()
	if e.conn == conn {
		e.conn = nil
	}
	e.stopLoop, e.abandon, e.serveDone = nil, nil, nil
	e.mu.Unlock()

	err := conn.Close()
	e.recordSystemEvent(storage.SystemEventStop, "relay stopped")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	e.logger.Info("Relay stopped")
	return nil
}

// Start binds, serves until ctx is cancelled, then shuts down within the
// configured shutdown timeout.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Listen(); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- e.Serve(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	e.logger.Info("Relay shutting down")
	timeout := e.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Shutdown stops accepting datagrams and waits for in-flight handlers to
// deliver their replies until ctx is done. Handlers still running at that
// point are cancelled and abandoned. The socket is closed last.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	conn := e.conn
	if conn == nil {
		e.mu.Unlock()
		return nil
	}
	stopLoop, abandon, serveDone := e.stopLoop, e.abandon, e.serveDone
	if serveDone == nil {
		// Bound but never served
		e.conn = nil
		e.mu.Unlock()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("failed to close listener: %w", err)
		}
		return nil
	}
	e.mu.Unlock()

	e.logger.Info("Shutting down relay")
	stopLoop()

	select {
	case <-serveDone:
	case <-ctx.Done():
		e.logger.Warn("Shutdown deadline reached, abandoning in-flight queries")
		abandon()
		<-serveDone
	}

	e.logger.Info("Relay shut down successfully")
	return nil
}

func (e *Engine) recordSystemEvent(eventType, message string) {
	if e.storage == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.storage.RecordSystemEvent(ctx, eventType, message); err != nil {
		e.logger.Warn("Failed to record system event", "type", eventType, "error", err)
	}
}
