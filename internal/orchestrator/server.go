// Package orchestrator is the control plane's command loop: it accepts
// envelope connections, classifies free-text commands, routes them to
// registered services and forwards the legacy download requests.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"servis-go/internal/conn"
	"servis-go/internal/events"
	"servis-go/internal/intent"
	"servis-go/internal/metrics"
	"servis-go/internal/store"
)

// Config holds the server's tunables.
type Config struct {
	Addr string
	// RecvTimeout bounds each wait for the next envelope so the handler can
	// notice shutdown.
	RecvTimeout time.Duration
	// RateLimit caps envelopes per connection. Zero disables it.
	RateLimit rate.Limit
	RateBurst int
	// ShutdownGrace bounds how long Stop waits for open connections.
	ShutdownGrace time.Duration
}

// Auditor records processed commands.
type Auditor interface {
	AppendAudit(rec *store.AuditRecord) error
}

// Option configures a Server.
type Option func(*Server)

func WithEvents(bus *events.Bus) Option { return func(s *Server) { s.bus = bus } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithAuditor appends every processed command to a.
func WithAuditor(a Auditor) Option { return func(s *Server) { s.auditor = a } }

// WithLegacy overrides the processor used for download requests.
func WithLegacy(p LegacyProcessor) Option { return func(s *Server) { s.legacy = p } }

func WithClassifier(c *intent.Classifier) Option { return func(s *Server) { s.classifier = c } }

// Server is the orchestrator.
type Server struct {
	cfg        Config
	router     *Router
	classifier *intent.Classifier
	legacy     LegacyProcessor
	auditor    Auditor
	bus        *events.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger

	running  atomic.Bool
	ln       *conn.Listener
	acceptWG sync.WaitGroup

	connsMu sync.Mutex
	conns   map[*conn.Conn]struct{}
	connWG  sync.WaitGroup

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New creates a server. The legacy processor defaults to the router's.
func New(cfg Config, router *Router, logger *slog.Logger, opts ...Option) *Server {
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 2 * time.Second
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	s := &Server{
		cfg:        cfg,
		router:     router,
		classifier: intent.New(),
		legacy:     router.legacy,
		logger:     logger.With("component", "orchestrator"),
		conns:      make(map[*conn.Conn]struct{}),
		shutdown:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and runs the accept loop in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := conn.Listen(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	s.ln = ln
	s.running.Store(true)

	s.acceptWG.Add(1)
	go s.acceptLoop(ctx)

	s.logger.Info("orchestrator listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ShutdownRequested is closed when a client sends a shutdown request.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdown }

// Stop clears the running flag, closes the listener, waits for the accept
// loop and then gives open connections a bounded time to finish.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.acceptWG.Wait()

	s.connsMu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.connsMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("connections still open after shutdown grace")
	}
	s.logger.Info("orchestrator stopped")
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.acceptWG.Done()
	backoff := 10 * time.Millisecond
	for s.running.Load() {
		c, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.running.Load() {
				return
			}
			s.logger.Warn("accept failed", "err", err)
			time.Sleep(backoff)
			if backoff < time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 10 * time.Millisecond

		s.connsMu.Lock()
		s.conns[c] = struct{}{}
		s.connsMu.Unlock()

		s.connWG.Add(1)
		go s.serveConn(ctx, c)
	}
}

func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() {
		s.bus.Emit(events.Event{Type: events.ShutdownRequested})
		close(s.shutdown)
	})
}
