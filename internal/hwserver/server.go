// Package hwserver exposes the GPIO manager to the network: a raw TCP JSON
// control port and an HTTP /mcp tool endpoint for the registry dispatcher.
package hwserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"servis-go/internal/conn"
	"servis-go/internal/gpio"
	"servis-go/internal/metrics"
	"servis-go/internal/protocol"
)

const ingressTCP = "tcp"

// Config holds listener addresses and tunables.
type Config struct {
	Addr string
	// HTTPAddr serves /mcp and /health. Empty disables HTTP.
	HTTPAddr    string
	RecvTimeout time.Duration
	BufferSize  int
}

// Server is the hardware control server.
type Server struct {
	cfg     Config
	gpio    *gpio.Manager
	metrics *metrics.Metrics
	logger  *slog.Logger

	running  atomic.Bool
	ln       *conn.Listener
	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup

	httpSrv *http.Server
	httpLn  net.Listener
}

// New creates a server in front of mgr.
func New(cfg Config, mgr *gpio.Manager, m *metrics.Metrics, logger *slog.Logger) *Server {
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	return &Server{
		cfg:     cfg,
		gpio:    mgr,
		metrics: m,
		logger:  logger.With("component", "hwserver"),
	}
}

// Start binds the TCP port (and the HTTP port when configured) and serves
// in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := conn.Listen(s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("hwserver: %w", err)
	}

	if s.cfg.HTTPAddr != "" {
		hl, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("hwserver: listen http %s: %w", s.cfg.HTTPAddr, err)
		}
		s.httpLn = hl
		s.httpSrv = &http.Server{
			Handler:      s.Handler(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			if err := s.httpSrv.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("http server", "err", err)
			}
		}()
		s.logger.Info("hardware http listening", "addr", hl.Addr().String())
	}

	s.ln = ln
	s.running.Store(true)
	s.acceptWG.Add(1)
	go s.acceptLoop()

	s.logger.Info("hardware control listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the TCP control address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// HTTPAddr returns the HTTP address, nil when HTTP is disabled.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Stop closes the listeners, waits for the accept loop and releases every
// GPIO line.
func (s *Server) Stop() {
	if !s.running.Swap(false) {
		return
	}
	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.httpSrv.Close()
		}
		cancel()
	}
	s.ln.Close()
	s.acceptWG.Wait()

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * s.cfg.RecvTimeout):
	}

	if err := s.gpio.Close(); err != nil {
		s.logger.Warn("release gpio", "err", err)
	}
	s.logger.Info("hardware control stopped")
}

func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()
	for s.running.Load() {
		c, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.running.Load() {
				return
			}
			s.logger.Warn("accept failed", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.connWG.Add(1)
		go s.serveConn(c)
	}
}

// serveConn treats each receive as one JSON request and answers it before
// reading again.
func (s *Server) serveConn(c *conn.Conn) {
	defer s.connWG.Done()
	defer c.Close()
	s.metrics.ConnOpened("hardware")
	defer s.metrics.ConnClosed("hardware")

	owner := "tcp:" + c.RemoteAddr()
	buf := make([]byte, s.cfg.BufferSize)
	for s.running.Load() {
		n, err := c.RecvTimeout(buf, s.cfg.RecvTimeout)
		if err != nil {
			if protocol.IsRetryable(err) {
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection closed", "peer", owner, "err", err)
			}
			return
		}

		resp := s.gpio.HandleJSON(buf[:n], owner)
		s.metrics.GPIO("control", ingressTCP, isSuccess(resp))
		if err := c.Send(resp); err != nil {
			s.logger.Debug("send reply", "peer", owner, "err", err)
			return
		}
	}
}

// isSuccess peeks at an encoded ControlResponse.
func isSuccess(resp []byte) bool {
	const prefix = `{"success":true`
	return len(resp) >= len(prefix) && string(resp[:len(prefix)]) == prefix
}
