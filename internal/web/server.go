// Package web is the admin HTTP server: a REST API over the control plane,
// a WebSocket front-end that streams events and accepts commands, and the
// Prometheus scrape endpoint.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"servis-go/internal/automation"
	"servis-go/internal/events"
	"servis-go/internal/frontend"
	"servis-go/internal/gpio"
	"servis-go/internal/intent"
	"servis-go/internal/metrics"
	"servis-go/internal/registry"
	"servis-go/internal/store"
)

// Downloads is the session surface the API exposes. *downloads.Manager
// satisfies it.
type Downloads interface {
	Download(ctx context.Context, url string) (uint32, error)
	Abort(id uint32) (string, error)
	Get(id uint32) (*store.Session, error)
	List() ([]*store.Session, error)
}

// AuditLog lists processed commands. store.Store satisfies it.
type AuditLog interface {
	ListAudit(limit int) ([]*store.AuditRecord, error)
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAddr sets the listen address used by Start.
func WithAddr(addr string) ServerOption {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

func WithDownloads(d Downloads) ServerOption { return func(s *Server) { s.downloads = d } }

func WithAudit(a AuditLog) ServerOption { return func(s *Server) { s.audit = a } }

func WithGPIO(m *gpio.Manager) ServerOption { return func(s *Server) { s.gpio = m } }

func WithMetrics(m *metrics.Metrics) ServerOption { return func(s *Server) { s.metrics = m } }

func WithClassifier(c *intent.Classifier) ServerOption { return func(s *Server) { s.classifier = c } }

// Server is the admin HTTP server. It is also the "web" front-end adapter.
type Server struct {
	registry       *registry.Registry
	classifier     *intent.Classifier
	bus            *events.Bus
	proc           frontend.Processor
	downloads      Downloads
	audit          AuditLog
	gpio           *gpio.Manager
	metrics        *metrics.Metrics
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	addr           string
	apiKey         string
	allowedOrigins []string
	version        string

	httpSrv     *http.Server
	listener    net.Listener
	wg          sync.WaitGroup
	unsubEvents func()
	stopOnce    sync.Once
}

// NewServer creates the admin server. The WebSocket hub runs from creation;
// Start only opens the listener.
func NewServer(reg *registry.Registry, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		registry:   reg,
		classifier: intent.New(),
		bus:        bus,
		logger:     logger.With("component", "web"),
		mux:        http.NewServeMux(),
		addr:       ":8082",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if bus != nil {
		s.unsubEvents = bus.OnAll(func(event events.Event) {
			s.wsHub.Broadcast(wsMessage{Type: wsTypeEvent, Event: &event})
		})
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	s.mux.HandleFunc("GET /api/services", s.handleAPIListServices)
	s.mux.HandleFunc("POST /api/services", s.handleAPIRegisterService)
	s.mux.HandleFunc("GET /api/services/{name}", s.handleAPIGetService)
	s.mux.HandleFunc("DELETE /api/services/{name}", s.handleAPIUnregisterService)
	s.mux.HandleFunc("POST /api/services/{name}/call", s.handleAPICallService)

	s.mux.HandleFunc("POST /api/classify", s.handleAPIClassify)
	s.mux.HandleFunc("POST /api/command", s.handleAPICommand)

	s.mux.HandleFunc("GET /api/sessions", s.handleAPIListSessions)
	s.mux.HandleFunc("POST /api/sessions", s.handleAPICreateSession)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleAPIGetSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/abort", s.handleAPIAbortSession)

	s.mux.HandleFunc("GET /api/audit", s.handleAPIListAudit)

	s.mux.HandleFunc("GET /api/gpio", s.handleAPIGPIOStatus)
	s.mux.HandleFunc("POST /api/gpio", s.handleAPIGPIOControl)

	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Origin is checked on mutating requests.
	if len(s.allowedOrigins) > 0 {
		if origin := r.Header.Get("Origin"); origin != "" {
			if r.Method == http.MethodOptions {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "3600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Only /api/ needs the key: browsers cannot set headers on a WS upgrade
	// and the scraper hits /metrics.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Type implements frontend.Adapter.
func (s *Server) Type() string { return frontend.TypeWeb }

// Initialize implements frontend.Adapter.
func (s *Server) Initialize(p frontend.Processor) error {
	if p == nil {
		return errors.New("web: nil processor")
	}
	s.proc = p
	return nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("web: listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("web server error", "err", err)
		}
	}()
	s.logger.Info("web server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts down the HTTP server and the WebSocket hub and waits for
// their goroutines. Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		if s.unsubEvents != nil {
			s.unsubEvents()
		}
		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = s.httpSrv.Shutdown(ctx)
			cancel()
		}
		s.wsHub.Stop()
		s.wg.Wait()
	})
	return err
}

// ProcessCommand implements frontend.Adapter: the reply goes back to the
// WebSocket session named in uc.
func (s *Server) ProcessCommand(ctx context.Context, text string, uc frontend.Context) {
	resp := s.runCommand(ctx, text, uc)
	if err := s.SendResponse(resp, uc); err != nil {
		s.logger.Debug("send response", "session", uc.SessionID, "err", err)
	}
}

// SendResponse implements frontend.Adapter.
func (s *Server) SendResponse(resp frontend.Response, uc frontend.Context) error {
	return s.wsHub.SendTo(uc.SessionID, wsMessage{Type: wsTypeResponse, Response: &resp})
}

func (s *Server) runCommand(ctx context.Context, text string, uc frontend.Context) frontend.Response {
	if s.proc == nil {
		return frontend.Response{Content: "command processing not available", ContentType: "json"}
	}
	uc.Interface = frontend.TypeWeb
	if uc.Timestamp.IsZero() {
		uc.Timestamp = time.Now()
	}
	return frontend.Run(ctx, s.proc, text, uc, "json")
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads a body of at most 1 MB into v.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
