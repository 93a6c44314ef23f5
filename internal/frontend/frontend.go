// Package frontend connects user-facing command surfaces to the orchestrator.
// Each surface implements Adapter and is driven by a Manager.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"servis-go/internal/intent"
	"servis-go/internal/orchestrator"
)

var (
	ErrDuplicateAdapter = errors.New("frontend: adapter already registered")
	ErrUnknownAdapter   = errors.New("frontend: unknown adapter")
)

// Interface types.
const (
	TypeText = "text"
	TypeWeb  = "web"
)

// Context describes who sent a command and through which surface.
type Context struct {
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Interface string            `json:"interface"`
	Location  string            `json:"location,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Response is what an adapter renders back to its user.
type Response struct {
	Content     string            `json:"content"`
	ContentType string            `json:"content_type"`
	Success     bool              `json:"success"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Processor runs a command. *orchestrator.Server satisfies it.
type Processor interface {
	ProcessCommand(ctx context.Context, cmd orchestrator.Command) orchestrator.Reply
}

// Adapter is one front-end surface.
type Adapter interface {
	Type() string
	Initialize(p Processor) error
	Start(ctx context.Context) error
	Stop() error
	ProcessCommand(ctx context.Context, text string, uc Context)
	SendResponse(resp Response, uc Context) error
}

// Run processes text through p and renders the reply as a Response.
func Run(ctx context.Context, p Processor, text string, uc Context, contentType string) Response {
	cmdCtx := make(map[string]string, len(uc.Metadata)+1)
	for k, v := range uc.Metadata {
		cmdCtx[k] = v
	}
	if uc.Location != "" {
		cmdCtx["location"] = uc.Location
	}

	reply := p.ProcessCommand(ctx, orchestrator.Command{
		Text:    text,
		Source:  uc.Interface,
		Context: cmdCtx,
	})

	md := map[string]string{
		"command_id": reply.CommandID,
		"intent":     reply.Intent,
		"confidence": strconv.FormatFloat(reply.Confidence, 'f', 2, 64),
	}
	if reply.Service != "" {
		md["service"] = reply.Service
	}
	if reply.SessionID != 0 {
		md["download_session"] = strconv.FormatUint(uint64(reply.SessionID), 10)
	}
	if !uc.Timestamp.IsZero() {
		md["timestamp"] = uc.Timestamp.Format(time.RFC3339)
	}
	return Response{
		Content:     reply.Message,
		ContentType: contentType,
		Success:     reply.Dispatched || (reply.Intent == intent.FileOperation && reply.SessionID != 0),
		Metadata:    md,
	}
}

// Manager owns the registered adapters.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
	started  []Adapter

	proc   Processor
	logger *slog.Logger
}

// NewManager creates a manager that hands p to every adapter it registers.
func NewManager(p Processor, logger *slog.Logger) *Manager {
	return &Manager{
		adapters: make(map[string]Adapter),
		proc:     p,
		logger:   logger.With("component", "frontend"),
	}
}

// Register initializes a and adds it under a.Type().
func (m *Manager) Register(a Adapter) error {
	typ := a.Type()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.adapters[typ]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateAdapter, typ)
	}
	if err := a.Initialize(m.proc); err != nil {
		return fmt.Errorf("frontend: initialize %s: %w", typ, err)
	}
	m.adapters[typ] = a
	m.order = append(m.order, typ)
	m.logger.Info("adapter registered", "type", typ)
	return nil
}

// StartAll starts adapters in registration order. If one fails the ones
// already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, typ := range m.order {
		a := m.adapters[typ]
		if err := a.Start(ctx); err != nil {
			m.stopLocked()
			return fmt.Errorf("frontend: start %s: %w", typ, err)
		}
		m.started = append(m.started, a)
		m.logger.Info("adapter started", "type", typ)
	}
	return nil
}

// StopAll stops started adapters in reverse order.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked()
}

func (m *Manager) stopLocked() {
	for i := len(m.started) - 1; i >= 0; i-- {
		a := m.started[i]
		if err := a.Stop(); err != nil {
			m.logger.Warn("adapter stop", "type", a.Type(), "err", err)
		}
	}
	m.started = nil
}

// Adapter returns the adapter registered for typ.
func (m *Manager) Adapter(typ string) (Adapter, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[typ]
	return a, ok
}

// Types lists registered adapter types in registration order.
func (m *Manager) Types() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// ProcessCommand hands text to the adapter named by uc.Interface.
func (m *Manager) ProcessCommand(ctx context.Context, text string, uc Context) error {
	a, ok := m.Adapter(uc.Interface)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAdapter, uc.Interface)
	}
	a.ProcessCommand(ctx, text, uc)
	return nil
}

// SendResponse delivers resp through the adapter named by uc.Interface.
func (m *Manager) SendResponse(resp Response, uc Context) error {
	a, ok := m.Adapter(uc.Interface)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAdapter, uc.Interface)
	}
	return a.SendResponse(resp, uc)
}
