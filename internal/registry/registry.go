// Package registry keeps the in-memory table of remote capability providers
// and performs tool calls against them, tracking each provider's health.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"servis-go/internal/events"
	"servis-go/internal/metrics"
	"servis-go/internal/protocol"
)

// ErrRateLimited is returned when a service's call budget is exhausted.
var ErrRateLimited = errors.New("rate limited")

// Health is a service's last known condition.
type Health string

const (
	HealthRegistered Health = "registered"
	HealthHealthy    Health = "healthy"
	HealthError      Health = "error"
)

// Entry describes one registered service.
type Entry struct {
	Name         string    `json:"name"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Capabilities []string  `json:"capabilities"`
	Health       Health    `json:"health"`
	LastSeen     time.Time `json:"last_seen"`
}

// Caller performs the remote half of a dispatch.
type Caller interface {
	Call(ctx context.Context, e Entry, tool string, args map[string]string) (Result, error)
}

// Result is a remote service's reply.
type Result struct {
	StatusCode int
	Body       []byte
}

// Option configures a Registry.
type Option func(*Registry)

// WithCaller replaces the default HTTP caller.
func WithCaller(c Caller) Option {
	return func(r *Registry) { r.caller = c }
}

// WithRateLimit caps dispatches per service.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(r *Registry) {
		r.limit = limit
		r.burst = burst
	}
}

// WithEvents publishes registration and health changes on bus.
func WithEvents(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithMetrics records dispatch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// Registry maps service names to entries. All access goes through its
// methods; the map is never exposed.
type Registry struct {
	mu       sync.Mutex
	services map[string]*Entry
	limiters map[string]*rate.Limiter

	caller  Caller
	limit   rate.Limit
	burst   int
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		services: make(map[string]*Entry),
		limiters: make(map[string]*rate.Limiter),
		caller:   NewHTTPCaller(10 * time.Second),
		limit:    rate.Inf,
		logger:   logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a service entry.
func (r *Registry) Register(name, host string, port int, capabilities []string) {
	caps := append([]string(nil), capabilities...)
	r.mu.Lock()
	r.services[name] = &Entry{
		Name:         name,
		Host:         host,
		Port:         port,
		Capabilities: caps,
		Health:       HealthRegistered,
		LastSeen:     time.Now(),
	}
	delete(r.limiters, name)
	n := len(r.services)
	r.mu.Unlock()

	r.metrics.Services(n)
	r.logger.Info("service registered", "name", name, "host", host, "port", port, "capabilities", caps)
	r.bus.Emit(events.Event{Type: events.ServiceRegistered, Data: map[string]any{
		"name": name, "host": host, "port": port,
	}})
}

// Unregister removes a service. It reports whether the service existed.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.services[name]
	delete(r.services, name)
	delete(r.limiters, name)
	n := len(r.services)
	r.mu.Unlock()

	if ok {
		r.metrics.Services(n)
		r.logger.Info("service unregistered", "name", name)
		r.bus.Emit(events.Event{Type: events.ServiceRemoved, Data: map[string]any{"name": name}})
	}
	return ok
}

// List returns a snapshot of all entries sorted by name.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.services))
	for _, e := range r.services {
		out = append(out, copyEntry(e))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a copy of one entry.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.services)
}

// Dispatch calls tool on the named service. The registry lock is not held
// during the remote call; health and last-seen are updated afterwards with
// a fresh acquisition. A missing service is reported without any remote
// attempt.
func (r *Registry) Dispatch(ctx context.Context, service, tool string, params map[string]string) (Result, error) {
	r.mu.Lock()
	e, ok := r.services[service]
	if !ok {
		r.mu.Unlock()
		r.metrics.Dispatch(service, "not_found", 0)
		return Result{}, fmt.Errorf("registry: %s: %w", service, protocol.ErrServiceNotFound)
	}
	target := copyEntry(e)
	lim := r.limiterLocked(service)
	r.mu.Unlock()

	if lim != nil && !lim.Allow() {
		r.metrics.Dispatch(service, "rate_limited", 0)
		return Result{}, fmt.Errorf("registry: %s: %w", service, ErrRateLimited)
	}

	start := time.Now()
	res, err := r.caller.Call(ctx, target, tool, params)
	elapsed := time.Since(start)

	health := HealthHealthy
	if err != nil {
		health = HealthError
	}
	r.setHealth(service, health)

	if err != nil {
		r.metrics.Dispatch(service, "error", elapsed)
		r.logger.Warn("dispatch failed", "service", service, "tool", tool, "err", err)
		if !errors.Is(err, protocol.ErrServiceError) {
			err = fmt.Errorf("%w: %w", protocol.ErrServiceError, err)
		}
		return res, fmt.Errorf("registry: %s/%s: %w", service, tool, err)
	}
	r.metrics.Dispatch(service, "ok", elapsed)
	r.logger.Debug("dispatch ok", "service", service, "tool", tool, "status", res.StatusCode, "duration", elapsed)
	return res, nil
}

func (r *Registry) setHealth(name string, h Health) {
	r.mu.Lock()
	e, ok := r.services[name]
	changed := false
	if ok {
		changed = e.Health != h
		e.Health = h
		e.LastSeen = time.Now()
	}
	r.mu.Unlock()

	if changed {
		r.bus.Emit(events.Event{Type: events.ServiceHealth, Data: map[string]any{
			"name": name, "health": string(h),
		}})
	}
}

func (r *Registry) limiterLocked(name string) *rate.Limiter {
	if r.limit == rate.Inf {
		return nil
	}
	lim, ok := r.limiters[name]
	if !ok {
		lim = rate.NewLimiter(r.limit, r.burst)
		r.limiters[name] = lim
	}
	return lim
}

func copyEntry(e *Entry) Entry {
	c := *e
	c.Capabilities = append([]string(nil), e.Capabilities...)
	return c
}
