// Package downloads runs the legacy download request set: sessions are
// persisted in the store and fetched by a bounded pool of workers.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"servis-go/internal/events"
	"servis-go/internal/metrics"
	"servis-go/internal/store"
)

var (
	ErrInvalidURL = errors.New("invalid download url")
	ErrQueueFull  = errors.New("download queue full")
	ErrStopped    = errors.New("download manager stopped")
)

// Options configures a Manager.
type Options struct {
	Dir       string
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Client    *http.Client
	Bus       *events.Bus
	Metrics   *metrics.Metrics
}

// Manager owns download sessions. It satisfies the orchestrator's legacy
// processor.
type Manager struct {
	store   store.Store
	dir     string
	workers int
	client  *http.Client
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue chan uint32

	mu      sync.Mutex
	cancels map[uint32]context.CancelFunc

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a manager. Workers are not running until Start.
func New(st store.Store, opts Options, logger *slog.Logger) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.Dir == "" {
		opts.Dir = "downloads"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Manager{
		store:   st,
		dir:     opts.Dir,
		workers: opts.Workers,
		client:  client,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		logger:  logger.With("component", "downloads"),
		queue:   make(chan uint32, opts.QueueSize),
		cancels: make(map[uint32]context.CancelFunc),
	}
}

// Start launches the workers.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.started {
		return nil
	}
	if m.stopped {
		return ErrStopped
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("downloads: create dir: %w", err)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx)
	}
	m.started = true
	m.logger.Info("download workers started", "workers", m.workers, "dir", m.dir)
	return nil
}

// Stop cancels in-flight transfers and waits for the workers.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	if m.stopped {
		m.lifecycleMu.Unlock()
		return
	}
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
	m.lifecycleMu.Unlock()
	m.wg.Wait()
}

// Download creates a queued session for rawURL and hands it to the workers.
func (m *Manager) Download(_ context.Context, rawURL string) (uint32, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, fmt.Errorf("downloads: %q: %w", rawURL, ErrInvalidURL)
	}

	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.stopped {
		return 0, ErrStopped
	}

	sess, err := m.store.CreateSession(rawURL)
	if err != nil {
		return 0, fmt.Errorf("downloads: create session: %w", err)
	}

	select {
	case m.queue <- sess.ID:
	default:
		m.finish(sess.ID, store.StatusFailed, func(s *store.Session) { s.Error = ErrQueueFull.Error() })
		return 0, ErrQueueFull
	}

	m.metrics.Download(store.StatusQueued)
	m.bus.Emit(events.Event{Type: events.DownloadQueued, Data: map[string]any{
		"session_id": sess.ID, "url": rawURL,
	}})
	m.logger.Info("download queued", "session", sess.ID, "url", rawURL)
	return sess.ID, nil
}

// Status returns the session's current state.
func (m *Manager) Status(id uint32) (string, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return "", err
	}
	return sess.Status, nil
}

// Abort stops a session. A session already in a terminal state keeps it and
// that state is returned.
func (m *Manager) Abort(id uint32) (string, error) {
	var status string
	err := m.store.UpdateSession(id, func(s *store.Session) error {
		if !s.Terminal() {
			s.Status = store.StatusAborted
		}
		status = s.Status
		return nil
	})
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	cancel := m.cancels[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if status == store.StatusAborted {
		m.metrics.Download(status)
		m.emitUpdate(id, status)
		m.logger.Info("download aborted", "session", id)
	}
	return status, nil
}

// Get returns a session.
func (m *Manager) Get(id uint32) (*store.Session, error) {
	return m.store.GetSession(id)
}

// List returns every session.
func (m *Manager) List() ([]*store.Session, error) {
	return m.store.ListSessions()
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.fetch(ctx, id)
		}
	}
}

func (m *Manager) fetch(parent context.Context, id uint32) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var rawURL string
	err := m.store.UpdateSession(id, func(s *store.Session) error {
		if s.Status != store.StatusQueued {
			return errSkip
		}
		s.Status = store.StatusDownloading
		rawURL = s.URL
		return nil
	})
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		m.logger.Error("download start", "session", id, "err", err)
		return
	}

	m.mu.Lock()
	m.cancels[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.cancels, id)
		m.mu.Unlock()
	}()

	m.metrics.Download(store.StatusDownloading)
	m.emitUpdate(id, store.StatusDownloading)

	dst, n, err := m.transfer(ctx, id, rawURL)
	if err != nil {
		if ctx.Err() != nil && parent.Err() == nil {
			// Aborted; Abort already recorded the state.
			os.Remove(dst)
			return
		}
		m.logger.Warn("download failed", "session", id, "url", rawURL, "err", err)
		m.finish(id, store.StatusFailed, func(s *store.Session) { s.Error = err.Error() })
		return
	}

	m.logger.Info("download completed", "session", id, "path", dst, "bytes", n)
	m.finish(id, store.StatusCompleted, func(s *store.Session) {
		s.Path = dst
		s.Bytes = n
	})
}

var errSkip = errors.New("skip")

func (m *Manager) transfer(ctx context.Context, id uint32, rawURL string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, fmt.Errorf("http status %d", resp.StatusCode)
	}

	dst := filepath.Join(m.dir, fmt.Sprintf("%d-%s", id, fileName(req.URL)))
	f, err := os.Create(dst)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return dst, n, err
	}
	return dst, n, nil
}

// finish moves a session to a terminal state unless it was aborted first.
func (m *Manager) finish(id uint32, status string, fn func(*store.Session)) {
	err := m.store.UpdateSession(id, func(s *store.Session) error {
		if s.Status == store.StatusAborted {
			return errSkip
		}
		s.Status = status
		if fn != nil {
			fn(s)
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return
	}
	if err != nil {
		m.logger.Error("download update", "session", id, "err", err)
		return
	}
	m.metrics.Download(status)
	m.emitUpdate(id, status)
}

func (m *Manager) emitUpdate(id uint32, status string) {
	m.bus.Emit(events.Event{Type: events.DownloadUpdated, Data: map[string]any{
		"session_id": id, "status": status,
	}})
}

func fileName(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "download"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, name)
}
