//go:build no_automation

// Package automation is compiled out in this build; every operation is a
// no-op.
package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"servis-go/internal/events"
	"servis-go/internal/gpio"
	"servis-go/internal/orchestrator"
	"servis-go/internal/registry"
)

const SourceAutomation = "automation"

var (
	ErrNotFound  = errors.New("automation: script not found")
	ErrInvalidID = errors.New("automation: invalid script id")
	errDisabled  = errors.New("automation: not compiled in")
)

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	Code     string     `json:"code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type SystemConfig struct {
	ExecAllowlist []string      `yaml:"exec_allowlist"`
	ExecTimeout   time.Duration `yaml:"exec_timeout"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, service, tool string, params map[string]string) (registry.Result, error)
	List() []registry.Entry
}

type Pins interface {
	Direction(pin int) gpio.Direction
	Configure(pin int, dir gpio.Direction, owner string) error
	Set(pin int, value bool) error
	Get(pin int) (bool, error)
}

type Commander interface {
	ProcessCommand(ctx context.Context, cmd orchestrator.Command) orchestrator.Reply
}

type Manager struct{}

func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return &Manager{}, nil }

func (m *Manager) Dir() string                     { return "" }
func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(id string) (*Script, error)  { return nil, ErrNotFound }
func (m *Manager) Save(s *Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(id string) error          { return ErrNotFound }

type Option func(*Engine)

func WithDispatcher(Dispatcher) Option { return func(*Engine) {} }

func WithPins(Pins) Option { return func(*Engine) {} }

func WithCommander(Commander) Option { return func(*Engine) {} }

func WithSystem(SystemConfig) Option { return func(*Engine) {} }

type Engine struct{}

func NewEngine(_ *events.Bus, _ *Manager, _ *slog.Logger, _ ...Option) *Engine { return &Engine{} }

func (e *Engine) Start()                         {}
func (e *Engine) Stop()                          {}
func (e *Engine) Running() []string              { return nil }
func (e *Engine) ReloadScript(id string) error   { return nil }
func (e *Engine) StopScript(id string)           {}
func (e *Engine) RunScript(id string) *RunResult { return e.RunLuaCode("") }

func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{OK: false, Error: errDisabled.Error()}
}
