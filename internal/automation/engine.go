//go:build !no_automation

// Package automation runs Lua hook scripts that react to control-plane
// events and can dispatch tools, drive GPIO lines and issue commands.
package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"servis-go/internal/events"
	"servis-go/internal/gpio"
	"servis-go/internal/orchestrator"
	"servis-go/internal/registry"
)

// SourceAutomation tags commands issued by scripts.
const SourceAutomation = "automation"

const runTimeout = 5 * time.Second

// Dispatcher calls a tool on a registered service. *registry.Registry
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, service, tool string, params map[string]string) (registry.Result, error)
	List() []registry.Entry
}

// Pins is the GPIO surface scripts may drive. *gpio.Manager satisfies it.
type Pins interface {
	Direction(pin int) gpio.Direction
	Configure(pin int, dir gpio.Direction, owner string) error
	Set(pin int, value bool) error
	Get(pin int) (bool, error)
}

// Commander processes free-text commands. *orchestrator.Server satisfies it.
type Commander interface {
	ProcessCommand(ctx context.Context, cmd orchestrator.Command) orchestrator.Reply
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with servis.on. Every filter
// entry must equal the event field of the same name.
type luaEventHandler struct {
	eventType string
	filter    map[string]string
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Option configures an Engine.
type Option func(*Engine)

func WithDispatcher(d Dispatcher) Option { return func(e *Engine) { e.dispatcher = d } }

func WithPins(p Pins) Option { return func(e *Engine) { e.pins = p } }

func WithCommander(c Commander) Option { return func(e *Engine) { e.commander = c } }

func WithSystem(cfg SystemConfig) Option { return func(e *Engine) { e.systemCfg = cfg } }

// Engine manages Lua VMs and dispatches bus events to scripts.
type Engine struct {
	bus     *events.Bus
	manager *Manager
	logger  *slog.Logger

	dispatcher Dispatcher
	pins       Pins
	commander  Commander
	systemCfg  SystemConfig

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates an automation engine over bus.
func NewEngine(bus *events.Bus, mgr *Manager, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		bus:     bus,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start subscribes to the bus and loads every enabled script.
func (e *Engine) Start() {
	e.unsub = e.bus.OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.logger.Info("automation engine stopped")
}

// Running lists the IDs of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript stops the old VM, if any, and starts a new one when the
// script is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return err
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.Code)
}

// RunLuaCode executes code in a throwaway VM. Handlers it registers are
// invoked once with a synthetic event so their actions run. Log output is
// captured in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		id:       "run",
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	var (
		logs  []string
		logMu sync.Mutex
	)
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}

	registerServisModule(L, vm, e)
	registerSystemModule(L, e)

	if tbl, ok := L.GetGlobal("servis").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			capture(L.CheckString(1))
			return 0
		}))
	}
	if tbl, ok := L.GetGlobal("system").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			capture("[" + L.CheckString(1) + "] " + L.CheckString(2))
			return 0
		}))
	}

	fail := func(err error) *RunResult {
		msg := err.Error()
		if strings.Contains(msg, "context deadline exceeded") {
			msg = "timeout (5s)"
		}
		return &RunResult{OK: false, Error: msg, Logs: logs, Duration: time.Since(start).String()}
	}

	if err := L.DoString(code); err != nil {
		e.logger.Warn("run: script error", "err", err)
		return fail(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for i, h := range handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		for k, v := range h.filter {
			ev.RawSetString(k, lua.LString(v))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			e.logger.Warn("run: handler error", "index", i, "err", err)
			return fail(err)
		}
	}

	dur := time.Since(start)
	e.logger.Info("run complete", "handlers", len(handlers), "logs", len(logs), "duration", dur)
	return &RunResult{OK: true, Logs: logs, Duration: dur.String()}
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// newSandbox returns a Lua state without filesystem, process or loader
// access.
func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		id:       s.ID,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerServisModule(L, vm, e)
	registerSystemModule(L, e)

	if err := L.DoString(s.Code); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("automation: execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues every matching handler on its VM. Commands issued
// by scripts themselves are not fed back.
func (e *Engine) dispatchEvent(event events.Event) {
	if event.Type == events.CommandProcessed && event.Data["source"] == SourceAutomation {
		return
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			if vm.ctx.Err() != nil {
				break
			}
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, vm.id, fn, event) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "id", vm.id, "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event events.Event) bool {
	if h.eventType != "*" && h.eventType != event.Type {
		return false
	}
	for k, want := range h.filter {
		v, ok := event.Data[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, id string, fn *lua.LFunction, event events.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", id, "err", r)
		}
	}()

	ev := L.NewTable()
	ev.RawSetString("type", lua.LString(event.Type))
	for k, v := range event.Data {
		ev.RawSetString(k, goToLua(L, v))
	}
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, ev); err != nil {
		e.logger.Error("lua handler error", "id", id, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]string:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, lua.LString(vv))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []string:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, lua.LString(vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToStrings flattens a Lua table into string key/value pairs.
func luaToStrings(t *lua.LTable) map[string]string {
	out := make(map[string]string)
	if t == nil {
		return out
	}
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = v.String()
	})
	return out
}
