//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"servis-go/internal/events"
	"servis-go/internal/gpio"
	"servis-go/internal/orchestrator"
)

const (
	maxHandlersPerScript = 100
	actionTimeout        = 10 * time.Second
)

// registerServisModule installs the `servis` global table.
func registerServisModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"on":       func(L *lua.LState) int { return servisOn(L, vm) },
		"after":    func(L *lua.LState) int { return servisAfter(L, vm, e) },
		"dispatch": func(L *lua.LState) int { return servisDispatch(L, vm, e) },
		"services": func(L *lua.LState) int { return servisServices(L, e) },
		"command":  func(L *lua.LState) int { return servisCommand(L, vm, e) },
		"gpio_set": func(L *lua.LState) int { return servisGPIOSet(L, vm, e) },
		"gpio_get": func(L *lua.LState) int { return servisGPIOGet(L, e) },
		"emit":     func(L *lua.LState) int { return servisEmit(L, vm, e) },
		"log":      func(L *lua.LState) int { return servisLog(L, vm, e) },
	})
	L.SetGlobal("servis", mod)
}

// actionContext bounds one script action by the VM lifetime.
func actionContext(vm *scriptVM) (context.Context, context.CancelFunc) {
	return context.WithTimeout(vm.ctx, actionTimeout)
}

// pushErr returns (nil, msg) to Lua.
func pushErr(L *lua.LState, msg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(msg))
	return 2
}

// servis.on(type, [filter], callback)
func servisOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if fn, ok := L.Get(2).(*lua.LFunction); ok {
		h.fn = fn
	} else {
		h.filter = luaToStrings(L.CheckTable(2))
		h.fn = L.CheckFunction(3)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// servis.after(seconds, callback)
func servisAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "id", vm.id, "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full", "id", vm.id)
		}
	}()
	return 0
}

// servis.dispatch(service, tool, [args]) -> body | nil, err
func servisDispatch(L *lua.LState, vm *scriptVM, e *Engine) int {
	service := L.CheckString(1)
	tool := L.CheckString(2)
	args := luaToStrings(L.OptTable(3, nil))

	if e.dispatcher == nil {
		return pushErr(L, "dispatch not available")
	}
	ctx, cancel := actionContext(vm)
	defer cancel()

	res, err := e.dispatcher.Dispatch(ctx, service, tool, args)
	if err != nil {
		e.logger.Warn("script dispatch failed", "id", vm.id, "service", service, "tool", tool, "err", err)
		return pushErr(L, err.Error())
	}
	L.Push(lua.LString(string(res.Body)))
	return 1
}

// servis.services() -> {{name=, host=, port=, health=}, ...}
func servisServices(L *lua.LState, e *Engine) int {
	t := L.NewTable()
	if e.dispatcher != nil {
		for i, s := range e.dispatcher.List() {
			row := L.NewTable()
			row.RawSetString("name", lua.LString(s.Name))
			row.RawSetString("host", lua.LString(s.Host))
			row.RawSetString("port", lua.LNumber(s.Port))
			row.RawSetString("health", lua.LString(string(s.Health)))
			row.RawSetString("capabilities", goToLua(L, s.Capabilities))
			t.RawSetInt(i+1, row)
		}
	}
	L.Push(t)
	return 1
}

// servis.command(text) -> message, intent
func servisCommand(L *lua.LState, vm *scriptVM, e *Engine) int {
	text := L.CheckString(1)
	if e.commander == nil {
		return pushErr(L, "commands not available")
	}
	ctx, cancel := actionContext(vm)
	defer cancel()

	reply := e.commander.ProcessCommand(ctx, orchestrator.Command{
		Text:    text,
		Source:  SourceAutomation,
		Context: map[string]string{"script": vm.id},
	})
	L.Push(lua.LString(reply.Message))
	L.Push(lua.LString(reply.Intent))
	return 2
}

// servis.gpio_set(pin, value) -> true | nil, err
// An unclaimed pin is claimed as an output first.
func servisGPIOSet(L *lua.LState, vm *scriptVM, e *Engine) int {
	pin := L.CheckInt(1)
	var high bool
	switch v := L.Get(2).(type) {
	case lua.LBool:
		high = bool(v)
	case lua.LNumber:
		high = v != 0
	default:
		L.ArgError(2, "boolean or number expected")
		return 0
	}

	if e.pins == nil {
		return pushErr(L, "gpio not available")
	}
	if e.pins.Direction(pin) == gpio.Unset {
		if err := e.pins.Configure(pin, gpio.Output, "script:"+vm.id); err != nil {
			return pushErr(L, err.Error())
		}
	}
	if err := e.pins.Set(pin, high); err != nil {
		return pushErr(L, err.Error())
	}
	L.Push(lua.LTrue)
	return 1
}

// servis.gpio_get(pin) -> 0|1 | nil, err
func servisGPIOGet(L *lua.LState, e *Engine) int {
	pin := L.CheckInt(1)
	if e.pins == nil {
		return pushErr(L, "gpio not available")
	}
	v, err := e.pins.Get(pin)
	if err != nil {
		return pushErr(L, err.Error())
	}
	if v {
		L.Push(lua.LNumber(1))
	} else {
		L.Push(lua.LNumber(0))
	}
	return 1
}

// servis.emit(type, [data]) publishes a script event on the bus.
func servisEmit(L *lua.LState, vm *scriptVM, e *Engine) int {
	typ := L.CheckString(1)
	data := make(map[string]any)
	for k, v := range luaToStrings(L.OptTable(2, nil)) {
		data[k] = v
	}
	data["script"] = vm.id
	e.bus.Emit(events.Event{Type: typ, Data: data})
	return 0
}

// servis.log(msg)
func servisLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	e.logger.Info("script log", "id", vm.id, "msg", L.CheckString(1))
	return 0
}
