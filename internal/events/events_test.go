package events

import (
	"log/slog"
	"os"
	"testing"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestBusOnAndUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got []string
	unsub := bus.On(GPIOChanged, func(e Event) { got = append(got, e.Type) })

	bus.Emit(Event{Type: GPIOChanged})
	bus.Emit(Event{Type: CommandProcessed})
	if len(got) != 1 || got[0] != GPIOChanged {
		t.Fatalf("got %v, want [%s]", got, GPIOChanged)
	}

	unsub()
	bus.Emit(Event{Type: GPIOChanged})
	if len(got) != 1 {
		t.Errorf("handler called after unsubscribe: %v", got)
	}
}

func TestBusOnAll(t *testing.T) {
	bus := newTestBus()

	count := 0
	bus.OnAll(func(Event) { count++ })
	bus.Emit(Event{Type: DownloadQueued})
	bus.Emit(Event{Type: DeviceTelemetry})

	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestBusRecoversPanic(t *testing.T) {
	bus := newTestBus()

	called := false
	bus.On(DeviceError, func(Event) { panic("boom") })
	bus.On(DeviceError, func(Event) { called = true })

	bus.Emit(Event{Type: DeviceError})
	if !called {
		t.Error("second handler not called after first panicked")
	}
}

func TestNilBusEmit(t *testing.T) {
	var bus *Bus
	bus.Emit(Event{Type: DeviceError})
}
