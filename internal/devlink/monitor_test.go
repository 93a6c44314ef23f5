package devlink

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"servis-go/internal/events"
)

func TestMonitorEmitsTelemetry(t *testing.T) {
	host, device := newLinkPair()
	bus := events.NewBus(testLogger())

	got := make(chan events.Event, 8)
	bus.OnAll(func(e events.Event) { got <- e })

	mon := NewMonitor(host, bus, testLogger())
	mon.Start(context.Background())
	defer mon.Stop()

	if err := device.PerformHandshake(context.Background()); err != nil {
		t.Fatalf("PerformHandshake: %v", err)
	}
	if err := device.SendSensorTelemetry(7, 1, 3.5, "V"); err != nil {
		t.Fatal(err)
	}

	want := []string{events.DeviceHandshake, events.DeviceTelemetry}
	for _, typ := range want {
		select {
		case e := <-got:
			if e.Type != typ {
				t.Fatalf("event = %s, want %s", e.Type, typ)
			}
			if typ == events.DeviceTelemetry {
				if e.Data["sensor_id"] != 7 || e.Data["value"] != 3.5 || e.Data["unit"] != "V" {
					t.Errorf("telemetry data = %v", e.Data)
				}
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestMonitorCountsCorruptFrames(t *testing.T) {
	host, device := newLinkPair()
	bus := events.NewBus(testLogger())
	host.mu.Lock()
	host.state.Complete = true
	host.mu.Unlock()

	mon := NewMonitor(host, bus, testLogger())
	mon.Start(context.Background())
	defer mon.Stop()

	frame, _ := Encode(MsgSystemStatus, []byte{1, 2, 3})
	frame[5] ^= 0xFF
	if _, err := device.port.Write(frame); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mon.Dropped() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("corrupt frame was not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// deadPort fails every read, like a device unplugged mid-session.
type deadPort struct {
	reads atomic.Int64
}

func (p *deadPort) Read([]byte) (int, error) {
	p.reads.Add(1)
	return 0, errors.New("device not configured")
}

func (p *deadPort) Write(b []byte) (int, error)        { return len(b), nil }
func (p *deadPort) SetReadTimeout(time.Duration) error { return nil }
func (p *deadPort) Close() error                       { return nil }

func TestMonitorBacksOffOnDeadPortBeforeHandshake(t *testing.T) {
	port := &deadPort{}
	link := NewLink(port, Identity{Type: DevicePico, Name: "host", Version: "1.0.0"}, testLogger())

	mon := NewMonitor(link, events.NewBus(testLogger()), testLogger())
	mon.Start(context.Background())
	time.Sleep(500 * time.Millisecond)
	mon.Stop()

	// 10ms doubling backoff allows about six attempts in 500ms.
	if n := port.reads.Load(); n > 20 {
		t.Errorf("reads = %d in 500ms, want a backed-off retry", n)
	}
}
