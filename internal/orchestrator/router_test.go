package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"servis-go/internal/intent"
	"servis-go/internal/protocol"
	"servis-go/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type call struct {
	service, tool string
	params        map[string]string
}

type stubDispatcher struct {
	mu    sync.Mutex
	calls []call
	body  string
	err   error
}

func (d *stubDispatcher) Dispatch(_ context.Context, service, tool string, params map[string]string) (registry.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call{service, tool, params})
	if d.err != nil {
		return registry.Result{}, d.err
	}
	return registry.Result{StatusCode: 200, Body: []byte(d.body)}, nil
}

type stubLegacy struct {
	nextID  uint32
	urls    []string
	status  map[uint32]string
	err     error
	aborted []uint32
}

func newStubLegacy() *stubLegacy {
	return &stubLegacy{nextID: 1, status: map[uint32]string{}}
}

func (l *stubLegacy) Download(_ context.Context, url string) (uint32, error) {
	if l.err != nil {
		return 0, l.err
	}
	id := l.nextID
	l.nextID++
	l.urls = append(l.urls, url)
	l.status[id] = "queued"
	return id, nil
}

func (l *stubLegacy) Status(id uint32) (string, error) {
	s, ok := l.status[id]
	if !ok {
		return "", errors.New("session not found")
	}
	return s, nil
}

func (l *stubLegacy) Abort(id uint32) (string, error) {
	if _, ok := l.status[id]; !ok {
		return "", errors.New("session not found")
	}
	l.status[id] = "aborted"
	l.aborted = append(l.aborted, id)
	return "aborted", nil
}

func TestRouteBelowFloorNeverDispatches(t *testing.T) {
	d := &stubDispatcher{}
	r := NewRouter(d, nil, nil, testLogger())

	for _, label := range []string{intent.PlayMusic, intent.HardwareControl, "anything"} {
		out := r.Route(context.Background(), intent.Result{Intent: label, Confidence: 0.05})
		if out.Message != MsgNotUnderstood {
			t.Errorf("%s: message = %q", label, out.Message)
		}
		if out.Dispatched {
			t.Errorf("%s: dispatched below floor", label)
		}
	}
	if len(d.calls) != 0 {
		t.Errorf("dispatcher called %d times", len(d.calls))
	}
}

func TestRouteDispatches(t *testing.T) {
	tests := []struct {
		intent  string
		service string
		tool    string
		prefix  string
	}{
		{intent.PlayMusic, "audio-service", "play_music", "Music command processed: "},
		{intent.ControlVolume, "audio-service", "set_volume", "Volume command processed: "},
		{intent.SwitchAudio, "audio-service", "switch_output", "Audio output switched: "},
		{intent.SystemControl, "platform-service", "execute_command", "System command executed: "},
		{intent.HardwareControl, "hardware-bridge", "gpio_control", "Hardware command executed: "},
	}
	for _, tt := range tests {
		t.Run(tt.intent, func(t *testing.T) {
			d := &stubDispatcher{body: "done\n"}
			r := NewRouter(d, nil, nil, testLogger())
			params := map[string]string{"k": "v"}
			out := r.Route(context.Background(), intent.Result{Intent: tt.intent, Confidence: 0.5, Params: params})

			if len(d.calls) != 1 {
				t.Fatalf("calls = %d, want 1", len(d.calls))
			}
			c := d.calls[0]
			if c.service != tt.service || c.tool != tt.tool || c.params["k"] != "v" {
				t.Errorf("call = %+v", c)
			}
			if out.Message != tt.prefix+"done" {
				t.Errorf("message = %q, want %q", out.Message, tt.prefix+"done")
			}
			if out.Service != tt.service || !out.Dispatched {
				t.Errorf("outcome = %+v", out)
			}
		})
	}
}

func TestRouteDispatchFailure(t *testing.T) {
	tests := []struct {
		intent string
		want   string
	}{
		{intent.PlayMusic, "Audio service not available"},
		{intent.SystemControl, "Platform service not available"},
		{intent.HardwareControl, "Hardware service not available"},
	}
	for _, tt := range tests {
		d := &stubDispatcher{err: protocol.ErrServiceNotFound}
		r := NewRouter(d, nil, nil, testLogger())
		out := r.Route(context.Background(), intent.Result{Intent: tt.intent, Confidence: 1})
		if out.Message != tt.want {
			t.Errorf("%s: message = %q, want %q", tt.intent, out.Message, tt.want)
		}
		if !errors.Is(out.Err, protocol.ErrServiceNotFound) {
			t.Errorf("%s: err = %v", tt.intent, out.Err)
		}
	}
}

func TestRouteUnknownIntent(t *testing.T) {
	d := &stubDispatcher{}
	r := NewRouter(d, nil, nil, testLogger())
	out := r.Route(context.Background(), intent.Result{Intent: "teleport", Confidence: 0.9})
	if out.Message != "Unknown command intent: teleport" {
		t.Errorf("message = %q", out.Message)
	}
	if len(d.calls) != 0 {
		t.Error("unknown intent dispatched")
	}
}

func TestRouteFileOperation(t *testing.T) {
	legacy := newStubLegacy()
	r := NewRouter(&stubDispatcher{}, legacy, nil, testLogger())

	out := r.Route(context.Background(), intent.Result{
		Intent: intent.FileOperation, Confidence: 0.5,
		Params: map[string]string{"url": "http://example.com/x"},
	})
	if out.Message != MsgDownloadQueued || out.SessionID != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if len(legacy.urls) != 1 || legacy.urls[0] != "http://example.com/x" {
		t.Errorf("urls = %v", legacy.urls)
	}

	out = r.Route(context.Background(), intent.Result{Intent: intent.FileOperation, Confidence: 0.5, Params: map[string]string{}})
	if out.Message != MsgDownloadNoURL {
		t.Errorf("message = %q", out.Message)
	}
}

func TestRouteOverrides(t *testing.T) {
	d := &stubDispatcher{body: "ok"}
	r := NewRouter(d, nil, map[string]Route{
		intent.PlayMusic: {Service: "ai-audio-assistant"},
		"greet":          {Service: "greeter", Tool: "hello", Prefix: "> "},
	}, testLogger())

	r.Route(context.Background(), intent.Result{Intent: intent.PlayMusic, Confidence: 1})
	if d.calls[0].service != "ai-audio-assistant" || d.calls[0].tool != "play_music" {
		t.Errorf("override call = %+v", d.calls[0])
	}

	d.err = errors.New("down")
	out := r.Route(context.Background(), intent.Result{Intent: "greet", Confidence: 1})
	if out.Message != "greeter service not available" {
		t.Errorf("message = %q", out.Message)
	}
}
