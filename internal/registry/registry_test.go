package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/time/rate"

	"servis-go/internal/events"
	"servis-go/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stubCaller struct {
	calls atomic.Int32
	err   error
	body  string
}

func (s *stubCaller) Call(_ context.Context, _ Entry, _ string, _ map[string]string) (Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return Result{}, s.err
	}
	return Result{StatusCode: 200, Body: []byte(s.body)}, nil
}

func TestRegisterAndList(t *testing.T) {
	r := New(testLogger())
	r.Register("b-service", "localhost", 9001, []string{"x"})
	r.Register("a-service", "localhost", 9000, []string{"play_music", "set_volume"})

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}
	if list[0].Name != "a-service" || list[1].Name != "b-service" {
		t.Errorf("List() order = %s,%s", list[0].Name, list[1].Name)
	}
	if list[0].Health != HealthRegistered {
		t.Errorf("health = %q, want %q", list[0].Health, HealthRegistered)
	}
	if list[0].LastSeen.IsZero() {
		t.Error("LastSeen not set")
	}
}

func TestRegisterOverwrites(t *testing.T) {
	r := New(testLogger())
	r.Register("svc", "host-a", 1, nil)
	r.Register("svc", "host-b", 2, []string{"tool"})

	e, ok := r.Get("svc")
	if !ok {
		t.Fatal("Get(svc) missing")
	}
	if e.Host != "host-b" || e.Port != 2 {
		t.Errorf("entry = %s:%d, want host-b:2", e.Host, e.Port)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestUnregister(t *testing.T) {
	r := New(testLogger())
	if r.Unregister("absent") {
		t.Error("Unregister(absent) = true")
	}
	r.Register("svc", "localhost", 1, nil)
	if !r.Unregister("svc") {
		t.Error("Unregister(svc) = false")
	}
	if _, ok := r.Get("svc"); ok {
		t.Error("svc still present")
	}
}

func TestListIsSnapshot(t *testing.T) {
	r := New(testLogger())
	r.Register("svc", "localhost", 1, []string{"a"})
	list := r.List()
	list[0].Capabilities[0] = "mutated"
	list[0].Host = "elsewhere"

	e, _ := r.Get("svc")
	if e.Capabilities[0] != "a" || e.Host != "localhost" {
		t.Errorf("registry entry mutated through snapshot: %+v", e)
	}
}

func TestConcurrentRegisterAndList(t *testing.T) {
	r := New(testLogger())
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.Register(fmt.Sprintf("svc-%d", i), "localhost", 9000+i, []string{"t"})
		}(i)
		go func() {
			defer wg.Done()
			for _, e := range r.List() {
				if e.Name == "" {
					t.Error("List returned entry with empty name")
				}
			}
		}()
	}
	wg.Wait()

	if n := len(r.List()); n != 100 {
		t.Errorf("List() len = %d, want 100", n)
	}
}

func TestDispatchNotFoundMakesNoCall(t *testing.T) {
	stub := &stubCaller{}
	r := New(testLogger(), WithCaller(stub))

	_, err := r.Dispatch(context.Background(), "missing", "tool", nil)
	if !errors.Is(err, protocol.ErrServiceNotFound) {
		t.Fatalf("err = %v, want ErrServiceNotFound", err)
	}
	if stub.calls.Load() != 0 {
		t.Errorf("caller invoked %d times", stub.calls.Load())
	}
}

func TestDispatchUpdatesHealth(t *testing.T) {
	stub := &stubCaller{body: "ok"}
	bus := events.NewBus(testLogger())
	var healths []string
	bus.On(events.ServiceHealth, func(e events.Event) {
		healths = append(healths, e.Data["health"].(string))
	})

	r := New(testLogger(), WithCaller(stub), WithEvents(bus))
	r.Register("svc", "localhost", 1, nil)

	res, err := r.Dispatch(context.Background(), "svc", "tool", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(res.Body) != "ok" {
		t.Errorf("body = %q, want ok", res.Body)
	}
	if e, _ := r.Get("svc"); e.Health != HealthHealthy {
		t.Errorf("health = %q, want healthy", e.Health)
	}

	stub.err = errors.New("connection refused")
	_, err = r.Dispatch(context.Background(), "svc", "tool", nil)
	if !errors.Is(err, protocol.ErrServiceError) {
		t.Fatalf("err = %v, want ErrServiceError", err)
	}
	if e, _ := r.Get("svc"); e.Health != HealthError {
		t.Errorf("health = %q, want error", e.Health)
	}

	if len(healths) != 2 || healths[0] != "healthy" || healths[1] != "error" {
		t.Errorf("health events = %v", healths)
	}
}

func TestDispatchRateLimited(t *testing.T) {
	stub := &stubCaller{}
	r := New(testLogger(), WithCaller(stub), WithRateLimit(rate.Limit(0.001), 2))
	r.Register("svc", "localhost", 1, nil)

	for i := 0; i < 2; i++ {
		if _, err := r.Dispatch(context.Background(), "svc", "tool", nil); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	_, err := r.Dispatch(context.Background(), "svc", "tool", nil)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
	if stub.calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", stub.calls.Load())
	}
}

func hostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	host, p, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(p)
	return host, port
}

func TestHTTPCallerToolCall(t *testing.T) {
	var got ToolCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mcp" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"result":"playing"}`))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)
	r := New(testLogger())
	r.Register("audio-service", host, port, []string{"play_music"})

	res, err := r.Dispatch(context.Background(), "audio-service", "play_music", map[string]string{"query": "jazz"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if string(res.Body) != `{"result":"playing"}` {
		t.Errorf("body = %s", res.Body)
	}
	if got.Method != MethodToolsCall || got.Params.Name != "play_music" || got.Params.Arguments["query"] != "jazz" {
		t.Errorf("tool call = %+v", got)
	}
}

func TestHTTPCallerNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, port := hostPort(t, srv)
	r := New(testLogger())
	r.Register("svc", host, port, nil)

	_, err := r.Dispatch(context.Background(), "svc", "tool", nil)
	if !errors.Is(err, protocol.ErrServiceError) {
		t.Fatalf("err = %v, want ErrServiceError", err)
	}
	if e, _ := r.Get("svc"); e.Health != HealthError {
		t.Errorf("health = %q, want error", e.Health)
	}
}
