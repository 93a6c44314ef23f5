package hwserver

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"servis-go/internal/gpio"
	"servis-go/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T, cfg Config) (*Server, *gpio.MemoryDriver) {
	t.Helper()
	d := gpio.NewMemoryDriver()
	mgr := gpio.NewManager(d, testLogger())
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	cfg.RecvTimeout = 50 * time.Millisecond
	s := New(cfg, mgr, nil, testLogger())
	return s, d
}

func exchange(t *testing.T, c net.Conn, req string) string {
	t.Helper()
	if _, err := c.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4096)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf[:n])
}

func TestTCPEndToEnd(t *testing.T) {
	s, d := newTestServer(t, Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	c, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got := exchange(t, c, `{"pin":17,"direction":"output","value":1}`)
	want := `{"success":true,"message":"GPIO pin 17 configured as output and set to 1"}`
	if got != want {
		t.Errorf("reply = %s, want %s", got, want)
	}
	if d.Level(17) != 1 {
		t.Errorf("level = %d, want 1", d.Level(17))
	}

	got = exchange(t, c, `{"pin":17}`)
	if !strings.Contains(got, `"value":1`) {
		t.Errorf("read reply = %s", got)
	}

	got = exchange(t, c, `not json`)
	if got != `{"success":false,"error":"Invalid JSON request"}` {
		t.Errorf("bad json reply = %s", got)
	}
}

func TestStopReleasesLines(t *testing.T) {
	s, d := newTestServer(t, Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	c, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	exchange(t, c, `{"pin":4,"direction":"output"}`)
	if !d.Claimed(4) {
		t.Fatal("pin 4 not claimed")
	}

	s.Stop()
	if d.Claimed(4) {
		t.Error("pin 4 still claimed after Stop")
	}
	if _, err := net.DialTimeout("tcp", s.Addr().String(), 200*time.Millisecond); err == nil {
		t.Error("dial succeeded after Stop")
	}
}

func postTool(t *testing.T, url, tool string, args map[string]string) (int, []byte) {
	t.Helper()
	body, _ := json.Marshal(registry.ToolCall{
		Method: registry.MethodToolsCall,
		Params: registry.ToolCallParams{Name: tool, Arguments: args},
	})
	resp, err := http.Post(url+"/mcp", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func TestMCPGPIOControl(t *testing.T) {
	s, d := newTestServer(t, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	tests := []struct {
		name    string
		args    map[string]string
		success bool
		level   int
	}{
		{"on", map[string]string{"pin": "17", "action": "on"}, true, 1},
		{"toggle", map[string]string{"pin": "17", "action": "toggle"}, true, 0},
		{"toggle back", map[string]string{"pin": "17", "action": "toggle"}, true, 1},
		{"low", map[string]string{"pin": "17", "action": "low"}, true, 0},
		{"write", map[string]string{"pin": "17", "action": "write", "value": "1"}, true, 1},
		{"read", map[string]string{"pin": "17", "action": "read"}, true, 1},
		{"bad action", map[string]string{"pin": "17", "action": "explode"}, false, 1},
	}
	for _, tt := range tests {
		status, body := postTool(t, ts.URL, ToolGPIOControl, tt.args)
		if status != http.StatusOK {
			t.Fatalf("%s: status = %d", tt.name, status)
		}
		var resp gpio.ControlResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if resp.Success != tt.success {
			t.Errorf("%s: success = %v (%s)", tt.name, resp.Success, body)
		}
		if d.Level(17) != tt.level {
			t.Errorf("%s: level = %d, want %d", tt.name, d.Level(17), tt.level)
		}
	}
}

func TestMCPToggleUnconfigured(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	_, body := postTool(t, ts.URL, ToolGPIOControl, map[string]string{"pin": "9", "action": "toggle"})
	var resp gpio.ControlResponse
	json.Unmarshal(body, &resp)
	if resp.Success {
		t.Errorf("toggle on unconfigured pin succeeded: %s", body)
	}
}

func TestMCPStatusAndErrors(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	postTool(t, ts.URL, ToolGPIOControl, map[string]string{"pin": "3", "action": "on"})
	status, body := postTool(t, ts.URL, ToolGPIOStatus, nil)
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	var st gpio.Status
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if st.ActivePins != 1 || st.Pins[0].Pin != 3 {
		t.Errorf("status = %+v", st)
	}

	if status, _ := postTool(t, ts.URL, "warp_drive", nil); status != http.StatusNotFound {
		t.Errorf("unknown tool status = %d, want 404", status)
	}

	resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(`{"method":"tools/list"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("tools/list status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}

// The registry dispatcher reaches the bridge through the same /mcp endpoint.
func TestRegistryDispatchToBridge(t *testing.T) {
	s, d := newTestServer(t, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	host, p, _ := net.SplitHostPort(ts.Listener.Addr().String())
	port, _ := strconv.Atoi(p)
	reg := registry.New(testLogger())
	reg.Register("hardware-bridge", host, port, []string{ToolGPIOControl, ToolGPIOStatus})

	res, err := reg.Dispatch(context.Background(), "hardware-bridge", ToolGPIOControl, map[string]string{"pin": "21", "action": "on"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(res.Body), "GPIO pin 21 configured as output and set to 1") {
		t.Errorf("body = %s", res.Body)
	}
	if d.Level(21) != 1 {
		t.Errorf("level = %d, want 1", d.Level(21))
	}
	if e, _ := reg.Get("hardware-bridge"); e.Health != registry.HealthHealthy {
		t.Errorf("health = %s", e.Health)
	}
}

func TestHTTPListener(t *testing.T) {
	s, _ := newTestServer(t, Config{HTTPAddr: "127.0.0.1:0"})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	resp, err := http.Get("http://" + s.HTTPAddr().String() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d", resp.StatusCode)
	}
}
