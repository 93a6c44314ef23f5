//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEngine() *Engine {
	return &Engine{logger: testLogger(), vms: make(map[string]*scriptVM)}
}

func TestSystemDatetimeReturnsNumber(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newTestEngine())

	for _, c := range []string{"hour", "minute", "second", "weekday", "day", "month", "year", "timestamp"} {
		if err := L.DoString(`_result = system.datetime("` + c + `")`); err != nil {
			t.Fatalf("%s: %v", c, err)
		}
		if got := L.GetGlobal("_result").Type(); got != lua.LTNumber {
			t.Errorf("datetime(%s) type = %v, want number", c, got)
		}
	}
}

func TestSystemDatetimeReturnsString(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newTestEngine())

	if err := L.DoString(`_result = system.datetime("date_str")`); err != nil {
		t.Fatal(err)
	}
	want := time.Now().Format("2006-01-02")
	if got := L.GetGlobal("_result").String(); got != want {
		t.Errorf("date_str = %q, want %q", got, want)
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	registerSystemModule(L, newTestEngine())

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("unknown component accepted")
	}
}

func TestHourBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{10, 8, 22, true},
		{8, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
	}
	for _, tt := range tests {
		if got := hourBetween(tt.hour, tt.from, tt.to); got != tt.want {
			t.Errorf("hourBetween(%d, %d, %d) = %v, want %v", tt.hour, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSystemExecBlocked(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		cmd       string
	}{
		{"empty allowlist", nil, "ls"},
		{"relative path", []string{"ls"}, "ls"},
		{"not listed", []string{"/usr/bin/echo"}, "/usr/bin/ls"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			L := lua.NewState()
			defer L.Close()
			e := newTestEngine()
			e.systemCfg.ExecAllowlist = tt.allowlist
			registerSystemModule(L, e)

			if err := L.DoString(`_result = system.exec("` + tt.cmd + `")`); err != nil {
				t.Fatal(err)
			}
			if s, ok := L.GetGlobal("_result").(lua.LString); !ok || s != "" {
				t.Errorf("exec returned %v, want empty string", L.GetGlobal("_result"))
			}
		})
	}
}

func TestSystemExecAllowed(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	e := newTestEngine()
	e.systemCfg.ExecAllowlist = []string{"/bin/echo"}
	e.systemCfg.ExecTimeout = 5 * time.Second
	registerSystemModule(L, e)

	if err := L.DoString(`_result = system.exec("/bin/echo hello")`); err != nil {
		t.Fatal(err)
	}
	if got := L.GetGlobal("_result").String(); got != "hello\n" {
		t.Errorf("exec returned %q, want %q", got, "hello\n")
	}
}
