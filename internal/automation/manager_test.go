//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta: ScriptMeta{Name: "Porch Light", Description: "relay on motion", Enabled: true},
		Code: `servis.log("hello")`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "porch_light" {
		t.Errorf("id = %q, want porch_light", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta.Name != "Porch Light" || got.Meta.Description != "relay on motion" || !got.Meta.Enabled {
		t.Errorf("meta = %+v", got.Meta)
	}
	if got.Code != "servis.log(\"hello\")\n" {
		t.Errorf("code = %q", got.Code)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)
	a, _ := m.Save(&Script{Meta: ScriptMeta{Name: "Hook"}})
	b, _ := m.Save(&Script{Meta: ScriptMeta{Name: "Hook"}})
	c, _ := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if a.ID != "hook" || b.ID != "hook_1" {
		t.Errorf("ids = %q, %q, want hook, hook_1", a.ID, b.ID)
	}
	if c.ID != "hook_2" {
		t.Errorf("empty slug id = %q, want hook_2", c.ID)
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0o644)

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if got := strings.Join(ids, ","); got != "alpha,mid,zeta" {
		t.Errorf("ids = %s", got)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	s, _ := m.Save(&Script{Meta: ScriptMeta{Name: "gone"}})
	if err := m.Delete(s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete err = %v, want ErrNotFound", err)
	}
	if err := m.Delete(s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestManagerInvalidID(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"", "..", "a/b", `a\b`, "x..y"} {
		if _, err := m.Get(id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("Get(%q) err = %v, want ErrInvalidID", id, err)
		}
	}
	if _, err := m.Save(&Script{ID: "../evil"}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Save err = %v, want ErrInvalidID", err)
	}
}

func TestParseScriptWithoutHeader(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(m.Dir(), "plain.lua")
	if err := os.WriteFile(path, []byte("\nservis.log('x')\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := m.Get("plain")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Meta.Enabled || s.Meta.Name != "plain" {
		t.Errorf("meta = %+v, want enabled and named after file", s.Meta)
	}
	if s.Code != "servis.log('x')\n" {
		t.Errorf("code = %q", s.Code)
	}
}

func TestParseScriptDisabled(t *testing.T) {
	m := newTestManager(t)
	path := filepath.Join(m.Dir(), "off.lua")
	os.WriteFile(path, []byte(`-- {"name":"Off","enabled":false}`+"\nservis.log('x')\n"), 0o644)
	s, err := m.Get("off")
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Enabled {
		t.Error("enabled = true, want false")
	}
}

func TestSerializeScript(t *testing.T) {
	got := serializeScript(&Script{Meta: ScriptMeta{Name: "A", Enabled: true}, Code: "x = 1"})
	want := "-- {\"name\":\"A\",\"enabled\":true}\n\nx = 1\n"
	if got != want {
		t.Errorf("serialize = %q, want %q", got, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Porch Light", "porch_light"},
		{"  GPIO 17 -> relay ", "gpio_17_relay"},
		{"___", ""},
		{strings.Repeat("a", 50), strings.Repeat("a", 40)},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
