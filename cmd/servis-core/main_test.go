package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Orchestrator.Listen != ":8080" {
		t.Errorf("orchestrator.listen = %q, want :8080", cfg.Orchestrator.Listen)
	}
	if cfg.Hardware.Listen != ":8081" {
		t.Errorf("hardware.listen = %q, want :8081", cfg.Hardware.Listen)
	}
	if cfg.GPIO.Driver != "auto" {
		t.Errorf("gpio.driver = %q, want auto", cfg.GPIO.Driver)
	}
	if cfg.Registry.CallTimeout != 5*time.Second {
		t.Errorf("registry.call_timeout = %v, want 5s", cfg.Registry.CallTimeout)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate defaults: %v", err)
	}
}

func TestLoadConfigSections(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
orchestrator:
  listen: "127.0.0.1:9000"
  recv_timeout: 500ms
services:
  - name: audio-service
    host: 127.0.0.1
    port: 9101
    capabilities: [play_music, set_volume]
routes:
  play_music:
    service: music-box
automation:
  exec_allowlist: [/usr/bin/uptime]
  exec_timeout: 3s
log:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Orchestrator.RecvTimeout != 500*time.Millisecond {
		t.Errorf("recv_timeout = %v", cfg.Orchestrator.RecvTimeout)
	}
	if len(cfg.Services) != 1 || cfg.Services[0].Port != 9101 || len(cfg.Services[0].Capabilities) != 2 {
		t.Errorf("services = %+v", cfg.Services)
	}
	if cfg.Routes["play_music"].Service != "music-box" {
		t.Errorf("routes = %+v", cfg.Routes)
	}
	if cfg.Automation.ExecTimeout != 3*time.Second || len(cfg.Automation.ExecAllowlist) != 1 {
		t.Errorf("automation = %+v", cfg.Automation)
	}
	if err := cfg.validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad listen", "orchestrator:\n  listen: nope\n", "orchestrator.listen"},
		{"bad port", "hardware:\n  listen: \":99999\"\n", "hardware.listen"},
		{"bad driver", "gpio:\n  driver: sysfs\n", "gpio.driver"},
		{"serial without port", "serial:\n  enabled: true\n", "serial.port"},
		{"serial bad device", "serial:\n  enabled: true\n  port: /dev/ttyACM0\n  device: z80\n", "serial.device"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n", "mqtt.broker"},
		{"service port", "services:\n  - {name: a, host: h, port: 0}\n", "services[0]"},
		{"duplicate service", "services:\n  - {name: a, host: h, port: 1}\n  - {name: a, host: h, port: 2}\n", "duplicate"},
		{"new route incomplete", "routes:\n  weather:\n    service: weather\n", "routes.weather"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil {
				t.Fatalf("validate() = nil, want error containing %q", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("loadConfig(missing) = nil error")
	}
}
