//go:build no_automation

package main

import (
	"log/slog"

	"servis-go/internal/events"
	"servis-go/internal/gpio"
	"servis-go/internal/orchestrator"
	"servis-go/internal/registry"
	"servis-go/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *events.Bus, _ *registry.Registry, _ *gpio.Manager, _ *orchestrator.Server, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
