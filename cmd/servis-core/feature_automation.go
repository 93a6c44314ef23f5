//go:build !no_automation

package main

import (
	"log/slog"

	"servis-go/internal/automation"
	"servis-go/internal/events"
	"servis-go/internal/gpio"
	"servis-go/internal/orchestrator"
	"servis-go/internal/registry"
	"servis-go/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

func initAutomation(bus *events.Bus, reg *registry.Registry, pins *gpio.Manager, orch *orchestrator.Server, cfg *Config, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	scriptMgr, err := automation.NewManager(cfg.ScriptsDir, logger)
	if err != nil {
		logger.Error("create script manager", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(bus, scriptMgr, logger,
		automation.WithDispatcher(reg),
		automation.WithPins(pins),
		automation.WithCommander(orch),
		automation.WithSystem(cfg.Automation),
	)
	engine.Start()

	opts := []web.ServerOption{
		web.WithAutomation(engine, scriptMgr),
	}
	return &autoStopper{engine: engine}, opts
}
