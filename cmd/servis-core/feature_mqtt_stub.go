//go:build no_mqtt

package main

import (
	"log/slog"

	"servis-go/internal/events"
	"servis-go/internal/gpio"
	"servis-go/internal/metrics"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *gpio.Manager, _ *events.Bus, _ *metrics.Metrics, cfg *Config, logger *slog.Logger) *mqttStopper {
	if cfg.MQTT.Enabled {
		logger.Warn("mqtt enabled in config but not compiled in")
	}
	return &mqttStopper{}
}
