//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"servis-go/internal/events"
	"servis-go/internal/gpio"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/servis_gpio_17/gpio/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is the subset of HA discovery fields used for pins.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template"`
	PayloadOn         string   `json:"payload_on"`
	PayloadOff        string   `json:"payload_off"`
	StateOn           string   `json:"state_on,omitempty"`
	StateOff          string   `json:"state_off,omitempty"`
	Device            haDevice `json:"device"`
}

func pinUniqueID(pin int) string { return fmt.Sprintf("servis_gpio_%d", pin) }

// buildPinDiscovery describes one claimed pin: outputs become switches,
// inputs binary sensors. Both read their state from the status response.
func buildPinDiscovery(pin int, dir gpio.Direction, topicPrefix, eventPrefix string) []discoveryMsg {
	id := pinUniqueID(pin)
	d := haDiscovery{
		Name:              fmt.Sprintf("GPIO %d", pin),
		UniqueID:          id,
		StateTopic:        topicPrefix + "/status_response",
		AvailabilityTopic: eventPrefix + "/bridge/state",
		ValueTemplate:     fmt.Sprintf("{%% for p in value_json.pins if p.pin == %d %%}{{ 'ON' if p.value == 1 else 'OFF' }}{%% endfor %%}", pin),
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device: haDevice{
			Identifiers:  []string{"servis_hardware_bridge"},
			Manufacturer: "servis",
			Model:        "hardware-bridge",
			Name:         "Hardware bridge",
		},
	}

	component, other := "binary_sensor", "switch"
	if dir == gpio.Output {
		component, other = "switch", "binary_sensor"
		d.CommandTopic = fmt.Sprintf("%s/pin/%d/set", topicPrefix, pin)
		d.StateOn, d.StateOff = "ON", "OFF"
	}
	return []discoveryMsg{
		{Topic: discoveryTopic(other, id), Payload: nil},
		{Topic: discoveryTopic(component, id), Payload: mustJSON(d)},
	}
}

// buildRemovePinDiscovery clears both possible components for pin.
func buildRemovePinDiscovery(pin int) []discoveryMsg {
	id := pinUniqueID(pin)
	return []discoveryMsg{
		{Topic: discoveryTopic("switch", id)},
		{Topic: discoveryTopic("binary_sensor", id)},
	}
}

func discoveryTopic(component, id string) string {
	return fmt.Sprintf("homeassistant/%s/%s/gpio/config", component, id)
}

func (b *Bridge) publishAllDiscovery() {
	if !b.cfg.Discovery {
		return
	}
	for _, p := range b.gpio.Status().Pins {
		dir := gpio.Input
		if p.IsOutput {
			dir = gpio.Output
		}
		b.announce(p.Pin, dir, true)
	}
}

func (b *Bridge) handlePinChange(e events.Event) {
	pin, _ := e.Data["pin"].(int)
	op, _ := e.Data["op"].(string)
	switch op {
	case "configure":
		dir, _ := gpio.ParseDirection(fmt.Sprint(e.Data["direction"]))
		b.announce(pin, dir, false)
	case "release":
		b.discMu.Lock()
		delete(b.announced, pin)
		b.discMu.Unlock()
		for _, msg := range buildRemovePinDiscovery(pin) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
}

// announce publishes discovery for pin unless it is already known with the
// same direction.
func (b *Bridge) announce(pin int, dir gpio.Direction, force bool) {
	b.discMu.Lock()
	prev, seen := b.announced[pin]
	b.announced[pin] = dir
	b.discMu.Unlock()
	if seen && prev == dir && !force {
		return
	}
	for _, msg := range buildPinDiscovery(pin, dir, b.cfg.TopicPrefix, b.cfg.EventPrefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "pin", pin, "direction", dir)
}
