package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"servis-go/internal/intent"
	"servis-go/internal/registry"
)

// ConfidenceFloor is the minimum classifier confidence that may dispatch.
const ConfidenceFloor = 0.1

// Fixed replies.
const (
	MsgNotUnderstood   = "Sorry, I couldn't understand the command. Please try again."
	MsgDownloadQueued  = "Download request queued"
	MsgDownloadNoURL   = "File operation requires a URL"
	msgUnknownIntent   = "Unknown command intent: "
	msgNotAvailableFmt = "%s service not available"
)

// Route binds an intent to the service and tool that execute it.
type Route struct {
	Service string `yaml:"service" json:"service"`
	Tool    string `yaml:"tool" json:"tool"`
	// Prefix is prepended to the service's reply.
	Prefix string `yaml:"prefix" json:"prefix"`
	// Area names the service in the "not available" reply.
	Area string `yaml:"area" json:"area"`
}

// DefaultRoutes is the built-in routing table.
func DefaultRoutes() map[string]Route {
	return map[string]Route{
		intent.PlayMusic:       {Service: "audio-service", Tool: "play_music", Prefix: "Music command processed: ", Area: "Audio"},
		intent.ControlVolume:   {Service: "audio-service", Tool: "set_volume", Prefix: "Volume command processed: ", Area: "Audio"},
		intent.SwitchAudio:     {Service: "audio-service", Tool: "switch_output", Prefix: "Audio output switched: ", Area: "Audio"},
		intent.SystemControl:   {Service: "platform-service", Tool: "execute_command", Prefix: "System command executed: ", Area: "Platform"},
		intent.HardwareControl: {Service: "hardware-bridge", Tool: "gpio_control", Prefix: "Hardware command executed: ", Area: "Hardware"},
		intent.SmartHome:       {Service: "smart-home", Tool: "control_device", Prefix: "Smart home command processed: ", Area: "Smart home"},
		intent.Communication:   {Service: "communications", Tool: "send_message", Prefix: "Message sent: ", Area: "Communication"},
		intent.Navigation:      {Service: "navigation", Tool: "get_directions", Prefix: "Navigation: ", Area: "Navigation"},
	}
}

// Dispatcher performs a tool call on a named service.
type Dispatcher interface {
	Dispatch(ctx context.Context, service, tool string, params map[string]string) (registry.Result, error)
}

// LegacyProcessor handles the download request set.
type LegacyProcessor interface {
	Download(ctx context.Context, url string) (uint32, error)
	Status(id uint32) (string, error)
	Abort(id uint32) (string, error)
}

// Outcome is what routing one classified command produced.
type Outcome struct {
	Message    string
	Service    string
	Dispatched bool
	SessionID  uint32
	Err        error
}

// Router maps classified intents to service calls. Failures become reply
// text; Route never returns an error to its caller.
type Router struct {
	routes     map[string]Route
	dispatcher Dispatcher
	legacy     LegacyProcessor
	logger     *slog.Logger
}

// NewRouter builds a router. Entries in overrides replace or extend the
// default table field by field.
func NewRouter(d Dispatcher, legacy LegacyProcessor, overrides map[string]Route, logger *slog.Logger) *Router {
	routes := DefaultRoutes()
	for name, o := range overrides {
		r := routes[name]
		if o.Service != "" {
			r.Service = o.Service
		}
		if o.Tool != "" {
			r.Tool = o.Tool
		}
		if o.Prefix != "" {
			r.Prefix = o.Prefix
		}
		if o.Area != "" {
			r.Area = o.Area
		}
		if r.Area == "" {
			r.Area = r.Service
		}
		routes[name] = r
	}
	return &Router{
		routes:     routes,
		dispatcher: d,
		legacy:     legacy,
		logger:     logger.With("component", "router"),
	}
}

// Routes returns a copy of the routing table.
func (r *Router) Routes() map[string]Route {
	out := make(map[string]Route, len(r.routes))
	for k, v := range r.routes {
		out[k] = v
	}
	return out
}

// Route turns a classification into a reply.
func (r *Router) Route(ctx context.Context, res intent.Result) Outcome {
	if res.Confidence < ConfidenceFloor {
		return Outcome{Message: MsgNotUnderstood}
	}

	if res.Intent == intent.FileOperation {
		return r.fileOperation(ctx, res)
	}

	route, ok := r.routes[res.Intent]
	if !ok || route.Service == "" {
		return Outcome{Message: msgUnknownIntent + res.Intent}
	}

	result, err := r.dispatcher.Dispatch(ctx, route.Service, route.Tool, res.Params)
	if err != nil {
		r.logger.Warn("dispatch failed", "intent", res.Intent, "service", route.Service, "err", err)
		return Outcome{
			Message:    fmt.Sprintf(msgNotAvailableFmt, route.Area),
			Service:    route.Service,
			Dispatched: true,
			Err:        err,
		}
	}
	return Outcome{
		Message:    route.Prefix + strings.TrimSpace(string(result.Body)),
		Service:    route.Service,
		Dispatched: true,
	}
}

func (r *Router) fileOperation(ctx context.Context, res intent.Result) Outcome {
	u := res.Params["url"]
	if u == "" {
		return Outcome{Message: MsgDownloadNoURL}
	}
	if r.legacy == nil {
		return Outcome{Message: fmt.Sprintf(msgNotAvailableFmt, "Download"), Err: errors.New("no download processor")}
	}
	id, err := r.legacy.Download(ctx, u)
	if err != nil {
		return Outcome{Message: "Download request failed: " + err.Error(), Err: err}
	}
	return Outcome{Message: MsgDownloadQueued, SessionID: id}
}
