package hwserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"servis-go/internal/gpio"
	"servis-go/internal/registry"
)

const ingressMCP = "mcp"

// Tool names served on /mcp.
const (
	ToolGPIOControl = "gpio_control"
	ToolGPIOStatus  = "gpio_status"
)

// Handler returns the HTTP surface: POST /mcp and GET /health.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Post("/mcp", s.handleMCP)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_pins": s.gpio.Status().ActivePins,
	})
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var call registry.ToolCall
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(&call); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request: " + err.Error()})
		return
	}
	if call.Method != registry.MethodToolsCall {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported method: " + call.Method})
		return
	}

	switch call.Params.Name {
	case ToolGPIOControl:
		owner := "mcp:" + r.RemoteAddr
		if id := middleware.GetReqID(r.Context()); id != "" {
			owner = "mcp:" + id
		}
		resp := s.toolControl(call.Params.Arguments, owner)
		s.metrics.GPIO("control", ingressMCP, resp.Success)
		s.writeJSON(w, http.StatusOK, resp)
	case ToolGPIOStatus:
		s.metrics.GPIO("status", ingressMCP, true)
		s.writeJSON(w, http.StatusOK, s.gpio.Status())
	default:
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown tool: " + call.Params.Name})
	}
}

// toolControl maps tool arguments onto a control request. action takes
// on|high, off|low, read, toggle or write; an explicit direction is passed
// through unchanged.
func (s *Server) toolControl(args map[string]string, owner string) gpio.ControlResponse {
	req := gpio.ControlRequest{Pin: -1, Value: -1}
	if p, err := strconv.Atoi(strings.TrimSpace(args["pin"])); err == nil {
		req.Pin = p
	}
	if v, err := strconv.Atoi(strings.TrimSpace(args["value"])); err == nil {
		req.Value = v
	}
	req.Direction = strings.ToLower(strings.TrimSpace(args["direction"]))

	switch strings.ToLower(strings.TrimSpace(args["action"])) {
	case "on", "high":
		req.Direction, req.Value = "output", 1
	case "off", "low":
		req.Direction, req.Value = "output", 0
	case "read":
		req.Direction, req.Value = "", -1
	case "toggle":
		return s.gpio.ToggleControl(req.Pin)
	case "write", "":
	default:
		return gpio.ControlResponse{Success: false, Error: "Unsupported action: " + args["action"]}
	}
	return s.gpio.Control(req, owner)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
