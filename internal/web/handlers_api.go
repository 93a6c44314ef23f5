package web

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"servis-go/internal/downloads"
	"servis-go/internal/frontend"
	"servis-go/internal/gpio"
	"servis-go/internal/protocol"
	"servis-go/internal/store"
)

const defaultAuditLimit = 50

func (s *Server) handleAPIListServices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleAPIGetService(w http.ResponseWriter, r *http.Request) {
	e, ok := s.registry.Get(r.PathValue("name"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "service not found")
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

type registerServiceRequest struct {
	Name         string   `json:"name"`
	Host         string   `json:"host"`
	Port         int      `json:"port"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleAPIRegisterService(w http.ResponseWriter, r *http.Request) {
	var req registerServiceRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || req.Host == "" {
		s.writeError(w, http.StatusBadRequest, "name and host are required")
		return
	}
	if req.Port <= 0 || req.Port > 65535 {
		s.writeError(w, http.StatusBadRequest, "port must be between 1 and 65535")
		return
	}

	s.registry.Register(req.Name, req.Host, req.Port, req.Capabilities)
	e, _ := s.registry.Get(req.Name)
	s.writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleAPIUnregisterService(w http.ResponseWriter, r *http.Request) {
	if !s.registry.Unregister(r.PathValue("name")) {
		s.writeError(w, http.StatusNotFound, "service not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type callServiceRequest struct {
	Tool      string            `json:"tool"`
	Arguments map[string]string `json:"arguments"`
}

func (s *Server) handleAPICallService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req callServiceRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Tool == "" {
		s.writeError(w, http.StatusBadRequest, "tool is required")
		return
	}

	res, err := s.registry.Dispatch(r.Context(), name, req.Tool, req.Arguments)
	switch {
	case errors.Is(err, protocol.ErrServiceNotFound):
		s.writeError(w, http.StatusNotFound, "service not found")
		return
	case err != nil:
		s.logger.Warn("service call failed", "service", name, "tool", req.Tool, "err", err)
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status_code": res.StatusCode,
		"body":        string(res.Body),
	})
}

type textRequest struct {
	Text    string            `json:"text"`
	Context map[string]string `json:"context,omitempty"`
}

func (s *Server) handleAPIClassify(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.classifier.Classify(req.Text))
}

func (s *Server) handleAPICommand(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	resp := s.runCommand(r.Context(), req.Text, frontend.Context{
		UserID:   r.Header.Get("X-User-ID"),
		Metadata: req.Context,
	})
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAPIListSessions(w http.ResponseWriter, r *http.Request) {
	if s.downloads == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	sessions, err := s.downloads.List()
	if err != nil {
		s.logger.Error("list sessions", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleAPICreateSession(w http.ResponseWriter, r *http.Request) {
	if s.downloads == nil {
		s.writeError(w, http.StatusServiceUnavailable, "downloads not available")
		return
	}
	var req createSessionRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}

	id, err := s.downloads.Download(r.Context(), req.URL)
	switch {
	case errors.Is(err, downloads.ErrInvalidURL):
		s.writeError(w, http.StatusBadRequest, "invalid url")
		return
	case errors.Is(err, downloads.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.logger.Error("create session", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	sess, err := s.downloads.Get(id)
	if err != nil {
		s.writeJSON(w, http.StatusAccepted, map[string]uint32{"id": id})
		return
	}
	s.writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	if s.downloads == nil {
		s.writeError(w, http.StatusNotFound, "session not found")
		return 0, false
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return uint32(id), true
}

func (s *Server) handleAPIGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.downloads.Get(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleAPIAbortSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	status, err := s.downloads.Abort(id)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": status})
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.logger.Error("session lookup", "err", err)
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) handleAPIListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	recs, err := s.audit.ListAudit(limit)
	if err != nil {
		s.logger.Error("list audit", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if recs == nil {
		recs = []*store.AuditRecord{}
	}
	s.writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleAPIGPIOStatus(w http.ResponseWriter, r *http.Request) {
	if s.gpio == nil {
		s.writeError(w, http.StatusServiceUnavailable, "gpio not available")
		return
	}
	s.metrics.GPIO("status", "web", true)
	s.writeJSON(w, http.StatusOK, s.gpio.Status())
}

// handleAPIGPIOControl accepts the same JSON control message as the
// hardware port and broker topic.
func (s *Server) handleAPIGPIOControl(w http.ResponseWriter, r *http.Request) {
	if s.gpio == nil {
		s.writeError(w, http.StatusServiceUnavailable, "gpio not available")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := gpio.ParseControl(body)
	var resp gpio.ControlResponse
	if err != nil {
		resp = gpio.ControlResponse{Error: "Invalid JSON request"}
	} else {
		resp = s.gpio.Control(req, "web")
	}
	s.metrics.GPIO("control", "web", resp.Success)

	status := http.StatusOK
	if !resp.Success {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, resp)
}
