package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"servis-go/internal/events"
	"servis-go/internal/store"
)

// Command is one free-text command from any front-end.
type Command struct {
	ID        string
	Text      string
	Source    string
	SessionID uint32
	Context   map[string]string
}

// Reply is the result of processing a Command.
type Reply struct {
	CommandID  string            `json:"command_id"`
	SessionID  uint32            `json:"session_id,omitempty"`
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Params     map[string]string `json:"params,omitempty"`
	Service    string            `json:"service,omitempty"`
	Dispatched bool              `json:"dispatched"`
	Message    string            `json:"message"`
}

// ProcessCommand classifies cmd.Text and routes it. Context entries fill in
// parameters the classifier did not extract. The result is always a reply;
// failures are described in Reply.Message.
func (s *Server) ProcessCommand(ctx context.Context, cmd Command) Reply {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	res := s.classifier.Classify(cmd.Text)
	for k, v := range cmd.Context {
		if _, ok := res.Params[k]; !ok && strings.TrimSpace(v) != "" {
			res.Params[k] = v
		}
	}
	s.metrics.Intent(res.Intent)

	out := s.router.Route(ctx, res)
	sessionID := cmd.SessionID
	if out.SessionID != 0 {
		sessionID = out.SessionID
	}

	reply := Reply{
		CommandID:  cmd.ID,
		SessionID:  sessionID,
		Intent:     res.Intent,
		Confidence: res.Confidence,
		Params:     res.Params,
		Service:    out.Service,
		Dispatched: out.Dispatched,
		Message:    out.Message,
	}

	s.logger.Info("command processed",
		"id", cmd.ID, "source", cmd.Source, "intent", res.Intent,
		"confidence", res.Confidence, "service", out.Service, "dispatched", out.Dispatched)

	if s.auditor != nil {
		rec := &store.AuditRecord{
			CommandID:  cmd.ID,
			Source:     cmd.Source,
			Text:       cmd.Text,
			Intent:     res.Intent,
			Confidence: res.Confidence,
			Params:     res.Params,
			Service:    out.Service,
			Response:   out.Message,
			At:         time.Now(),
		}
		if err := s.auditor.AppendAudit(rec); err != nil {
			s.logger.Warn("audit append", "err", err)
		}
	}

	s.bus.Emit(events.Event{Type: events.CommandProcessed, Data: map[string]any{
		"command_id": cmd.ID,
		"source":     cmd.Source,
		"text":       cmd.Text,
		"intent":     res.Intent,
		"confidence": res.Confidence,
		"service":    out.Service,
		"message":    out.Message,
	}})
	return reply
}
