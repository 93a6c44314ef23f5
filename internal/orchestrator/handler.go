package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"

	"golang.org/x/time/rate"

	"servis-go/internal/conn"
	"servis-go/internal/envelope"
	"servis-go/internal/events"
	"servis-go/internal/protocol"
)

const (
	statusShuttingDown = "shutting down"
	msgRateLimited     = "rate limited"
	msgEmptyCommand    = "empty command"
)

// serveConn runs one connection: receive an envelope, route or forward it,
// respond, and repeat until the peer leaves or the server stops. Replies are
// written in arrival order.
func (s *Server) serveConn(ctx context.Context, c *conn.Conn) {
	defer s.connWG.Done()
	defer func() {
		c.Close()
		s.connsMu.Lock()
		delete(s.conns, c)
		s.connsMu.Unlock()
		s.metrics.ConnClosed("orchestrator")
	}()

	s.metrics.ConnOpened("orchestrator")
	peer := c.RemoteAddr()
	log := s.logger.With("peer", peer)
	log.Debug("connection accepted")

	var lim *rate.Limiter
	if s.cfg.RateLimit > 0 {
		lim = rate.NewLimiter(s.cfg.RateLimit, s.cfg.RateBurst)
	}

	for s.running.Load() {
		env, err := c.ReadEnvelope(s.cfg.RecvTimeout)
		switch {
		case err == nil:
		case protocol.IsRetryable(err):
			continue
		case protocol.IsDropped(err):
			log.Warn("envelope dropped", "err", err)
			s.metrics.DecodeError("socket", dropReason(err))
			continue
		default:
			if !errors.Is(err, io.EOF) {
				log.Debug("connection closed", "err", err)
			}
			return
		}
		s.metrics.Envelope(env.Type.String())

		var reply envelope.Body
		shutdown := false
		if lim != nil && !lim.Allow() {
			s.bus.Emit(events.Event{Type: events.CommandRejected, Data: map[string]any{
				"peer": peer, "reason": msgRateLimited,
			}})
			reply = envelope.ErrorResponse{Error: msgRateLimited}
		} else {
			reply, shutdown = s.handle(ctx, env, peer)
		}

		if reply != nil {
			if err := c.WriteEnvelope(envelope.New(reply)); err != nil {
				log.Warn("write reply", "err", err)
				return
			}
		}
		if shutdown {
			log.Info("shutdown requested by client")
			s.requestShutdown()
			return
		}
	}
}

// handle produces the reply for one request. Responses arriving from a
// client are logged and ignored.
func (s *Server) handle(ctx context.Context, env envelope.Envelope, peer string) (envelope.Body, bool) {
	switch b := env.Body.(type) {
	case envelope.CommandRequest:
		if strings.TrimSpace(b.Text) == "" {
			s.bus.Emit(events.Event{Type: events.CommandRejected, Data: map[string]any{
				"peer": peer, "reason": msgEmptyCommand,
			}})
			return envelope.ErrorResponse{Error: msgEmptyCommand}, false
		}
		r := s.ProcessCommand(ctx, Command{
			ID:        b.ID,
			Text:      b.Text,
			SessionID: b.SessionID,
			Context:   b.Context,
			Source:    "socket:" + peer,
		})
		return envelope.DownloadStatusResponse{SessionID: r.SessionID, Status: r.Message}, false

	case envelope.DownloadRequest:
		if s.legacy == nil {
			return envelope.ErrorResponse{Error: "downloads not available"}, false
		}
		id, err := s.legacy.Download(ctx, b.URL)
		if err != nil {
			return envelope.ErrorResponse{Error: err.Error()}, false
		}
		return envelope.DownloadResponse{SessionID: id}, false

	case envelope.DownloadStatusRequest:
		if s.legacy == nil {
			return envelope.ErrorResponse{Error: "downloads not available"}, false
		}
		status, err := s.legacy.Status(b.SessionID)
		if err != nil {
			return envelope.ErrorResponse{Error: err.Error()}, false
		}
		return envelope.DownloadStatusResponse{SessionID: b.SessionID, Status: status}, false

	case envelope.DownloadAbortRequest:
		if s.legacy == nil {
			return envelope.ErrorResponse{Error: "downloads not available"}, false
		}
		status, err := s.legacy.Abort(b.SessionID)
		if err != nil {
			return envelope.ErrorResponse{Error: err.Error()}, false
		}
		return envelope.DownloadStatusResponse{SessionID: b.SessionID, Status: status}, false

	case envelope.ShutdownRequest:
		return envelope.DownloadStatusResponse{Status: statusShuttingDown}, true

	default:
		s.logger.Debug("ignoring non-request envelope", "type", env.Type, "peer", peer)
		return nil, false
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrCRCMismatch):
		return "crc"
	case errors.Is(err, protocol.ErrBufferOverflow):
		return "overflow"
	case errors.Is(err, protocol.ErrUnsupportedCommand):
		return "unsupported"
	default:
		return "invalid"
	}
}
