package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"scriptcage/internal/middleware"
	"scriptcage/internal/service"
)

const streamReadLimit = 16 << 20

// Envelope types for client <-> server communication.
const (
	envelopeRun    = "run"
	envelopeClose  = "close"
	envelopeResult = "result"
	envelopeError  = "error"
	envelopeClosed = "closed"
)

type streamRequest struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	service.RunRequest
}

type streamReply struct {
	Type    string              `json:"type"`
	ID      string              `json:"id,omitempty"`
	Outcome *service.RunOutcome `json:"outcome,omitempty"`
	Message string              `json:"message,omitempty"`
}

// StreamHandler runs scripts sent over a websocket, one at a time, answering
// each run envelope with a result (completed run) or error (script fault or
// bad envelope) envelope carrying the same id.
type StreamHandler struct {
	runner      *service.ScriptRunner
	origins     []string
	connections prometheus.Gauge
	log         zerolog.Logger
}

// NewStreamHandler accepts upgrades from the allowed origins; an empty list
// or "*" skips the origin check. connections may be nil.
func NewStreamHandler(runner *service.ScriptRunner, origins []string, connections prometheus.Gauge, log zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		runner:      runner,
		origins:     origins,
		connections: connections,
		log:         log.With().Str("component", "stream").Logger(),
	}
}

func (h *StreamHandler) acceptOptions() *websocket.AcceptOptions {
	if len(h.origins) == 0 || slices.Contains(h.origins, "*") {
		return &websocket.AcceptOptions{InsecureSkipVerify: true}
	}
	patterns := make([]string, 0, len(h.origins))
	for _, o := range h.origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		} else {
			patterns = append(patterns, o)
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: patterns}
}

func (h *StreamHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.log.Warn().Err(err).Msg("accept stream connection")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(streamReadLimit)

	if h.connections != nil {
		h.connections.Inc()
		defer h.connections.Dec()
	}

	ctx := r.Context()
	wsID := middleware.GetWorkspaceID(ctx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				h.log.Debug().Err(err).Msg("stream read")
			}
			return
		}

		var msg streamRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			h.reply(ctx, conn, streamReply{Type: envelopeError, Message: "invalid envelope: " + err.Error()})
			continue
		}

		switch msg.Type {
		case envelopeRun:
			h.run(ctx, conn, wsID, msg)
		case envelopeClose:
			h.reply(ctx, conn, streamReply{Type: envelopeClosed, ID: msg.ID})
			conn.Close(websocket.StatusNormalClosure, "client requested close")
			return
		default:
			h.reply(ctx, conn, streamReply{Type: envelopeError, ID: msg.ID, Message: "unknown envelope type: " + msg.Type})
		}
	}
}

func (h *StreamHandler) run(ctx context.Context, conn *websocket.Conn, wsID int64, msg streamRequest) {
	out, err := h.runner.Execute(ctx, wsID, msg.RunRequest)
	switch {
	case err != nil:
		h.reply(ctx, conn, streamReply{Type: envelopeError, ID: msg.ID, Message: err.Error()})
	case out.Error != nil:
		h.reply(ctx, conn, streamReply{Type: envelopeError, ID: msg.ID, Outcome: out, Message: out.Error.Message})
	default:
		h.reply(ctx, conn, streamReply{Type: envelopeResult, ID: msg.ID, Outcome: out})
	}
}

func (h *StreamHandler) reply(ctx context.Context, conn *websocket.Conn, msg streamReply) {
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		h.log.Debug().Err(err).Str("type", msg.Type).Msg("stream write")
	}
}
