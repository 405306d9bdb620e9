// Package ws implements the WebSocket endpoint that streams agent server
// output to connected clients. Clients receive incremental stdout/stderr
// deltas polled from the sandbox, and a final exit event when the server
// process dies.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jagzmz/cloudflare-openhands-sdk/internal/agentserver"
	"github.com/jagzmz/cloudflare-openhands-sdk/internal/sandbox"
)

const defaultPollInterval = 2 * time.Second

// Event is a single frame sent to the client.
type Event struct {
	Type      string `json:"type"` // "logs", "exit", or "error"
	Stdout    string `json:"stdout,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
	Status    string `json:"status,omitempty"`
	ProcessID string `json:"process_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Streamer serves the log streaming endpoint.
type Streamer struct {
	coordinator *agentserver.Coordinator
	sbx         sandbox.Sandbox
	port        int
	apiKeys     map[string]string
	logger      *slog.Logger
	interval    time.Duration
}

// NewStreamer creates a log streamer for the agent server on the given port.
func NewStreamer(coord *agentserver.Coordinator, sbx sandbox.Sandbox, port int, apiKeys map[string]string, logger *slog.Logger) *Streamer {
	return &Streamer{
		coordinator: coord,
		sbx:         sbx,
		port:        port,
		apiKeys:     apiKeys,
		logger:      logger,
		interval:    defaultPollInterval,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Streamer) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Streamer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"openhands-logs-v1"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.stream(r.Context(), conn)
}

// authorized accepts the API key from the token query parameter or a
// Bearer header; browsers cannot set headers on WebSocket dials.
func (s *Streamer) authorized(r *http.Request) bool {
	if len(s.apiKeys) == 0 {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimPrefix(header, "Bearer ")
	}
	for key := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func (s *Streamer) stream(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	proc, err := s.coordinator.Locate(ctx, s.sbx, s.port)
	if err != nil {
		_ = s.writeEvent(ctx, conn, Event{Type: "error", Error: "sandbox unavailable"})
		return
	}
	if proc == nil {
		_ = s.writeEvent(ctx, conn, Event{Type: "error", Error: "no agent server running"})
		return
	}

	s.logger.Info("log stream opened",
		slog.String("process_id", proc.ID()),
		slog.Int("port", s.port),
	)

	var sentOut, sentErr int
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		logs, err := proc.Logs(ctx)
		if err != nil {
			_ = s.writeEvent(ctx, conn, Event{Type: "error", Error: "log capture unavailable"})
			return
		}

		var ev Event
		ev.Stdout, sentOut = tail(logs.Stdout, sentOut)
		ev.Stderr, sentErr = tail(logs.Stderr, sentErr)
		if ev.Stdout != "" || ev.Stderr != "" {
			ev.Type = "logs"
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				return
			}
		}

		if !proc.Status().Alive() {
			_ = s.writeEvent(ctx, conn, Event{
				Type:      "exit",
				Status:    string(proc.Status()),
				ProcessID: proc.ID(),
			})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Streamer) writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// tail returns the part of full not yet sent and the new sent offset.
// A shrinking buffer means the capture was reset; resend from the start.
func tail(full string, sent int) (string, int) {
	if sent > len(full) {
		sent = 0
	}
	return full[sent:], len(full)
}
