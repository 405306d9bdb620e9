package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jagzmz/cloudflare-openhands-sdk/internal/agentserver"
)

// StartRequest is the JSON body for POST /v1/server/start.
// Every field is optional; empty fields fall back to the gateway's
// configured defaults.
type StartRequest struct {
	Port       int               `json:"port,omitempty"`
	Directory  string            `json:"directory,omitempty"`
	Hostname   string            `json:"hostname,omitempty"`
	ExposePort *bool             `json:"expose_port,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// StartResponse is the JSON response for POST /v1/server/start.
type StartResponse struct {
	Success    bool   `json:"success"`
	Outcome    string `json:"outcome"` // "started", "reused", or "recovered"
	ProcessID  string `json:"process_id"`
	Port       int    `json:"port"`
	BaseURL    string `json:"base_url"`
	PreviewURL string `json:"preview_url,omitempty"`
}

// StartupFailureBody is returned with HTTP 500 when the server could not
// be brought up. Stderr is the process output captured before it died.
type StartupFailureBody struct {
	Error     string `json:"error"`
	Port      int    `json:"port"`
	Command   string `json:"command,omitempty"`
	ProcessID string `json:"process_id,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
}

func (g *Gateway) handleServerStart(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	opts := g.defaults
	if req.Port != 0 {
		opts.Port = req.Port
	}
	if req.Directory != "" {
		opts.Directory = req.Directory
	}
	if req.Hostname != "" {
		opts.Hostname = req.Hostname
	}
	if req.ExposePort != nil {
		opts.ExposePort = *req.ExposePort
	}
	if len(req.Env) > 0 {
		opts.Env = req.Env
	}

	correlationID := newCorrelationID()
	requestID := uuid.New().String()

	g.logger.Info("server start requested",
		slog.String("client_id", clientID),
		slog.String("correlation_id", correlationID),
		slog.String("request_id", requestID),
		slog.Int("port", opts.Port),
	)

	srv, err := g.coordinator.Ensure(c.Context(), g.sbx, opts)
	if err != nil {
		if errors.Is(err, agentserver.ErrHostnameRequired) {
			return c.AbortBadRequest("hostname is required when expose_port is set")
		}

		g.logger.Error("server start failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		var se *agentserver.StartupError
		if errors.As(err, &se) {
			return c.JSON(http.StatusInternalServerError, StartupFailureBody{
				Error:     "agent server failed to start",
				Port:      se.Port,
				Command:   se.Command,
				ProcessID: se.ProcessID,
				Stderr:    se.Stderr,
			})
		}
		return c.AbortInternalServerError("agent server failed to start")
	}

	return c.OK(StartResponse{
		Success:    true,
		Outcome:    string(srv.Outcome),
		ProcessID:  srv.ProcessID,
		Port:       srv.Port,
		BaseURL:    srv.BaseURL,
		PreviewURL: srv.PreviewURL,
	})
}

// StatusResponse is the JSON response for GET /v1/server/status.
type StatusResponse struct {
	Success   bool   `json:"success"`
	Running   bool   `json:"running"`
	Port      int    `json:"port"`
	ProcessID string `json:"process_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Command   string `json:"command,omitempty"`
}

func (g *Gateway) handleServerStatus(c *okapi.Context) error {
	port := g.defaults.Port
	if port == 0 {
		port = agentserver.DefaultPort
	}

	proc, err := g.coordinator.Locate(c.Context(), g.sbx, port)
	if err != nil {
		g.logger.Error("server status failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("sandbox unavailable")
	}
	if proc == nil {
		// Soft negative: nothing running is a 404, not a server error.
		return c.JSON(http.StatusNotFound, okapi.M{
			"success": false,
			"error":   "no agent server running",
		})
	}

	return c.OK(StatusResponse{
		Success:   true,
		Running:   true,
		Port:      port,
		ProcessID: proc.ID(),
		Status:    string(proc.Status()),
		Command:   proc.Command(),
	})
}

// StopResponse is the JSON response for POST /v1/server/stop.
type StopResponse struct {
	Success   bool   `json:"success"`
	ProcessID string `json:"process_id"`
}

func (g *Gateway) handleServerStop(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	port := g.defaults.Port
	if port == 0 {
		port = agentserver.DefaultPort
	}

	id, err := g.coordinator.Stop(c.Context(), g.sbx, port)
	if err != nil {
		if errors.Is(err, agentserver.ErrNoServer) {
			return c.JSON(http.StatusNotFound, okapi.M{
				"success": false,
				"error":   "no agent server running",
			})
		}
		g.logger.Error("server stop failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("stop failed")
	}

	g.logger.Info("server stopped via api",
		slog.String("client_id", clientID),
		slog.String("process_id", id),
	)
	return c.OK(StopResponse{Success: true, ProcessID: id})
}

// HealthResponse is the JSON response for GET /v1/healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
