package httpapi

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jagzmz/cloudflare-openhands-sdk/internal/agentserver"
)

// proxyHandler forwards /proxy/* requests to the agent server inside the
// sandbox. It never starts a server: a missing server is the caller's
// problem, reported as 502.
func (g *Gateway) proxyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := g.clientFromRequest(r)
		if clientID == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		if g.limiter != nil {
			if err := g.limiter.Allow(clientID); err != nil {
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}

		port := g.defaults.Port
		if port == 0 {
			port = agentserver.DefaultPort
		}

		proc, err := g.coordinator.Locate(r.Context(), g.sbx, port)
		if err != nil {
			g.logger.Error("proxy locate failed", slog.String("error", err.Error()))
			writeJSONError(w, http.StatusBadGateway, "sandbox unavailable")
			return
		}
		if proc == nil {
			writeJSONError(w, http.StatusBadGateway, "no agent server running")
			return
		}

		upstream := r.Clone(r.Context())
		upstream.URL.Path = strippedPath(r.URL.Path)
		upstream.RequestURI = ""

		start := time.Now()
		resp, err := agentserver.Forward(r.Context(), g.sbx, &agentserver.Server{Port: port}, upstream)
		duration := time.Since(start).Seconds()

		if err != nil {
			if g.config.Metrics != nil {
				g.config.Metrics.ProxyRequestsTotal.WithLabelValues(r.Method, "502").Inc()
				g.config.Metrics.ProxyRequestDuration.WithLabelValues(r.Method).Observe(duration)
			}
			g.logger.Error("proxy forward failed",
				slog.String("method", r.Method),
				slog.String("path", upstream.URL.Path),
				slog.String("error", err.Error()),
			)
			writeJSONError(w, http.StatusBadGateway, "agent server unreachable")
			return
		}
		defer resp.Body.Close()

		if g.config.Metrics != nil {
			g.config.Metrics.ProxyRequestsTotal.WithLabelValues(r.Method, statusCodeLabel(resp.StatusCode)).Inc()
			g.config.Metrics.ProxyRequestDuration.WithLabelValues(r.Method).Observe(duration)
		}

		copyHeader(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	})
}

// strippedPath removes the /proxy mount prefix, leaving the upstream path.
func strippedPath(path string) string {
	p := strings.TrimPrefix(path, "/proxy")
	if p == "" {
		return "/"
	}
	return p
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}

func statusCodeLabel(code int) string {
	return strconv.Itoa(code)
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg})
}
