// Package config handles loading and validating coordinator configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for the coordinator.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig describes the agent server the coordinator supervises.
type ServerConfig struct {
	Binary              string            `json:"binary,omitempty" yaml:"binary,omitempty"`                 // Agent server binary path. Default: /opt/openhands/agent-server.
	Port                int               `json:"port,omitempty" yaml:"port,omitempty"`                     // Default: 8001. Override: OPENHANDS_SERVER_PORT env var.
	Directory           string            `json:"directory,omitempty" yaml:"directory,omitempty"`           // Working directory for the server process.
	Hostname            string            `json:"hostname,omitempty" yaml:"hostname,omitempty"`             // Edge hostname for preview URLs. Override: OPENHANDS_HOSTNAME env var.
	ExposePort          bool              `json:"expose_port" yaml:"expose_port"`                           // Register the port with the edge on start.
	Env                 map[string]string `json:"env,omitempty" yaml:"env,omitempty"`                       // Extra environment for fresh spawns.
	SandboxName         string            `json:"sandbox_name,omitempty" yaml:"sandbox_name,omitempty"`     // Identifies the sandbox in logs and preview URLs.
	ProbeTimeoutSeconds int               `json:"probe_timeout_s,omitempty" yaml:"probe_timeout_s,omitempty"` // Readiness wait bound. Default: 60.
}

// ProbeTimeout returns the readiness wait bound as a duration.
// Zero config means the sandbox default applies.
func (s *ServerConfig) ProbeTimeout() time.Duration {
	if s.ProbeTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(s.ProbeTimeoutSeconds) * time.Second
}

// GatewayConfig configures the HTTP gateway.
type GatewayConfig struct {
	ListenAddr string           `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"` // Default: ":8090". Override: OPENHANDS_LISTEN_ADDR env var.
	APIKeys    []string         `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`       // Bearer keys. OPENHANDS_API_KEY env var appends one.
	EnableDocs bool             `json:"enable_docs" yaml:"enable_docs"`                     // Serve OpenAPI docs.
	RateLimit  *RateLimitConfig `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`   // nil = rate limiting disabled
}

// Addr returns the configured listen address, defaulting to ":8090".
func (g *GatewayConfig) Addr() string {
	if g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8090"
}

// RateLimitConfig configures per-key request throttling.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Default: 120.
	Burst             int `json:"burst,omitempty" yaml:"burst,omitempty"`         // Default: equal to requests_per_minute.
}

// SandboxConfig selects and configures the sandbox runtime.
type SandboxConfig struct {
	Runtime string               `json:"runtime,omitempty" yaml:"runtime,omitempty"` // "local" (default) or "docker". Override: OPENHANDS_SANDBOX_RUNTIME env var.
	Local   *LocalSandboxConfig  `json:"local,omitempty" yaml:"local,omitempty"`
	Docker  *DockerSandboxConfig `json:"docker,omitempty" yaml:"docker,omitempty"`
}

// SandboxRuntime returns the configured runtime, defaulting to "local".
func (s *SandboxConfig) SandboxRuntime() string {
	if s != nil && s.Runtime != "" {
		return s.Runtime
	}
	return "local"
}

// LocalSandboxConfig holds local-runtime settings.
type LocalSandboxConfig struct {
	Name            string `json:"name,omitempty" yaml:"name,omitempty"`                         // Default: derived from server.sandbox_name.
	PreviewHostname string `json:"preview_hostname,omitempty" yaml:"preview_hostname,omitempty"` // Hostname minted into preview URLs.
}

// DockerSandboxConfig holds docker-runtime settings.
type DockerSandboxConfig struct {
	Name         string  `json:"name,omitempty" yaml:"name,omitempty"`                   // Container name. Default: openhands-sandbox.
	Image        string  `json:"image,omitempty" yaml:"image,omitempty"`                 // Default: openhands-runtime:latest.
	PublishPorts []int   `json:"publish_ports,omitempty" yaml:"publish_ports,omitempty"` // Ports published on 127.0.0.1.
	MemoryMB     int     `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`         // Default: 2048.
	CPUCores     float64 `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`         // Default: 2.0.
	PIDsLimit    int     `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"`       // Default: 256.
}

// ObservabilityConfig configures metrics, tracing, health checks, and the
// liveness sampler. When nil, all observability features are disabled.
type ObservabilityConfig struct {
	Metrics  *MetricsConfig  `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing  *TracingConfig  `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health   *HealthConfig   `json:"health,omitempty" yaml:"health,omitempty"`
	Liveness *LivenessConfig `json:"liveness,omitempty" yaml:"liveness,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path, defaulting to "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "openhands-coordinator"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency checks for the readiness probe.
type HealthConfig struct {
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"` // Probe the sandbox process table on /readyz.
}

// LivenessConfig configures the scheduled sampler that refreshes the
// server-up gauge by re-scanning the sandbox process table.
type LivenessConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"` // Cron expression. Default: "@every 30s".
}

// SampleSchedule returns the sampler schedule, defaulting to every 30s.
func (l *LivenessConfig) SampleSchedule() string {
	if l != nil && l.Schedule != "" {
		return l.Schedule
	}
	return "@every 30s"
}

// DefaultConfigPath returns the default config file path (~/.openhands/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/openhands.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".openhands", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Gateway keys and server settings can be set in the config
// file or overridden by environment variables. Environment variables take
// precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides layers environment variables over file values.
func (c *Config) applyEnvOverrides() {
	if envKey := os.Getenv("OPENHANDS_API_KEY"); envKey != "" {
		c.Gateway.APIKeys = append(c.Gateway.APIKeys, envKey)
	}
	if envAddr := os.Getenv("OPENHANDS_LISTEN_ADDR"); envAddr != "" {
		c.Gateway.ListenAddr = envAddr
	}
	if envPort := os.Getenv("OPENHANDS_SERVER_PORT"); envPort != "" {
		if port, err := strconv.Atoi(envPort); err == nil {
			c.Server.Port = port
		}
	}
	if envBin := os.Getenv("OPENHANDS_SERVER_BINARY"); envBin != "" {
		c.Server.Binary = envBin
	}
	if envHost := os.Getenv("OPENHANDS_HOSTNAME"); envHost != "" {
		c.Server.Hostname = envHost
	}
	if envRuntime := os.Getenv("OPENHANDS_SANDBOX_RUNTIME"); envRuntime != "" {
		c.Sandbox.Runtime = envRuntime
	}
	if envEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); envEndpoint != "" {
		if c.Observability != nil && c.Observability.Tracing != nil {
			c.Observability.Tracing.Endpoint = envEndpoint
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.ExposePort && c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required when server.expose_port is set (set OPENHANDS_HOSTNAME env var)")
	}
	switch c.Sandbox.SandboxRuntime() {
	case "local", "docker":
		// valid
	default:
		return fmt.Errorf("sandbox.runtime %q is not supported (use local or docker)", c.Sandbox.Runtime)
	}
	if c.Sandbox.Docker != nil {
		if c.Sandbox.Docker.MemoryMB < 0 {
			return fmt.Errorf("sandbox.docker.memory_mb must not be negative")
		}
		for i, port := range c.Sandbox.Docker.PublishPorts {
			if port < 1 || port > 65535 {
				return fmt.Errorf("sandbox.docker.publish_ports[%d] %d is out of range", i, port)
			}
		}
	}
	if c.Gateway.RateLimit != nil {
		if c.Gateway.RateLimit.RequestsPerMinute <= 0 {
			return fmt.Errorf("gateway.rate_limit.requests_per_minute must be positive")
		}
		if c.Gateway.RateLimit.Burst < 0 {
			return fmt.Errorf("gateway.rate_limit.burst must not be negative")
		}
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		t := c.Observability.Tracing
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0.0 and 1.0")
		}
	}
	return nil
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
