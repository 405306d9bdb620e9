package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  port: 9001
  directory: /workspace/project
  sandbox_name: demo
  probe_timeout_s: 30
gateway:
  listen_addr: ":9090"
  api_keys: ["k1", "k2"]
sandbox:
  runtime: docker
  docker:
    image: openhands-runtime:dev
    publish_ports: [9001]
observability:
  metrics:
    enabled: true
  liveness:
    enabled: true
    schedule: "@every 10s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9001 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Server.ProbeTimeout() != 30*time.Second {
		t.Errorf("probe timeout = %s", cfg.Server.ProbeTimeout())
	}
	if cfg.Gateway.Addr() != ":9090" {
		t.Errorf("addr = %q", cfg.Gateway.Addr())
	}
	if len(cfg.Gateway.APIKeys) != 2 {
		t.Errorf("api keys = %v", cfg.Gateway.APIKeys)
	}
	if cfg.Sandbox.SandboxRuntime() != "docker" {
		t.Errorf("runtime = %q", cfg.Sandbox.SandboxRuntime())
	}
	if cfg.Sandbox.Docker.Image != "openhands-runtime:dev" {
		t.Errorf("image = %q", cfg.Sandbox.Docker.Image)
	}
	if cfg.Observability.Liveness.SampleSchedule() != "@every 10s" {
		t.Errorf("schedule = %q", cfg.Observability.Liveness.SampleSchedule())
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
  "server": {"port": 8001},
  "gateway": {"api_keys": ["secret"]},
  "sandbox": {}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8001 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if cfg.Sandbox.SandboxRuntime() != "local" {
		t.Errorf("runtime = %q, want local default", cfg.Sandbox.SandboxRuntime())
	}
	if cfg.Observability != nil {
		t.Error("observability should be nil when omitted")
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{"server": {}, "gateway": {}, "sandbox": {}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Gateway.Addr() != ":8090" {
		t.Errorf("addr = %q", cfg.Gateway.Addr())
	}
	if cfg.Server.ProbeTimeout() != 0 {
		t.Errorf("probe timeout = %s, want 0 (sandbox default)", cfg.Server.ProbeTimeout())
	}
	var m *MetricsConfig
	if m.MetricsPath() != "/metrics" {
		t.Errorf("metrics path = %q", m.MetricsPath())
	}
	var l *LivenessConfig
	if l.SampleSchedule() != "@every 30s" {
		t.Errorf("schedule = %q", l.SampleSchedule())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OPENHANDS_API_KEY", "env-key")
	t.Setenv("OPENHANDS_SERVER_PORT", "9009")
	t.Setenv("OPENHANDS_SANDBOX_RUNTIME", "docker")

	path := writeConfig(t, "config.json", `{
  "server": {"port": 8001},
  "gateway": {"api_keys": ["file-key"]},
  "sandbox": {"runtime": "local"}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9009 {
		t.Errorf("port = %d, want env override", cfg.Server.Port)
	}
	if cfg.Sandbox.SandboxRuntime() != "docker" {
		t.Errorf("runtime = %q, want env override", cfg.Sandbox.SandboxRuntime())
	}
	found := false
	for _, k := range cfg.Gateway.APIKeys {
		if k == "env-key" {
			found = true
		}
	}
	if !found {
		t.Errorf("api keys = %v, want env key appended", cfg.Gateway.APIKeys)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "port out of range",
			content: `{"server": {"port": 70000}, "gateway": {}, "sandbox": {}}`,
			wantErr: "out of range",
		},
		{
			name:    "expose without hostname",
			content: `{"server": {"expose_port": true}, "gateway": {}, "sandbox": {}}`,
			wantErr: "server.hostname is required",
		},
		{
			name:    "unknown runtime",
			content: `{"server": {}, "gateway": {}, "sandbox": {"runtime": "firecracker"}}`,
			wantErr: "not supported",
		},
		{
			name:    "rate limit zero",
			content: `{"server": {}, "gateway": {"rate_limit": {"requests_per_minute": 0}}, "sandbox": {}}`,
			wantErr: "must be positive",
		},
		{
			name:    "tracing without endpoint",
			content: `{"server": {}, "gateway": {}, "sandbox": {}, "observability": {"tracing": {"enabled": true}}}`,
			wantErr: "tracing.endpoint is required",
		},
		{
			name:    "bad tracing protocol",
			content: `{"server": {}, "gateway": {}, "sandbox": {}, "observability": {"tracing": {"enabled": true, "endpoint": "localhost:4317", "protocol": "thrift"}}}`,
			wantErr: "protocol",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, "config.json", tc.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
