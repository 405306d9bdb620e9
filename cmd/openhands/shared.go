package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jagzmz/cloudflare-openhands-sdk/internal/agentserver"
	"github.com/jagzmz/cloudflare-openhands-sdk/internal/config"
	"github.com/jagzmz/cloudflare-openhands-sdk/internal/observability"
	"github.com/jagzmz/cloudflare-openhands-sdk/internal/sandbox"
)

// buildSandbox constructs the configured sandbox runtime. The docker
// runtime also brings its container up before returning.
func buildSandbox(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sandbox.Sandbox, error) {
	switch cfg.Sandbox.SandboxRuntime() {
	case "docker":
		dc := sandbox.DockerConfig{}
		if d := cfg.Sandbox.Docker; d != nil {
			dc = sandbox.DockerConfig{
				Name:         d.Name,
				Image:        d.Image,
				PublishPorts: d.PublishPorts,
				MemoryMB:     d.MemoryMB,
				CPUCores:     d.CPUCores,
				PIDsLimit:    d.PIDsLimit,
			}
		}
		ds := sandbox.NewDockerSandbox(dc, logger)
		if err := ds.EnsureContainer(ctx); err != nil {
			return nil, fmt.Errorf("bringing up sandbox container: %w", err)
		}
		return ds, nil
	default:
		lc := sandbox.LocalConfig{Name: cfg.Server.SandboxName}
		if l := cfg.Sandbox.Local; l != nil {
			if l.Name != "" {
				lc.Name = l.Name
			}
			lc.PreviewHostname = l.PreviewHostname
		}
		return sandbox.NewLocalSandbox(lc, logger), nil
	}
}

// buildCoordinator wires the coordinator with whatever observability is on.
func buildCoordinator(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) *agentserver.Coordinator {
	coord := agentserver.New(agentserver.Config{
		Binary:       cfg.Server.Binary,
		ProbeTimeout: cfg.Server.ProbeTimeout(),
	}, logger)

	if m := obs.MetricsOrNil(); m != nil {
		coord = coord.WithMetrics(agentserver.NewMetrics(m.Registry))
	}
	if ts := obs.TracerOrNil(); ts != nil {
		coord = coord.WithTracer(ts.Tracer())
	}
	return coord
}

// serverDefaults translates the server config into ensure options.
func serverDefaults(cfg *config.Config) agentserver.Options {
	return agentserver.Options{
		Port:        cfg.Server.Port,
		Directory:   cfg.Server.Directory,
		Hostname:    cfg.Server.Hostname,
		ExposePort:  cfg.Server.ExposePort,
		Env:         cfg.Server.Env,
		SandboxName: cfg.Server.SandboxName,
	}
}

// apiKeyMap maps each configured key to a stable client label for logs
// and rate limiting.
func apiKeyMap(keys []string) map[string]string {
	m := make(map[string]string, len(keys))
	for i, key := range keys {
		m[key] = fmt.Sprintf("client-%d", i+1)
	}
	return m
}
