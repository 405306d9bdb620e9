package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jagzmz/cloudflare-openhands-sdk/internal/agentserver"
	"github.com/jagzmz/cloudflare-openhands-sdk/internal/config"
	"github.com/jagzmz/cloudflare-openhands-sdk/internal/gateway/httpapi"
	"github.com/jagzmz/cloudflare-openhands-sdk/internal/gateway/ws"
	"github.com/jagzmz/cloudflare-openhands-sdk/internal/observability"
	"github.com/jagzmz/cloudflare-openhands-sdk/internal/ratelimit"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator gateway (HTTP API, proxy, log streaming)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `openhands --config path` and `openhands serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "listen", "", "override HTTP listen address (e.g. :8090)")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("OPENHANDS_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Gateway.ListenAddr = serveAddr
	}

	logger.Info("starting coordinator gateway", slog.String("config", serveConfigPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	sbx, err := buildSandbox(ctx, cfg, logger)
	if err != nil {
		return err
	}

	coord := buildCoordinator(cfg, obs, logger)
	defaults := serverDefaults(cfg)
	apiKeys := apiKeyMap(cfg.Gateway.APIKeys)

	port := defaults.Port
	if port == 0 {
		port = agentserver.DefaultPort
	}

	var limiter *ratelimit.Limiter
	if rl := cfg.Gateway.RateLimit; rl != nil {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: rl.RequestsPerMinute,
			BurstSize:         rl.Burst,
		})
	}

	gwCfg := httpapi.Config{
		ListenAddr: cfg.Gateway.Addr(),
		EnableDocs: cfg.Gateway.EnableDocs,
		APIKeys:    apiKeys,
	}
	if obs != nil {
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
			gwCfg.Metrics = obs.Metrics
			if cfg.Observability.Metrics != nil {
				gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
			}
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}

		if cfg.Observability.Health != nil && cfg.Observability.Health.IncludeSandbox {
			obs.Health.AddCheck("sandbox", func(ctx context.Context) error {
				_, err := sbx.ListProcesses(ctx)
				return err
			})
		}

		if obs.Sampler != nil {
			obs.Sampler.SetProbe(port, func(ctx context.Context) (bool, error) {
				proc, err := coord.Locate(ctx, sbx, port)
				return proc != nil, err
			})
			obs.Sampler.Start()
		}
	}

	streamer := ws.NewStreamer(coord, sbx, port, apiKeys, logger)

	gw := httpapi.NewGateway(gwCfg, coord, sbx, limiter, logger).
		WithServerDefaults(defaults).
		WithHandler("/v1/server/logs", streamer.Handler())

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}
