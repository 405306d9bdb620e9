package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jagzmz/cloudflare-openhands-sdk/internal/config"
	"github.com/jagzmz/cloudflare-openhands-sdk/internal/gateway/mcptool"
	goutils "github.com/jkaninda/go-utils"
)

var mcpConfigPath string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve coordinator tools over MCP on stdio",
	Long: `Expose server_start, server_status and server_stop as MCP tools
over stdin/stdout, for use by MCP-capable agent hosts.`,
	RunE: runMCP,
}

func init() {
	mcpCmd.Flags().StringVar(&mcpConfigPath, "config", config.DefaultConfigPath(), "path to config file")
}

func runMCP(_ *cobra.Command, _ []string) error {
	// Stdout carries the MCP protocol, so logs must go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("OPENHANDS_CONFIG", mcpConfigPath))
	if err != nil {
		return err
	}

	sbx, err := buildSandbox(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	coord := buildCoordinator(cfg, nil, logger)

	return mcptool.New(coord, sbx, serverDefaults(cfg), logger).Serve()
}
