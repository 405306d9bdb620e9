// Package mcptool exposes the lifecycle coordinator as MCP tools over
// stdio, so agent harnesses can start, stop, and inspect the OpenHands
// server without speaking the HTTP API.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jagzmz/cloudflare-openhands-sdk/internal/agentserver"
	"github.com/jagzmz/cloudflare-openhands-sdk/internal/sandbox"
)

// Server wires coordinator operations into an MCP stdio server.
type Server struct {
	coordinator *agentserver.Coordinator
	sbx         sandbox.Sandbox
	defaults    agentserver.Options
	logger      *slog.Logger
	mcp         *server.MCPServer
}

// New creates the MCP tool server and registers its tools.
func New(coord *agentserver.Coordinator, sbx sandbox.Sandbox, defaults agentserver.Options, logger *slog.Logger) *Server {
	s := &Server{
		coordinator: coord,
		sbx:         sbx,
		defaults:    defaults,
		logger:      logger,
		mcp: server.NewMCPServer(
			"openhands-coordinator",
			"0.1.0",
			server.WithToolCapabilities(false),
		),
	}
	s.registerTools()
	return s
}

// Serve blocks, serving MCP over stdin/stdout.
func (s *Server) Serve() error {
	s.logger.Info("mcp tool server starting")
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	startTool := mcp.NewTool("server_start",
		mcp.WithDescription("Ensure an OpenHands agent server is running in the sandbox. Reuses a live server when one exists; otherwise starts one and waits until it accepts HTTP."),
		mcp.WithNumber("port",
			mcp.Description("Port for the agent server. Defaults to the configured port."),
		),
		mcp.WithString("directory",
			mcp.Description("Working directory for a freshly started server."),
		),
		mcp.WithString("hostname",
			mcp.Description("Edge hostname for the preview URL. Required when expose_port is true."),
		),
		mcp.WithBoolean("expose_port",
			mcp.Description("Register the port for external reach and return a preview URL."),
		),
	)
	s.mcp.AddTool(startTool, s.handleStart)

	statusTool := mcp.NewTool("server_status",
		mcp.WithDescription("Report whether an OpenHands agent server is running, with its process id and command line."),
		mcp.WithNumber("port",
			mcp.Description("Port to check. Defaults to the configured port."),
		),
	)
	s.mcp.AddTool(statusTool, s.handleStatus)

	stopTool := mcp.NewTool("server_stop",
		mcp.WithDescription("Stop the running OpenHands agent server."),
		mcp.WithNumber("port",
			mcp.Description("Port of the server to stop. Defaults to the configured port."),
		),
	)
	s.mcp.AddTool(stopTool, s.handleStop)
}

func (s *Server) handleStart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	opts := s.defaults
	if port := request.GetInt("port", 0); port != 0 {
		opts.Port = port
	}
	if dir := request.GetString("directory", ""); dir != "" {
		opts.Directory = dir
	}
	if host := request.GetString("hostname", ""); host != "" {
		opts.Hostname = host
	}
	opts.ExposePort = request.GetBool("expose_port", opts.ExposePort)

	srv, err := s.coordinator.Ensure(ctx, s.sbx, opts)
	if err != nil {
		if errors.Is(err, agentserver.ErrHostnameRequired) {
			return mcp.NewToolResultError("hostname is required when expose_port is true"), nil
		}
		var se *agentserver.StartupError
		if errors.As(err, &se) {
			return mcp.NewToolResultError(se.Error()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"outcome":     string(srv.Outcome),
		"process_id":  srv.ProcessID,
		"port":        srv.Port,
		"base_url":    srv.BaseURL,
		"preview_url": srv.PreviewURL,
	})
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port := request.GetInt("port", s.defaults.Port)
	if port == 0 {
		port = agentserver.DefaultPort
	}

	proc, err := s.coordinator.Locate(ctx, s.sbx, port)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status failed: %v", err)), nil
	}
	if proc == nil {
		return jsonResult(map[string]any{"running": false, "port": port})
	}

	return jsonResult(map[string]any{
		"running":    true,
		"port":       port,
		"process_id": proc.ID(),
		"status":     string(proc.Status()),
		"command":    proc.Command(),
	})
}

func (s *Server) handleStop(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port := request.GetInt("port", s.defaults.Port)
	if port == 0 {
		port = agentserver.DefaultPort
	}

	id, err := s.coordinator.Stop(ctx, s.sbx, port)
	if err != nil {
		if errors.Is(err, agentserver.ErrNoServer) {
			return mcp.NewToolResultError("no agent server running"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("stop failed: %v", err)), nil
	}

	return jsonResult(map[string]any{"stopped": true, "process_id": id})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
