package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// Exit codes for the server client commands.
const (
	ExitSuccess            = 0
	ExitFailure            = 1
	ExitUnauthorized       = 2
	ExitGatewayUnavailable = 3
)

var (
	serverGatewayURL string
	serverAPIKey     string
	serverTimeout    int

	startPort      int
	startDirectory string
	startHostname  string
	startExpose    bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage the agent server through a running gateway",
	Long: `Client commands against the coordinator gateway's HTTP API.

Examples:
  openhands server start --hostname sbx-1 --expose
  openhands server status
  openhands server stop

Exit codes:
  0  success
  1  failure
  2  unauthorized (check API key)
  3  gateway unavailable`,
}

var serverStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start (or reuse) the agent server in the sandbox",
	RunE:  runServerStart,
}

var serverStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent server status",
	RunE:  runServerStatus,
}

var serverStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the agent server",
	RunE:  runServerStop,
}

func init() {
	serverCmd.PersistentFlags().StringVar(&serverGatewayURL, "gateway-url", "http://localhost:8090", "gateway HTTP API URL")
	serverCmd.PersistentFlags().StringVar(&serverAPIKey, "api-key", "", "API key for gateway authentication (or OPENHANDS_API_KEY env)")
	serverCmd.PersistentFlags().IntVar(&serverTimeout, "timeout", 120, "timeout in seconds")

	serverStartCmd.Flags().IntVar(&startPort, "port", 0, "agent server port (0 = gateway default)")
	serverStartCmd.Flags().StringVar(&startDirectory, "directory", "", "working directory inside the sandbox")
	serverStartCmd.Flags().StringVar(&startHostname, "hostname", "", "sandbox hostname used for the preview URL")
	serverStartCmd.Flags().BoolVar(&startExpose, "expose", false, "expose the server port publicly")

	serverCmd.AddCommand(serverStartCmd, serverStatusCmd, serverStopCmd)
}

// gatewayRequest sends a request to the gateway and returns the response
// body. It exits the process on transport and auth errors.
func gatewayRequest(method, path string, payload any) (int, []byte) {
	apiKey := goutils.Env("OPENHANDS_API_KEY", serverAPIKey)
	gatewayURL := goutils.Env("OPENHANDS_GATEWAY_URL", serverGatewayURL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(serverTimeout)*time.Second)
	defer cancel()

	var body io.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, gatewayURL+path, body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitFailure)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach gateway at %s: %v\n", gatewayURL, err)
		os.Exit(ExitGatewayUnavailable)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		fmt.Fprintln(os.Stderr, "Error: unauthorized (check API key)")
		os.Exit(ExitUnauthorized)
	case http.StatusTooManyRequests:
		fmt.Fprintln(os.Stderr, "Error: rate limited, try again later")
		os.Exit(ExitUnauthorized)
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		fmt.Fprintf(os.Stderr, "Error: gateway unavailable (%d)\n", resp.StatusCode)
		os.Exit(ExitGatewayUnavailable)
	}

	return resp.StatusCode, respBody
}

func runServerStart(_ *cobra.Command, _ []string) error {
	payload := map[string]any{}
	if startPort > 0 {
		payload["port"] = startPort
	}
	if startDirectory != "" {
		payload["directory"] = startDirectory
	}
	if startHostname != "" {
		payload["hostname"] = startHostname
	}
	if startExpose {
		payload["expose_port"] = true
	}

	status, body := gatewayRequest("POST", "/v1/server/start", payload)

	switch status {
	case http.StatusOK:
		var result struct {
			Outcome    string `json:"outcome"`
			ProcessID  string `json:"process_id"`
			Port       int    `json:"port"`
			BaseURL    string `json:"base_url"`
			PreviewURL string `json:"preview_url"`
		}
		_ = json.Unmarshal(body, &result)
		fmt.Printf("%s: process %s on port %d\n", result.Outcome, result.ProcessID, result.Port)
		fmt.Printf("  base_url: %s\n", result.BaseURL)
		if result.PreviewURL != "" {
			fmt.Printf("  preview_url: %s\n", result.PreviewURL)
		}
		os.Exit(ExitSuccess)

	case http.StatusInternalServerError:
		var failure struct {
			Error  string `json:"error"`
			Stderr string `json:"stderr"`
		}
		_ = json.Unmarshal(body, &failure)
		fmt.Fprintf(os.Stderr, "Error: %s\n", failure.Error)
		if failure.Stderr != "" {
			fmt.Fprintf(os.Stderr, "--- stderr ---\n%s\n", failure.Stderr)
		}
		os.Exit(ExitFailure)

	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", status, string(body))
		os.Exit(ExitFailure)
	}

	return nil
}

func runServerStatus(_ *cobra.Command, _ []string) error {
	status, body := gatewayRequest("GET", "/v1/server/status", nil)

	switch status {
	case http.StatusOK:
		var result struct {
			Port      int    `json:"port"`
			ProcessID string `json:"process_id"`
			Status    string `json:"status"`
			Command   string `json:"command"`
		}
		_ = json.Unmarshal(body, &result)
		fmt.Printf("running: process %s on port %d (%s)\n", result.ProcessID, result.Port, result.Status)
		fmt.Printf("  command: %s\n", result.Command)
		os.Exit(ExitSuccess)

	case http.StatusNotFound:
		fmt.Println("no agent server running")
		os.Exit(ExitSuccess)

	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", status, string(body))
		os.Exit(ExitFailure)
	}

	return nil
}

func runServerStop(_ *cobra.Command, _ []string) error {
	status, body := gatewayRequest("POST", "/v1/server/stop", nil)

	switch status {
	case http.StatusOK:
		var result struct {
			ProcessID string `json:"process_id"`
			Port      int    `json:"port"`
		}
		_ = json.Unmarshal(body, &result)
		fmt.Printf("stopped: process %s on port %d\n", result.ProcessID, result.Port)
		os.Exit(ExitSuccess)

	case http.StatusNotFound:
		fmt.Fprintln(os.Stderr, "no agent server running")
		os.Exit(ExitFailure)

	default:
		fmt.Fprintf(os.Stderr, "Error: gateway returned %d: %s\n", status, string(body))
		os.Exit(ExitFailure)
	}

	return nil
}
