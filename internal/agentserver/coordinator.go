// Package agentserver coordinates the lifecycle of the OpenHands
// agent-server process inside a sandbox: deciding whether to start a new
// server or reuse a running one, absorbing concurrent start attempts racing
// against each other, waiting for network readiness, and surfacing
// actionable startup diagnostics.
//
// The coordinator keeps no state of its own and takes no locks. The
// sandbox's process table is the single source of truth and is re-read on
// every call, so independent invocations converge on one server per
// (binary, port) pair without a shared registry.
package agentserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jagzmz/cloudflare-openhands-sdk/internal/sandbox"
)

// DefaultPort is the port the agent server binds when none is requested.
const DefaultPort = 8001

// Config configures the lifecycle coordinator.
type Config struct {
	// Binary is the agent server binary path — the signature that
	// recognizes server processes in the sandbox's table. Empty =
	// DefaultBinary.
	Binary string

	// ProbeTimeout bounds every readiness wait. Zero = the sandbox
	// default (60s).
	ProbeTimeout time.Duration
}

// Options parameterize a single Ensure call.
type Options struct {
	Port        int               // target port. 0 = DefaultPort.
	Directory   string            // working directory override for the server process
	Hostname    string            // edge hostname for the preview URL
	ExposePort  bool              // register the port for external reach
	Env         map[string]string // extra environment for a fresh spawn
	SandboxName string            // identifies the sandbox in logs
}

// Coordinator implements the ensure-running semantics for the agent server.
type Coordinator struct {
	binary       string
	probeTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
}

// New creates a lifecycle coordinator.
func New(cfg Config, logger *slog.Logger) *Coordinator {
	binary := cfg.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	return &Coordinator{
		binary:       binary,
		probeTimeout: cfg.ProbeTimeout,
		logger:       logger,
	}
}

// WithMetrics attaches coordinator metrics.
func (c *Coordinator) WithMetrics(m *Metrics) *Coordinator {
	c.metrics = m
	return c
}

// WithTracer attaches an OTel tracer for ensure spans.
func (c *Coordinator) WithTracer(t trace.Tracer) *Coordinator {
	c.tracer = t
	return c
}

// Ensure returns a handle on a ready agent server for the requested port,
// starting one only when none is running:
//
//  1. A live matching process in the sandbox's table is reused — probed for
//     readiness first if it is still starting. No new process is spawned.
//  2. Otherwise a fresh process is started from the built command line and
//     probed until ready.
//  3. If the spawn-and-probe sequence fails for any reason, the table is
//     checked exactly once more: a match means a concurrent caller won the
//     start race, so their process is adopted and the original error is
//     discarded. No match re-raises the original error.
//
// There is no retry beyond that single recheck, and no locking anywhere:
// the sandbox offers no atomic create-if-absent, so races are absorbed
// after the fact rather than prevented.
//
// Failures are *StartupError with port, command, process id, and captured
// stderr, except the hostname precondition which fails with
// ErrHostnameRequired before any sandbox call. A failed port exposure is
// logged and leaves PreviewURL empty; it never fails the ensure.
func (c *Coordinator) Ensure(ctx context.Context, sbx sandbox.Sandbox, opts Options) (*Server, error) {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}

	// Hard precondition — before touching the sandbox.
	if opts.ExposePort && opts.Hostname == "" {
		return nil, ErrHostnameRequired
	}

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "agentserver.ensure",
			trace.WithAttributes(attribute.Int("server.port", opts.Port)))
		defer span.End()
	}

	srv, err := c.ensure(ctx, sbx, opts)
	if c.metrics != nil {
		outcome := "failed"
		if err == nil {
			outcome = string(srv.Outcome)
		}
		c.metrics.EnsureTotal.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		return nil, err
	}

	c.expose(ctx, sbx, srv, opts)
	return srv, nil
}

func (c *Coordinator) ensure(ctx context.Context, sbx sandbox.Sandbox, opts Options) (*Server, error) {
	// Reuse path. Evaluated fresh on every call, so it wins even when
	// multiple callers race through Ensure concurrently.
	existing, err := c.Locate(ctx, sbx, opts.Port)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		c.logger.Info("reusing agent server",
			slog.String("sandbox", opts.SandboxName),
			slog.String("process_id", existing.ID()),
			slog.Int("port", opts.Port),
			slog.String("status", string(existing.Status())),
		)
		return c.adopt(ctx, existing, opts.Port, OutcomeReused)
	}

	srv, startErr := c.start(ctx, sbx, opts)
	if startErr == nil {
		return srv, nil
	}

	// Single recheck: our start may have lost a race to a concurrent
	// caller, making the sandbox reject the duplicate. Adopt the winner
	// and discard our own error.
	again, lerr := c.Locate(ctx, sbx, opts.Port)
	if lerr == nil && again != nil {
		recovered, aerr := c.adopt(ctx, again, opts.Port, OutcomeRecovered)
		if aerr == nil {
			c.logger.Info("adopted concurrently started agent server",
				slog.String("sandbox", opts.SandboxName),
				slog.String("process_id", again.ID()),
				slog.Int("port", opts.Port),
			)
			return recovered, nil
		}
	}

	// Terminal for this call. No further retry.
	return nil, startErr
}

// start spawns a fresh server process and waits for it to become ready.
func (c *Coordinator) start(ctx context.Context, sbx sandbox.Sandbox, opts Options) (*Server, error) {
	command := BuildCommand(c.binary, opts.Port, opts.Directory)

	c.logger.Info("starting agent server",
		slog.String("sandbox", opts.SandboxName),
		slog.String("command", command),
		slog.Int("port", opts.Port),
	)

	proc, err := sbx.StartProcess(ctx, command, sandbox.StartOptions{
		Cwd: opts.Directory,
		Env: opts.Env,
	})
	if err != nil {
		return nil, &StartupError{
			Port:    opts.Port,
			Command: command,
			Err:     fmt.Errorf("spawn failed: %w", err),
		}
	}

	if err := c.waitReady(ctx, proc, opts.Port); err != nil {
		return nil, c.startupError(ctx, proc, opts.Port, command, err)
	}
	return newServer(proc, opts.Port, OutcomeStarted), nil
}

// adopt wraps an already-listed process in a handle, probing it first if it
// has not finished starting.
func (c *Coordinator) adopt(ctx context.Context, proc sandbox.Process, port int, outcome Outcome) (*Server, error) {
	if proc.Status() == sandbox.StatusStarting {
		if err := c.waitReady(ctx, proc, port); err != nil {
			return nil, c.startupError(ctx, proc, port, proc.Command(), err)
		}
	}
	return newServer(proc, port, outcome), nil
}

func (c *Coordinator) waitReady(ctx context.Context, proc sandbox.Process, port int) error {
	start := time.Now()
	err := proc.WaitForPort(ctx, port, sandbox.WaitOptions{
		Path:    sandbox.DefaultProbePath,
		Timeout: c.probeTimeout,
	})
	if c.metrics != nil {
		c.metrics.ReadinessWaitSeconds.Observe(time.Since(start).Seconds())
	}
	return err
}

// startupError builds a StartupError enriched with the process's captured
// stderr. Log retrieval is best effort — the original failure wins.
func (c *Coordinator) startupError(ctx context.Context, proc sandbox.Process, port int, command string, err error) *StartupError {
	se := &StartupError{
		Port:      port,
		Command:   command,
		ProcessID: proc.ID(),
		Err:       err,
	}
	if logs, lerr := proc.Logs(ctx); lerr == nil {
		se.Stderr = logs.Stderr
	}
	return se
}

// expose registers the server's port with the edge. Failure is downgraded
// to a warning: the server stays fully usable through the proxy.
func (c *Coordinator) expose(ctx context.Context, sbx sandbox.Sandbox, srv *Server, opts Options) {
	if !opts.ExposePort {
		return
	}
	url, err := sbx.ExposePort(ctx, srv.Port, sandbox.ExposeOptions{Hostname: opts.Hostname})
	if err != nil {
		if c.metrics != nil {
			c.metrics.ExposeFailuresTotal.Inc()
		}
		c.logger.Warn("port exposure failed; server remains reachable through the proxy",
			slog.Int("port", srv.Port),
			slog.String("error", err.Error()),
		)
		return
	}
	srv.PreviewURL = url
	c.logger.Info("port exposed",
		slog.Int("port", srv.Port),
		slog.String("preview_url", url),
	)
}

// Locate scans the sandbox's process table for a live agent server on the
// given port. A nil process with nil error means none is running.
func (c *Coordinator) Locate(ctx context.Context, sbx sandbox.Sandbox, port int) (sandbox.Process, error) {
	if port == 0 {
		port = DefaultPort
	}
	procs, err := sbx.ListProcesses(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sandbox processes: %w", err)
	}
	return matchServerProcess(procs, c.binary, port), nil
}

// Stop terminates the running agent server and returns its process id.
// Returns ErrNoServer when nothing matches.
func (c *Coordinator) Stop(ctx context.Context, sbx sandbox.Sandbox, port int) (string, error) {
	proc, err := c.Locate(ctx, sbx, port)
	if err != nil {
		return "", err
	}
	if proc == nil {
		return "", ErrNoServer
	}
	if err := proc.Signal(ctx, syscall.SIGTERM); err != nil {
		return "", fmt.Errorf("stopping agent server: %w", err)
	}
	c.logger.Info("agent server stopped",
		slog.String("process_id", proc.ID()),
		slog.Int("port", port),
	)
	return proc.ID(), nil
}

// Forward relays an inbound request to the server's port inside the sandbox
// and returns the upstream response untouched. It never starts or stops the
// server; transport failures propagate unmodified.
func Forward(ctx context.Context, sbx sandbox.Sandbox, srv *Server, req *http.Request) (*http.Response, error) {
	return sbx.Fetch(ctx, req, srv.Port)
}
