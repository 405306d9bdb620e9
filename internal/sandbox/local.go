package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps captured stdout/stderr per process to prevent
	// OOM from chatty servers.
	maxOutputBytes = 1 << 20 // 1 MB

	// probeInterval is the delay between readiness probe attempts.
	probeInterval = 500 * time.Millisecond
)

// LocalConfig configures the host-process sandbox.
type LocalConfig struct {
	// Name identifies this sandbox in logs and preview URLs.
	Name string

	// PreviewHostname, when set, lets ExposePort mint preview URLs under
	// this hostname without an explicit per-call hostname.
	PreviewHostname string
}

// LocalSandbox runs sandboxed processes directly on the host.
//
// Isolation guarantees:
//   - Each process runs in its own process group (Setpgid); signals are
//     delivered to the whole group
//   - No environment inheritance from the gateway — only a minimal base
//     set plus caller-supplied variables
//   - stdout/stderr capped to prevent OOM
//
// The process table lives in the sandbox, not in any caller: handles
// returned from ListProcesses and StartProcess view the same entries.
type LocalSandbox struct {
	name            string
	previewHostname string
	logger          *slog.Logger
	client          *http.Client

	mu    sync.Mutex
	procs []*localProcess // in start order; stable listing
}

// NewLocalSandbox creates a host-process sandbox.
func NewLocalSandbox(cfg LocalConfig, logger *slog.Logger) *LocalSandbox {
	name := cfg.Name
	if name == "" {
		name = "local"
	}
	return &LocalSandbox{
		name:            name,
		previewHostname: cfg.PreviewHostname,
		logger:          logger,
		client:          &http.Client{Timeout: 5 * time.Second},
	}
}

// ListProcesses returns every process this sandbox has started, live and
// exited, in start order.
func (s *LocalSandbox) ListProcesses(_ context.Context) ([]Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Process, len(s.procs))
	for i, p := range s.procs {
		out[i] = p
	}
	return out, nil
}

// StartProcess launches a shell command as a background process.
func (s *LocalSandbox) StartProcess(_ context.Context, command string, opts StartOptions) (Process, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	id, err := generateProcessID()
	if err != nil {
		return nil, fmt.Errorf("generating process id: %w", err)
	}

	// Deliberately NOT CommandContext: the process outlives the request
	// that started it. Termination happens only through Signal.
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = buildBaseEnv(opts.Env)
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}

	p := &localProcess{
		id:      id,
		command: command,
		cmd:     cmd,
		sbx:     s,
		status:  StatusStarting,
	}
	cmd.Stdout = &cappedBuffer{limit: maxOutputBytes, buf: &p.stdout, mu: &p.mu}
	cmd.Stderr = &cappedBuffer{limit: maxOutputBytes, buf: &p.stderr, mu: &p.mu}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting process: %w", err)
	}

	p.mu.Lock()
	p.status = StatusRunning
	p.mu.Unlock()

	s.mu.Lock()
	s.procs = append(s.procs, p)
	s.mu.Unlock()

	s.logger.Info("process started",
		slog.String("sandbox", s.name),
		slog.String("process_id", id),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("command", command),
	)

	go p.reap()

	return p, nil
}

// ExposePort mints a preview URL under the requested hostname. The local
// sandbox has no edge of its own — reachability depends on whatever fronts
// this host for the hostname.
func (s *LocalSandbox) ExposePort(_ context.Context, port int, opts ExposeOptions) (string, error) {
	hostname := opts.Hostname
	if hostname == "" {
		hostname = s.previewHostname
	}
	if hostname == "" {
		return "", ErrExposeUnsupported
	}
	return fmt.Sprintf("https://%d-%s.%s", port, s.name, hostname), nil
}

// Fetch relays req to the given port on the loopback interface.
func (s *LocalSandbox) Fetch(ctx context.Context, req *http.Request, port int) (*http.Response, error) {
	out, err := rewriteForPort(ctx, req, fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	// No client timeout: forwarded requests may legitimately stream.
	return http.DefaultTransport.RoundTrip(out)
}

// --- localProcess ---

type localProcess struct {
	id      string
	command string
	cmd     *exec.Cmd
	sbx     *LocalSandbox

	mu     sync.Mutex
	status ProcessStatus
	stdout []byte
	stderr []byte
}

func (p *localProcess) ID() string      { return p.id }
func (p *localProcess) Command() string { return p.command }

func (p *localProcess) Status() ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *localProcess) WaitForPort(ctx context.Context, port int, opts WaitOptions) error {
	return waitForHTTP(ctx, p.sbx.client, "127.0.0.1", port, opts, p.Status)
}

func (p *localProcess) Logs(_ context.Context) (*ProcessLogs, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &ProcessLogs{Stdout: string(p.stdout), Stderr: string(p.stderr)}, nil
}

// Signal delivers sig to the entire process group.
func (p *localProcess) Signal(_ context.Context, sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process %s not started", p.id)
	}
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		p.mu.Lock()
		p.status = StatusKilled
		p.mu.Unlock()
	}
	// Negative PID = the whole group.
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

// reap waits for process exit and records the terminal status.
func (p *localProcess) reap() {
	err := p.cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.status == StatusKilled:
		// Terminated through Signal; keep the verdict.
	case err == nil:
		p.status = StatusStopped
	default:
		p.status = StatusFailed
	}

	p.sbx.logger.Info("process exited",
		slog.String("sandbox", p.sbx.name),
		slog.String("process_id", p.id),
		slog.String("status", string(p.status)),
	)
}

// --- shared helpers ---

// waitForHTTP polls an HTTP endpoint until any response arrives or the
// timeout elapses. A process that reached a terminal state ends the wait
// early — the port is never coming up.
func waitForHTTP(ctx context.Context, client *http.Client, host string, port int, opts WaitOptions, status func() ProcessStatus) error {
	path := opts.Path
	if path == "" {
		path = DefaultProbePath
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = DefaultWaitTimeout
	}

	url := fmt.Sprintf("http://%s:%d%s", host, port, path)
	deadline := time.Now().Add(timeout)

	for {
		if status != nil && !status().Alive() {
			return fmt.Errorf("process exited before port %d came up", port)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			// Any response counts as ready, including 401/404 — the
			// server is accepting connections.
			resp.Body.Close()
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for port %d after %s", port, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(probeInterval):
		}
	}
}

// rewriteForPort clones an inbound request, pointing it at hostport and
// preserving method, path, query, headers, and body.
func rewriteForPort(ctx context.Context, req *http.Request, hostport string) (*http.Request, error) {
	u := *req.URL
	u.Scheme = "http"
	u.Host = hostport

	out, err := http.NewRequestWithContext(ctx, req.Method, u.String(), req.Body)
	if err != nil {
		return nil, err
	}
	out.Header = req.Header.Clone()
	out.ContentLength = req.ContentLength
	return out, nil
}

// buildBaseEnv constructs a minimal environment. The gateway's own
// environment is never inherited — credentials must not leak into the
// supervised server unless the caller passes them explicitly.
func buildBaseEnv(extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=/tmp",
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// cappedBuffer appends to buf under mu and stops after a byte limit.
// Excess output is silently discarded.
type cappedBuffer struct {
	mu    *sync.Mutex
	buf   *[]byte
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.limit - len(*b.buf); remaining <= 0 {
		return len(p), nil
	} else if len(p) > remaining {
		*b.buf = append(*b.buf, p[:remaining]...)
		return len(p), nil
	}
	*b.buf = append(*b.buf, p...)
	return len(p), nil
}

// generateProcessID returns a unique id: proc-<16 hex chars>.
func generateProcessID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "proc-" + hex.EncodeToString(b), nil
}
