package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultDockerImage     = "openhands-runtime:latest"
	defaultDockerPIDsLimit = 256
	defaultDockerCPUCores  = 2.0
	defaultDockerMemoryMB  = 2048

	// pidResolveTimeout bounds how long a freshly exec'd process is given
	// to show up in the container's process table.
	pidResolveTimeout = 2 * time.Second
)

// DockerConfig configures the container-backed sandbox.
type DockerConfig struct {
	Name         string  // Container name. Required; identifies the sandbox.
	Image        string  // Container image (e.g. "openhands-runtime:latest").
	PublishPorts []int   // Ports published 1:1 on 127.0.0.1 at container start.
	MemoryMB     int     // --memory hard limit.
	CPUCores     float64 // --cpus rate limit.
	PIDsLimit    int     // --pids-limit (prevents fork bombs).
}

// DockerSandbox runs sandboxed processes inside one long-lived container.
//
// Security guarantees:
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Memory hard limit with no swap (OOM kill on exceed)
//   - PIDs limit prevents fork bombs
//   - CPU rate limited
//   - Server ports published on the loopback interface only
//   - stdout/stderr of exec'd processes capped to prevent OOM on the host
//
// Unlike an ephemeral per-command container, the container here is the
// sandbox: processes come and go inside it via docker exec, and the
// process table is re-derived from `ps` inside the container on every
// listing rather than cached on the host.
type DockerSandbox struct {
	config DockerConfig
	logger *slog.Logger
	client *http.Client

	mu    sync.Mutex
	execs []*dockerExec // processes started through this client, for log capture
}

// NewDockerSandbox creates a container-backed sandbox. The container itself
// is created lazily by EnsureContainer.
func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	if cfg.Name == "" {
		cfg.Name = "openhands-sbx"
	}
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultDockerMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerSandbox{
		config: cfg,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

// EnsureContainer starts the sandbox container if it is not already running.
// An existing running container with the sandbox's name is reused as-is.
func (s *DockerSandbox) EnsureContainer(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", s.config.Name).Output()
	if err == nil && strings.TrimSpace(string(out)) == "true" {
		s.logger.Info("reusing sandbox container", slog.String("container", s.config.Name))
		return nil
	}

	// A stopped leftover with the same name blocks docker run.
	_ = exec.CommandContext(ctx, "docker", "rm", "-f", s.config.Name).Run()

	args := s.buildRunArgs()
	s.logger.Info("starting sandbox container",
		slog.String("container", s.config.Name),
		slog.String("image", s.config.Image),
		slog.Any("publish_ports", s.config.PublishPorts),
	)

	if out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("docker run failed: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// buildRunArgs constructs the docker run argument list for the sandbox
// container. The container idles on sleep; work arrives via docker exec.
func (s *DockerSandbox) buildRunArgs() []string {
	memoryFlag := strconv.Itoa(s.config.MemoryMB) + "m"

	args := []string{
		"run", "-d",
		"--name", s.config.Name,

		"--security-opt=no-new-privileges",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(s.config.PIDsLimit),
	}

	for _, port := range s.config.PublishPorts {
		args = append(args, "-p", fmt.Sprintf("127.0.0.1:%d:%d", port, port))
	}

	args = append(args, s.config.Image, "sleep", "infinity")
	return args
}

// Teardown removes the sandbox container and everything in it.
func (s *DockerSandbox) Teardown(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", s.config.Name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		return fmt.Errorf("docker rm -f failed: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// ListProcesses re-derives the process table from ps inside the container,
// in pid order. The container's own init (sleep) and the ps invocation are
// filtered out.
func (s *DockerSandbox) ListProcesses(ctx context.Context) ([]Process, error) {
	out, err := exec.CommandContext(ctx, "docker", "exec", s.config.Name,
		"ps", "-eo", "pid,stat,args").Output()
	if err != nil {
		return nil, fmt.Errorf("listing container processes: %w", err)
	}

	entries := parseProcessTable(string(out))
	procs := make([]Process, 0, len(entries))
	for _, e := range entries {
		if e.PID == 1 || strings.HasPrefix(e.Args, "ps ") || e.Args == "ps" {
			continue
		}
		procs = append(procs, &dockerProcess{
			sbx:     s,
			pid:     e.PID,
			command: e.Args,
			status:  statusFromStat(e.Stat),
		})
	}
	return procs, nil
}

// StartProcess launches a shell command inside the container via docker exec.
func (s *DockerSandbox) StartProcess(ctx context.Context, command string, opts StartOptions) (Process, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	id, err := generateProcessID()
	if err != nil {
		return nil, fmt.Errorf("generating process id: %w", err)
	}

	args := []string{"exec"}
	if opts.Cwd != "" {
		args = append(args, "-w", opts.Cwd)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", k+"="+v)
	}
	args = append(args, s.config.Name, "/bin/sh", "-c", command)

	// Not CommandContext: the exec client must outlive the request that
	// started it, or docker tears down the stream mid-flight.
	cmd := exec.Command("docker", args...)

	e := &dockerExec{
		id:      id,
		command: command,
		cmd:     cmd,
		sbx:     s,
		status:  StatusStarting,
	}
	cmd.Stdout = &cappedBuffer{limit: maxOutputBytes, buf: &e.stdout, mu: &e.mu}
	cmd.Stderr = &cappedBuffer{limit: maxOutputBytes, buf: &e.stderr, mu: &e.mu}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("docker exec failed: %w", err)
	}

	e.mu.Lock()
	e.status = StatusRunning
	e.mu.Unlock()

	s.mu.Lock()
	s.execs = append(s.execs, e)
	s.mu.Unlock()

	s.logger.Info("container process started",
		slog.String("container", s.config.Name),
		slog.String("process_id", id),
		slog.String("command", command),
	)

	go e.reap()

	// Resolve the in-container pid so Signal can reach the process. Best
	// effort: an unresolved pid falls back to a command-pattern kill.
	e.resolvePID(ctx)

	return e, nil
}

// ExposePort is not served by the container runtime itself; preview URLs
// require an edge in front of the published loopback port.
func (s *DockerSandbox) ExposePort(_ context.Context, port int, opts ExposeOptions) (string, error) {
	if opts.Hostname == "" {
		return "", ErrExposeUnsupported
	}
	return fmt.Sprintf("https://%d-%s.%s", port, s.config.Name, opts.Hostname), nil
}

// Fetch relays req to the published loopback mapping of the given port.
func (s *DockerSandbox) Fetch(ctx context.Context, req *http.Request, port int) (*http.Response, error) {
	out, err := rewriteForPort(ctx, req, fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}
	return http.DefaultTransport.RoundTrip(out)
}

// signalPID delivers a signal to a pid inside the container.
func (s *DockerSandbox) signalPID(ctx context.Context, pid int, sig syscall.Signal) error {
	out, err := exec.CommandContext(ctx, "docker", "exec", s.config.Name,
		"kill", fmt.Sprintf("-%d", sig), strconv.Itoa(pid)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("kill -%d %d in container: %w: %s", sig, pid, err, bytes.TrimSpace(out))
	}
	return nil
}

// execForPID returns the tracked exec whose resolved pid matches, if any.
func (s *DockerSandbox) execForPID(pid int) *dockerExec {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.execs {
		if e.resolvedPID() == pid {
			return e
		}
	}
	return nil
}

// --- dockerExec: a process started through this client ---

type dockerExec struct {
	id      string
	command string
	cmd     *exec.Cmd
	sbx     *DockerSandbox

	mu     sync.Mutex
	status ProcessStatus
	pid    int // in-container pid; 0 until resolved
	stdout []byte
	stderr []byte
}

func (e *dockerExec) ID() string      { return e.id }
func (e *dockerExec) Command() string { return e.command }

func (e *dockerExec) Status() ProcessStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *dockerExec) WaitForPort(ctx context.Context, port int, opts WaitOptions) error {
	return waitForHTTP(ctx, e.sbx.client, "127.0.0.1", port, opts, e.Status)
}

func (e *dockerExec) Logs(_ context.Context) (*ProcessLogs, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &ProcessLogs{Stdout: string(e.stdout), Stderr: string(e.stderr)}, nil
}

func (e *dockerExec) Signal(ctx context.Context, sig syscall.Signal) error {
	if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
		e.mu.Lock()
		e.status = StatusKilled
		e.mu.Unlock()
	}
	if pid := e.resolvedPID(); pid > 0 {
		return e.sbx.signalPID(ctx, pid, sig)
	}
	// Fallback: match the full command line.
	out, err := exec.CommandContext(ctx, "docker", "exec", e.sbx.config.Name,
		"pkill", fmt.Sprintf("-%d", sig), "-f", e.command).CombinedOutput()
	if err != nil {
		return fmt.Errorf("pkill in container: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

func (e *dockerExec) resolvedPID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pid
}

// resolvePID polls the container's process table until a process carrying
// this exec's command line appears, and records its pid.
func (e *dockerExec) resolvePID(ctx context.Context) {
	deadline := time.Now().Add(pidResolveTimeout)
	for time.Now().Before(deadline) {
		procs, err := e.sbx.ListProcesses(ctx)
		if err == nil {
			for _, p := range procs {
				dp, ok := p.(*dockerProcess)
				if !ok || !strings.Contains(dp.command, e.command) {
					continue
				}
				e.mu.Lock()
				e.pid = dp.pid
				e.mu.Unlock()
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	e.sbx.logger.Warn("could not resolve container pid",
		slog.String("process_id", e.id),
		slog.String("command", e.command),
	)
}

// reap waits for the exec client to finish and records the terminal status.
func (e *dockerExec) reap() {
	err := e.cmd.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.status == StatusKilled:
	case err == nil:
		e.status = StatusStopped
	default:
		e.status = StatusFailed
	}
}

// --- dockerProcess: a process discovered in the container's table ---

type dockerProcess struct {
	sbx     *DockerSandbox
	pid     int
	command string
	status  ProcessStatus
}

func (p *dockerProcess) ID() string            { return strconv.Itoa(p.pid) }
func (p *dockerProcess) Command() string       { return p.command }
func (p *dockerProcess) Status() ProcessStatus { return p.status }

func (p *dockerProcess) WaitForPort(ctx context.Context, port int, opts WaitOptions) error {
	return waitForHTTP(ctx, p.sbx.client, "127.0.0.1", port, opts, nil)
}

// Logs returns captured output when the discovered pid belongs to an exec
// started through this client; discovered-only processes have none.
func (p *dockerProcess) Logs(ctx context.Context) (*ProcessLogs, error) {
	if e := p.sbx.execForPID(p.pid); e != nil {
		return e.Logs(ctx)
	}
	return &ProcessLogs{}, nil
}

func (p *dockerProcess) Signal(ctx context.Context, sig syscall.Signal) error {
	return p.sbx.signalPID(ctx, p.pid, sig)
}

// --- process table parsing ---

type psEntry struct {
	PID  int
	Stat string
	Args string
}

// parseProcessTable parses `ps -eo pid,stat,args` output. Malformed lines
// are skipped.
func parseProcessTable(out string) []psEntry {
	var entries []psEntry
	for i, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || i == 0 { // header row
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		entries = append(entries, psEntry{
			PID:  pid,
			Stat: fields[1],
			Args: strings.Join(fields[2:], " "),
		})
	}
	return entries
}

// statusFromStat maps a ps STAT column to a process status. Anything
// scheduled or sleeping counts as running; traced and zombie states do not.
func statusFromStat(stat string) ProcessStatus {
	if stat == "" {
		return StatusRunning
	}
	switch stat[0] {
	case 'R', 'S', 'D', 'I':
		return StatusRunning
	case 'T':
		return StatusStopped
	case 'Z', 'X':
		return StatusStopped
	default:
		return StatusRunning
	}
}
