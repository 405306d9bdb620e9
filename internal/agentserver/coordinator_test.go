package agentserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jagzmz/cloudflare-openhands-sdk/internal/sandbox"
)

// --- fakes ---

type fakeProcess struct {
	mu      sync.Mutex
	id      string
	command string
	status  sandbox.ProcessStatus
	waitErr error
	logs    sandbox.ProcessLogs
	waits   int
	signals []syscall.Signal
}

func (p *fakeProcess) ID() string      { return p.id }
func (p *fakeProcess) Command() string { return p.command }

func (p *fakeProcess) Status() sandbox.ProcessStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProcess) WaitForPort(_ context.Context, _ int, _ sandbox.WaitOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits++
	if p.waitErr != nil {
		return p.waitErr
	}
	p.status = sandbox.StatusRunning
	return nil
}

func (p *fakeProcess) Logs(_ context.Context) (*sandbox.ProcessLogs, error) {
	logs := p.logs
	return &logs, nil
}

func (p *fakeProcess) Signal(_ context.Context, sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	p.status = sandbox.StatusKilled
	return nil
}

type fakeSandbox struct {
	mu    sync.Mutex
	procs []*fakeProcess

	// Start behavior.
	startLimit  int    // max successful starts; further ones fail. 0 = unlimited.
	starts      int    // successful starts so far
	startFails  int    // rejected starts
	onStartFail func() // runs before a rejected start returns

	// Spawn inputs recorded for assertions.
	lastCwd string
	lastEnv map[string]string

	// Expose behavior.
	exposeErr   error
	exposeCalls int

	listCalls int

	fetch func(ctx context.Context, req *http.Request, port int) (*http.Response, error)
}

func (s *fakeSandbox) ListProcesses(_ context.Context) ([]sandbox.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	out := make([]sandbox.Process, len(s.procs))
	for i, p := range s.procs {
		out[i] = p
	}
	return out, nil
}

func (s *fakeSandbox) StartProcess(_ context.Context, command string, opts sandbox.StartOptions) (sandbox.Process, error) {
	s.mu.Lock()
	if s.startLimit > 0 && s.starts >= s.startLimit {
		s.startFails++
		hook := s.onStartFail
		s.mu.Unlock()
		if hook != nil {
			hook()
		}
		return nil, errors.New("a process is already starting for this port")
	}
	s.starts++
	s.lastCwd = opts.Cwd
	s.lastEnv = opts.Env
	p := &fakeProcess{
		id:      fmt.Sprintf("proc-%d", s.starts),
		command: command,
		status:  sandbox.StatusRunning,
	}
	s.procs = append(s.procs, p)
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSandbox) ExposePort(_ context.Context, port int, opts sandbox.ExposeOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exposeCalls++
	if s.exposeErr != nil {
		return "", s.exposeErr
	}
	return fmt.Sprintf("https://%d-sbx.%s", port, opts.Hostname), nil
}

func (s *fakeSandbox) Fetch(ctx context.Context, req *http.Request, port int) (*http.Response, error) {
	if s.fetch != nil {
		return s.fetch(ctx, req, port)
	}
	return nil, errors.New("no fetch configured")
}

// addProcess seeds the fake's process table.
func (s *fakeSandbox) addProcess(p *fakeProcess) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, p)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator() *Coordinator {
	return New(Config{}, testLogger())
}

// --- ensure ---

func TestEnsure_StartsWhenAbsent(t *testing.T) {
	sbx := &fakeSandbox{}
	c := newTestCoordinator()

	srv, err := c.Ensure(context.Background(), sbx, Options{
		Port:      8001,
		Directory: "/workspace/project",
		Env:       map[string]string{"LLM_API_KEY": "k"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if srv.Outcome != OutcomeStarted {
		t.Errorf("outcome = %q, want started", srv.Outcome)
	}
	if srv.ProcessID != "proc-1" {
		t.Errorf("process id = %q", srv.ProcessID)
	}
	if srv.BaseURL != "http://localhost:8001" {
		t.Errorf("base url = %q", srv.BaseURL)
	}
	if srv.PreviewURL != "" {
		t.Errorf("preview url = %q, want empty without exposure", srv.PreviewURL)
	}

	command := sbx.procs[0].command
	if !strings.Contains(command, DefaultBinary) || !strings.Contains(command, "--port 8001") {
		t.Errorf("command = %q", command)
	}
	if !strings.HasPrefix(command, "cd /workspace/project && ") {
		t.Errorf("command = %q, want cd prefix", command)
	}
	if sbx.lastCwd != "/workspace/project" {
		t.Errorf("cwd = %q", sbx.lastCwd)
	}
	if sbx.lastEnv["LLM_API_KEY"] != "k" {
		t.Errorf("env not passed through: %v", sbx.lastEnv)
	}
}

func TestEnsure_Idempotent(t *testing.T) {
	sbx := &fakeSandbox{}
	c := newTestCoordinator()
	ctx := context.Background()

	first, err := c.Ensure(ctx, sbx, Options{Port: 8001})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := c.Ensure(ctx, sbx, Options{Port: 8001})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if second.ProcessID != first.ProcessID {
		t.Errorf("process ids differ: %q vs %q", first.ProcessID, second.ProcessID)
	}
	if second.Outcome != OutcomeReused {
		t.Errorf("second outcome = %q, want reused", second.Outcome)
	}
	if sbx.starts != 1 {
		t.Errorf("starts = %d, want 1 (no duplicate spawn)", sbx.starts)
	}
}

func TestEnsure_ReuseWaitsForStartingProcess(t *testing.T) {
	sbx := &fakeSandbox{}
	existing := &fakeProcess{
		id:      "proc-existing",
		command: BuildCommand("", 8001, ""),
		status:  sandbox.StatusStarting,
	}
	sbx.addProcess(existing)

	srv, err := newTestCoordinator().Ensure(context.Background(), sbx, Options{Port: 8001})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.Outcome != OutcomeReused {
		t.Errorf("outcome = %q, want reused", srv.Outcome)
	}
	if existing.waits != 1 {
		t.Errorf("waits = %d, want 1 (starting process must be probed)", existing.waits)
	}
	if sbx.starts != 0 {
		t.Errorf("starts = %d, want 0", sbx.starts)
	}
}

func TestEnsure_ReuseProbeFailure(t *testing.T) {
	sbx := &fakeSandbox{}
	sbx.addProcess(&fakeProcess{
		id:      "proc-stuck",
		command: BuildCommand("", 8001, ""),
		status:  sandbox.StatusStarting,
		waitErr: errors.New("timeout waiting for port 8001"),
		logs:    sandbox.ProcessLogs{Stderr: "bind: address already in use"},
	})

	_, err := newTestCoordinator().Ensure(context.Background(), sbx, Options{Port: 8001})

	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StartupError", err)
	}
	if se.ProcessID != "proc-stuck" {
		t.Errorf("process id = %q", se.ProcessID)
	}
	if se.Port != 8001 {
		t.Errorf("port = %d", se.Port)
	}
	if se.Command == "" {
		t.Error("command is empty")
	}
	if se.Stderr != "bind: address already in use" {
		t.Errorf("stderr = %q, want captured output verbatim", se.Stderr)
	}
}

func TestEnsure_ReadinessTimeoutPropagation(t *testing.T) {
	timeout := errors.New("timeout waiting for port 9005 after 1m0s")
	sbx := &timeoutSandbox{
		fakeSandbox: &fakeSandbox{},
		waitErr:     timeout,
		stderr:      "ModuleNotFoundError: openhands",
	}

	srv, err := newTestCoordinator().Ensure(context.Background(), sbx, Options{Port: 9005})
	if err == nil {
		t.Fatalf("unexpected success: %+v", srv)
	}

	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StartupError", err)
	}
	if se.Port != 9005 {
		t.Errorf("port = %d, want 9005", se.Port)
	}
	if !strings.Contains(se.Command, "--port 9005") {
		t.Errorf("command = %q", se.Command)
	}
	if se.Stderr != "ModuleNotFoundError: openhands" {
		t.Errorf("stderr = %q, want verbatim capture", se.Stderr)
	}
	if !errors.Is(err, timeout) {
		t.Error("original wait error not preserved in chain")
	}
}

// timeoutSandbox makes every spawned process fail its readiness wait.
type timeoutSandbox struct {
	*fakeSandbox
	waitErr error
	stderr  string
}

func (s *timeoutSandbox) StartProcess(ctx context.Context, command string, opts sandbox.StartOptions) (sandbox.Process, error) {
	p, err := s.fakeSandbox.StartProcess(ctx, command, opts)
	if err != nil {
		return nil, err
	}
	fp := p.(*fakeProcess)
	fp.waitErr = s.waitErr
	fp.logs = sandbox.ProcessLogs{Stderr: s.stderr}
	// Keep it out of the table so the race recheck cannot adopt it.
	s.mu.Lock()
	s.procs = s.procs[:len(s.procs)-1]
	s.mu.Unlock()
	return fp, nil
}

func TestEnsure_RaceRecovery(t *testing.T) {
	// Every start is rejected, and by the time the rejection surfaces the
	// concurrent winner is visible in the table.
	sbx := &fakeSandbox{startLimit: 1, starts: 1}
	winner := &fakeProcess{
		id:      "proc-winner",
		command: BuildCommand("", 8001, ""),
		status:  sandbox.StatusRunning,
	}
	sbx.onStartFail = func() { sbx.addProcess(winner) }

	srv, err := newTestCoordinator().Ensure(context.Background(), sbx, Options{Port: 8001})
	if err != nil {
		t.Fatalf("unexpected error: %v (original start error must be discarded)", err)
	}
	if srv.Outcome != OutcomeRecovered {
		t.Errorf("outcome = %q, want recovered", srv.Outcome)
	}
	if srv.ProcessID != "proc-winner" {
		t.Errorf("process id = %q, want proc-winner", srv.ProcessID)
	}
}

func TestEnsure_RaceRecheckFailsWhenNoWinner(t *testing.T) {
	// All starts rejected and nothing ever appears in the table.
	sbx := &fakeSandbox{startLimit: 1, starts: 1}

	_, err := newTestCoordinator().Ensure(context.Background(), sbx, Options{Port: 8001})

	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want original *StartupError re-raised", err)
	}
	if !strings.Contains(se.Err.Error(), "already starting") {
		t.Errorf("err = %v, want spawn rejection preserved", se.Err)
	}
}

func TestEnsure_RaceConvergence(t *testing.T) {
	sbx := &fakeSandbox{startLimit: 1}
	c := newTestCoordinator()

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			srv, err := c.Ensure(context.Background(), sbx, Options{Port: 8001})
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = srv.ProcessID
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if ids[i] != "proc-1" {
			t.Errorf("caller %d got process %q, want proc-1", i, ids[i])
		}
	}
	if sbx.starts != 1 {
		t.Errorf("starts = %d, want exactly one surviving process", sbx.starts)
	}
}

// --- exposure ---

func TestEnsure_ExposeFailureDoesNotFailEnsure(t *testing.T) {
	sbx := &fakeSandbox{exposeErr: errors.New("edge unavailable")}

	srv, err := newTestCoordinator().Ensure(context.Background(), sbx, Options{
		Port:       8001,
		ExposePort: true,
		Hostname:   "preview.example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.PreviewURL != "" {
		t.Errorf("preview url = %q, want empty after exposure failure", srv.PreviewURL)
	}
	if sbx.exposeCalls != 1 {
		t.Errorf("expose calls = %d, want 1", sbx.exposeCalls)
	}
}

func TestEnsure_ExposeSuccessSetsPreviewURL(t *testing.T) {
	sbx := &fakeSandbox{}

	srv, err := newTestCoordinator().Ensure(context.Background(), sbx, Options{
		Port:       8001,
		ExposePort: true,
		Hostname:   "preview.example.com",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.PreviewURL != "https://8001-sbx.preview.example.com" {
		t.Errorf("preview url = %q", srv.PreviewURL)
	}
}

func TestEnsure_HostnamePrecondition(t *testing.T) {
	sbx := &fakeSandbox{}

	_, err := newTestCoordinator().Ensure(context.Background(), sbx, Options{
		Port:       8001,
		ExposePort: true,
	})
	if !errors.Is(err, ErrHostnameRequired) {
		t.Fatalf("err = %v, want ErrHostnameRequired", err)
	}
	if sbx.listCalls != 0 || sbx.starts != 0 || sbx.exposeCalls != 0 {
		t.Error("sandbox was called before the hostname precondition")
	}
}

// --- locator ---

func TestLocate_Matching(t *testing.T) {
	sbx := &fakeSandbox{}
	first := &fakeProcess{
		id:      "proc-a",
		command: "/opt/openhands/agent-server --host 0.0.0.0 --port 8001",
		status:  sandbox.StatusRunning,
	}
	sbx.addProcess(first)
	sbx.addProcess(&fakeProcess{
		id:      "proc-b",
		command: "/opt/openhands/agent-server --host 0.0.0.0 --port 9001",
		status:  sandbox.StatusRunning,
	})

	c := newTestCoordinator()
	ctx := context.Background()

	got, err := c.Locate(ctx, sbx, 8001)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID() != "proc-a" {
		t.Errorf("locate 8001 = %v, want proc-a", got)
	}

	got, err = c.Locate(ctx, sbx, 7000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("locate 7000 = %v, want not found", got.ID())
	}
}

func TestLocate_SkipsDeadAndForeignProcesses(t *testing.T) {
	sbx := &fakeSandbox{}
	sbx.addProcess(&fakeProcess{
		id:      "proc-dead",
		command: "/opt/openhands/agent-server --host 0.0.0.0 --port 8001",
		status:  sandbox.StatusFailed,
	})
	sbx.addProcess(&fakeProcess{
		id:      "proc-other",
		command: "python -m http.server --port 8001",
		status:  sandbox.StatusRunning,
	})
	sbx.addProcess(&fakeProcess{
		id:      "proc-eq",
		command: "/opt/openhands/agent-server --host 0.0.0.0 --port=8001",
		status:  sandbox.StatusRunning,
	})

	got, err := newTestCoordinator().Locate(context.Background(), sbx, 8001)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || got.ID() != "proc-eq" {
		t.Errorf("locate = %v, want proc-eq (dead and foreign skipped, --port= accepted)", got)
	}
}

// The substring match is deliberately loose: a port that is a prefix of
// another port's digits still matches. Pinned so nobody tightens it without
// noticing the compatibility consequence.
func TestLocate_PermissiveSubstringPinned(t *testing.T) {
	sbx := &fakeSandbox{}
	sbx.addProcess(&fakeProcess{
		id:      "proc-a",
		command: "/opt/openhands/agent-server --host 0.0.0.0 --port 8001",
		status:  sandbox.StatusRunning,
	})

	got, err := newTestCoordinator().Locate(context.Background(), sbx, 800)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil {
		t.Fatal("locate 800 = not found, want the permissive match on 8001")
	}
}

// --- stop ---

func TestStop(t *testing.T) {
	sbx := &fakeSandbox{}
	c := newTestCoordinator()
	ctx := context.Background()

	if _, err := c.Stop(ctx, sbx, 8001); !errors.Is(err, ErrNoServer) {
		t.Errorf("err = %v, want ErrNoServer", err)
	}

	p := &fakeProcess{
		id:      "proc-a",
		command: BuildCommand("", 8001, ""),
		status:  sandbox.StatusRunning,
	}
	sbx.addProcess(p)

	id, err := c.Stop(ctx, sbx, 8001)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "proc-a" {
		t.Errorf("id = %q", id)
	}
	if len(p.signals) != 1 || p.signals[0] != syscall.SIGTERM {
		t.Errorf("signals = %v, want [SIGTERM]", p.signals)
	}
}

// --- forward ---

func TestForward_PassThrough(t *testing.T) {
	want := &http.Response{
		StatusCode: http.StatusTeapot,
		Header:     http.Header{"X-Upstream": []string{"yes"}},
		Body:       io.NopCloser(strings.NewReader("upstream body")),
	}
	var gotPort int
	sbx := &fakeSandbox{
		fetch: func(_ context.Context, _ *http.Request, port int) (*http.Response, error) {
			gotPort = port
			return want, nil
		},
	}

	srv := &Server{Port: 8001}
	req, _ := http.NewRequest(http.MethodGet, "http://x/api", nil)

	resp, err := Forward(context.Background(), sbx, srv, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != want {
		t.Error("response was not passed through unmodified")
	}
	if gotPort != 8001 {
		t.Errorf("port = %d", gotPort)
	}
}

func TestForward_ErrorUnmodified(t *testing.T) {
	transportErr := errors.New("connection reset by peer")
	sbx := &fakeSandbox{
		fetch: func(_ context.Context, _ *http.Request, _ int) (*http.Response, error) {
			return nil, transportErr
		},
	}
	req, _ := http.NewRequest(http.MethodGet, "http://x/", nil)

	_, err := Forward(context.Background(), sbx, &Server{Port: 8001}, req)
	if err != transportErr {
		t.Errorf("err = %v, want the transport error unmodified", err)
	}
}

// --- command builder ---

func TestBuildCommand(t *testing.T) {
	got := BuildCommand("", 8001, "")
	want := "/opt/openhands/agent-server --host 0.0.0.0 --port 8001"
	if got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
	if again := BuildCommand("", 8001, ""); again != got {
		t.Error("command builder is not deterministic")
	}

	got = BuildCommand("/usr/local/bin/agent-server", 9001, "/workspace")
	want = "cd /workspace && /usr/local/bin/agent-server --host 0.0.0.0 --port 9001"
	if got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
}

// --- metrics ---

func TestEnsure_MetricsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := newTestCoordinator().WithMetrics(NewMetrics(reg))
	sbx := &fakeSandbox{}
	ctx := context.Background()

	if _, err := c.Ensure(ctx, sbx, Options{Port: 8001}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Ensure(ctx, sbx, Options{Port: 8001}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := gatherCounter(t, reg, "openhands_server_ensure_total")
	if got["started"] != 1 || got["reused"] != 1 {
		t.Errorf("ensure_total = %v, want started=1 reused=1", got)
	}
}

// gatherCounter collects a counter vec's values keyed by the outcome label.
func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	out := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			out[labelValue(m.GetLabel(), "outcome")] = m.GetCounter().GetValue()
		}
	}
	return out
}

func labelValue(pairs []*dto.LabelPair, name string) string {
	for _, p := range pairs {
		if p.GetName() == name {
			return p.GetValue()
		}
	}
	return ""
}
