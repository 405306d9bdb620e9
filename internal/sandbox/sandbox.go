// Package sandbox defines the compute capability the gateway runs against:
// launching background processes, listing them, exposing ports for external
// reach, and carrying HTTP traffic to ports inside the sandbox.
// The lifecycle coordinator only ever talks to these interfaces — never to
// the host directly.
package sandbox

import (
	"context"
	"errors"
	"net/http"
	"syscall"
	"time"
)

const (
	// DefaultWaitTimeout bounds every readiness wait.
	DefaultWaitTimeout = 60 * time.Second

	// DefaultProbePath is the HTTP path probed during a readiness wait.
	DefaultProbePath = "/"
)

// ErrExposeUnsupported is returned by sandboxes that have no edge to
// register ports with.
var ErrExposeUnsupported = errors.New("sandbox: port exposure not supported")

// ProcessStatus is the lifecycle state of a sandboxed process.
type ProcessStatus string

const (
	StatusStarting ProcessStatus = "starting"
	StatusRunning  ProcessStatus = "running"
	StatusStopped  ProcessStatus = "stopped"
	StatusFailed   ProcessStatus = "failed"
	StatusKilled   ProcessStatus = "killed"
)

// Alive reports whether the process is still a candidate for serving traffic.
func (s ProcessStatus) Alive() bool {
	return s == StatusStarting || s == StatusRunning
}

// StartOptions configures a background process launch.
type StartOptions struct {
	// Cwd overrides the working directory. Empty = sandbox default.
	Cwd string

	// Env adds environment variables on top of the sandbox's base set.
	Env map[string]string
}

// ExposeOptions configures external port registration.
type ExposeOptions struct {
	// Hostname is the edge hostname the preview URL is minted under.
	Hostname string
}

// WaitOptions configures a readiness wait on a port.
type WaitOptions struct {
	// Path is the HTTP path probed. Empty = DefaultProbePath.
	Path string

	// Timeout bounds the wait. Zero = DefaultWaitTimeout.
	Timeout time.Duration
}

// ProcessLogs is a snapshot of a process's captured output.
type ProcessLogs struct {
	Stdout string
	Stderr string
}

// Process is a handle on a single process inside the sandbox. Handles
// obtained from ListProcesses and from StartProcess are equivalent.
type Process interface {
	// ID is an opaque, sandbox-unique identifier.
	ID() string

	// Command is the command line the process was started with, as the
	// sandbox reports it.
	Command() string

	// Status is the current lifecycle state.
	Status() ProcessStatus

	// WaitForPort blocks until an HTTP request to the given port inside
	// the sandbox succeeds, or the timeout elapses.
	WaitForPort(ctx context.Context, port int, opts WaitOptions) error

	// Logs returns the captured output so far. Processes discovered rather
	// than started through this client may have empty logs.
	Logs(ctx context.Context) (*ProcessLogs, error)

	// Signal delivers a signal to the process.
	Signal(ctx context.Context, sig syscall.Signal) error
}

// Sandbox is the isolated compute environment.
type Sandbox interface {
	// ListProcesses returns the sandbox's current process table in a
	// stable order. This is the single source of truth for what is
	// running — callers re-read it instead of caching results.
	ListProcesses(ctx context.Context) ([]Process, error)

	// StartProcess launches a background process from a shell command line.
	StartProcess(ctx context.Context, command string, opts StartOptions) (Process, error)

	// ExposePort registers a port for external reachability and returns
	// the resulting preview URL.
	ExposePort(ctx context.Context, port int, opts ExposeOptions) (string, error)

	// Fetch relays an HTTP request to a port inside the sandbox and
	// returns the upstream response untouched.
	Fetch(ctx context.Context, req *http.Request, port int) (*http.Response, error)
}
