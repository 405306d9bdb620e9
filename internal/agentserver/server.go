package agentserver

import (
	"context"
	"fmt"
	"syscall"

	"github.com/jagzmz/cloudflare-openhands-sdk/internal/sandbox"
)

// Outcome records how Ensure arrived at a server handle.
type Outcome string

const (
	// OutcomeStarted: a new process was spawned and became ready.
	OutcomeStarted Outcome = "started"
	// OutcomeReused: a live matching process already existed.
	OutcomeReused Outcome = "reused"
	// OutcomeRecovered: our own start lost a race, but the recheck found
	// the winner's process and adopted it.
	OutcomeRecovered Outcome = "recovered"
)

// Server is the caller-facing handle on a running agent server. Handles are
// cheap views over the underlying process: when two callers raced to ensure
// the same server, both hold handles onto the same process.
type Server struct {
	Port       int
	BaseURL    string
	PreviewURL string // empty unless port exposure succeeded
	ProcessID  string
	Outcome    Outcome

	proc sandbox.Process
}

func newServer(proc sandbox.Process, port int, outcome Outcome) *Server {
	return &Server{
		Port:      port,
		BaseURL:   fmt.Sprintf("http://localhost:%d", port),
		ProcessID: proc.ID(),
		Outcome:   outcome,
		proc:      proc,
	}
}

// Process returns the underlying sandbox process handle.
func (s *Server) Process() sandbox.Process { return s.proc }

// Logs returns the server process's captured output.
func (s *Server) Logs(ctx context.Context) (*sandbox.ProcessLogs, error) {
	return s.proc.Logs(ctx)
}

// Close terminates the underlying process unconditionally. Every other
// handle wrapping the same process goes dark with it.
func (s *Server) Close(ctx context.Context) error {
	return s.proc.Signal(ctx, syscall.SIGTERM)
}
