package agentserver

import (
	"errors"
	"fmt"
)

// ErrHostnameRequired is returned when port exposure is requested without a
// hostname to mint the preview URL under. Checked before any sandbox call.
var ErrHostnameRequired = errors.New("expose_port requires a hostname")

// ErrNoServer is the soft negative for stop/status: no matching server
// process exists in the sandbox.
var ErrNoServer = errors.New("no agent server running")

// StartupError describes a failed attempt to bring the agent server up.
// Fields carry enough context to diagnose without re-entering the sandbox.
type StartupError struct {
	Port      int
	Command   string
	ProcessID string // empty when the spawn itself failed
	Stderr    string // captured process output, verbatim
	Err       error
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("agent server startup failed on port %d: %v", e.Port, e.Err)
	if e.Stderr != "" {
		msg += "\nstderr: " + e.Stderr
	}
	return msg
}

func (e *StartupError) Unwrap() error { return e.Err }
