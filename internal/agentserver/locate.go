package agentserver

import (
	"fmt"
	"strings"

	"github.com/jagzmz/cloudflare-openhands-sdk/internal/sandbox"
)

// matchServerProcess returns the first listed process that looks like our
// agent server on the target port, or nil. First match wins deterministically
// even if the table somehow carries more than one.
//
// The match is substring-based on purpose — it tracks how the server binary
// reports its own argv, not how we launched it. A port number that is a
// prefix of another can in principle false-positive; tightening the match
// would break recognition of reformatted command lines.
func matchServerProcess(procs []sandbox.Process, binary string, port int) sandbox.Process {
	spaced := fmt.Sprintf("--port %d", port)
	joined := fmt.Sprintf("--port=%d", port)

	for _, p := range procs {
		if !p.Status().Alive() {
			continue
		}
		command := p.Command()
		if !strings.Contains(command, binary) {
			continue
		}
		if strings.Contains(command, spaced) || strings.Contains(command, joined) {
			return p
		}
	}
	return nil
}
