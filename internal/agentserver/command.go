package agentserver

import "fmt"

// DefaultBinary is where the runtime image installs the agent server. The
// path doubles as the signature the locator recognizes server processes by.
const DefaultBinary = "/opt/openhands/agent-server"

// BuildCommand produces the exact launch command line for the agent server
// bound to all interfaces on the given port. A non-empty dir prefixes a
// directory change so the server's working directory matches.
//
// Pure and deterministic: the locator pattern-matches against this same
// string shape, so the format must not vary between calls.
func BuildCommand(binary string, port int, dir string) string {
	if binary == "" {
		binary = DefaultBinary
	}
	command := fmt.Sprintf("%s --host 0.0.0.0 --port %d", binary, port)
	if dir != "" {
		command = fmt.Sprintf("cd %s && %s", dir, command)
	}
	return command
}
