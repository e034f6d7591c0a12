package lifecycle

import (
	"context"
	"strings"
)

// PreflightResult is the dry-run connectivity check response for
// POST /bridge/preflight (§6.1), supplementing the distilled spec: a
// connect-and-probe-only pass through the same Connector/Session the
// full Setup flow uses, with no install and no reverse forward.
type PreflightResult struct {
	OK                 bool     `json:"ok"`
	Mode               string   `json:"mode"`
	SSHHost            string   `json:"sshHost"`
	SSHUser            string   `json:"sshUser"`
	SSHPort            string   `json:"sshPort"`
	Message            string   `json:"message"`
	AuthMethod         string   `json:"authMethod"`
	AcceptedNewHostKey bool     `json:"acceptedNewHostKey"`
	Hints              []string `json:"hints,omitempty"`
}

// hintTable maps a substring of a preflight error to an operator-facing
// hint, the same shape as the donor's checkTypeMap/healMap lookup tables
// (grpcserver/server.go) generalized from check-type routing to
// error-message routing.
var hintTable = []struct {
	substr string
	hint   string
}{
	{"permission denied", "the SSH key or password was rejected; verify the credential matches the target user"},
	{"no route to host", "the target is unreachable from the control plane's network; check firewall/VPN routing"},
	{"connection refused", "nothing is listening on the given port; verify sshd is running and the port is correct"},
	{"host key", "the remote host key changed or is unknown; confirm the target's identity before retrying"},
	{"timeout", "the connection attempt timed out; the target may be offline or behind a slow network path"},
	{"i/o timeout", "the connection attempt timed out; the target may be offline or behind a slow network path"},
}

// hintsFor returns every hint whose substring appears in msg, case-insensitively.
func hintsFor(msg string) []string {
	lower := strings.ToLower(msg)
	var hints []string
	for _, h := range hintTable {
		if strings.Contains(lower, h.substr) {
			hints = append(hints, h.hint)
		}
	}
	return hints
}

// Preflight connects to cfg via connector, runs the Session's preflight
// check, and closes the connection without installing anything. It never
// touches a Manager's bridge registry — this is a stateless dry run.
func Preflight(ctx context.Context, connector Connector, cfg TargetConfig) PreflightResult {
	session, err := connector.Connect(ctx, cfg)
	if err != nil {
		return PreflightResult{
			OK: false, SSHHost: cfg.Host, SSHUser: cfg.User, SSHPort: cfg.Port,
			Message: err.Error(), Hints: hintsFor(err.Error()),
		}
	}
	defer session.Close()

	if err := session.Preflight(ctx); err != nil {
		return PreflightResult{
			OK: false, SSHHost: cfg.Host, SSHUser: cfg.User, SSHPort: cfg.Port,
			Message: err.Error(), Hints: hintsFor(err.Error()),
		}
	}

	probe := probeTarget(ctx, session)
	mode := "user"
	if probe.IsRoot || probe.SudoNoPassword {
		mode = "system"
	}

	return PreflightResult{
		OK: true, Mode: mode, SSHHost: cfg.Host, SSHUser: cfg.User, SSHPort: cfg.Port,
		Message:            "preflight succeeded",
		AuthMethod:         "ssh",
		AcceptedNewHostKey: len(session.Advisories()) > 0,
		Hints:              nil,
	}
}
