package bridgeruntime

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/goiltpatpat/patze-control/internal/commandqueue"
)

// maxCapturedOutput bounds how much of a command's combined stdout/stderr is
// kept, matching the donor's local-exec truncation
// (appliance/internal/daemon/healing_executor.go's executeLocal).
const maxCapturedOutput = 2000

// defaultCommandTimeout bounds every command's execution; the snapshot's
// args are not read for a per-command timeout.
const defaultCommandTimeout = 2 * time.Minute

// OpenClawExecutor runs BridgeCommand intents by shelling out to the local
// `openclaw` CLI (or OPENCLAW_BIN override, §4.9), mirroring the donor's
// self-host local-exec path rather than its WinRM/SSH remote dispatch —
// here the bridge always executes on its own host. run_command intents run
// an operator-supplied shell command directly, the same bash -c idiom the
// donor uses for self-healing.
type OpenClawExecutor struct {
	// OpenClawBin overrides the `openclaw` binary path; empty uses PATH
	// lookup.
	OpenClawBin string
}

func (e *OpenClawExecutor) openclawBin() string {
	if e.OpenClawBin != "" {
		return e.OpenClawBin
	}
	return "openclaw"
}

// Execute implements Executor.
func (e *OpenClawExecutor) Execute(ctx context.Context, cmd *commandqueue.Command) commandqueue.Result {
	switch cmd.Snapshot.Intent {
	case commandqueue.IntentTriggerJob:
		jobID, _ := cmd.Snapshot.Args["jobId"].(string)
		return e.run(ctx, e.openclawBin(), "jobs", "trigger", jobID)
	case commandqueue.IntentAgentSetEnabled:
		agentID, _ := cmd.Snapshot.Args["agentId"].(string)
		enabled, _ := cmd.Snapshot.Args["enabled"].(bool)
		state := "disable"
		if enabled {
			state = "enable"
		}
		return e.run(ctx, e.openclawBin(), "agents", state, agentID)
	case commandqueue.IntentApproveRequest:
		requestID, _ := cmd.Snapshot.Args["requestId"].(string)
		return e.run(ctx, e.openclawBin(), "approvals", "approve", requestID)
	case commandqueue.IntentRunCommand:
		shellCmd, _ := cmd.Snapshot.Args["command"].(string)
		if shellCmd == "" {
			return commandqueue.Result{Status: "failed", ExitCode: -1, Stderr: "run_command requires args.command"}
		}
		return e.run(ctx, "bash", "-c", shellCmd)
	default:
		return commandqueue.Result{Status: "failed", ExitCode: -1, Stderr: fmt.Sprintf("unknown intent %q", cmd.Snapshot.Intent)}
	}
}

func (e *OpenClawExecutor) run(ctx context.Context, name string, args ...string) commandqueue.Result {
	ctx, cancel := context.WithTimeout(ctx, defaultCommandTimeout)
	defer cancel()

	start := time.Now()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	duration := time.Since(start)

	output := string(out)
	truncated := false
	if len(output) > maxCapturedOutput {
		output = output[len(output)-maxCapturedOutput:]
		truncated = true
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return commandqueue.Result{
			Status: "failed", ExitCode: exitCode, DurationMs: duration.Milliseconds(),
			Stdout: output, Stderr: err.Error(), Truncated: truncated,
		}
	}
	return commandqueue.Result{
		Status: "succeeded", ExitCode: 0, DurationMs: duration.Milliseconds(),
		Stdout: output, Truncated: truncated,
	}
}
