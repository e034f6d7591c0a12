package bridgeruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goiltpatpat/patze-control/internal/projector"
)

// RunSnapshot is one run as observed from the OpenClaw source, trimmed to
// the fields the heartbeat loop diffs against (§4.6 step 2).
type RunSnapshot struct {
	RunID         string
	SessionID     string
	MachineID     string
	AgentID       string
	State         projector.RunState
	FailureReason string
}

// Collector gathers the current set of active/recently-changed runs from an
// OpenClaw installation. The file-mode implementation below reads JSON run
// records off disk; a CLI-mode collector (shelling out to `openclaw runs
// list --json`) would satisfy the same interface.
type Collector interface {
	CollectRuns(ctx context.Context) ([]RunSnapshot, error)
}

// runRecord is the on-disk shape OpenClaw writes per run under
// <jobsDir>/runs/<id>.json.
type runRecord struct {
	RunID         string `json:"runId"`
	SessionID     string `json:"sessionId"`
	MachineID     string `json:"machineId"`
	AgentID       string `json:"agentId"`
	State         string `json:"state"`
	FailureReason string `json:"failureReason,omitempty"`
}

// FileCollector reads run snapshots from <jobsDir>/runs/*.json, OpenClaw's
// on-disk run-state directory (§4.10's Cron Sync Pusher tails the same
// tree's logs; this collector reads the current-state side of it).
type FileCollector struct {
	JobsDir string
}

// CollectRuns implements Collector.
func (c *FileCollector) CollectRuns(ctx context.Context) ([]RunSnapshot, error) {
	runsDir := filepath.Join(expandTilde(c.JobsDir), "runs")
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs dir %s: %w", runsDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".json" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	runs := make([]RunSnapshot, 0, len(names))
	for _, name := range names {
		select {
		case <-ctx.Done():
			return runs, ctx.Err()
		default:
		}

		data, err := os.ReadFile(filepath.Join(runsDir, name))
		if err != nil {
			continue
		}
		var rec runRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		runs = append(runs, RunSnapshot{
			RunID:         rec.RunID,
			SessionID:     rec.SessionID,
			MachineID:     rec.MachineID,
			AgentID:       rec.AgentID,
			State:         projector.RunState(rec.State),
			FailureReason: rec.FailureReason,
		})
	}
	return runs, nil
}

func expandTilde(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
