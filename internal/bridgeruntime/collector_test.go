package bridgeruntime

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/goiltpatpat/patze-control/internal/projector"
)

func writeRun(t *testing.T, dir, name string, rec runRecord) {
	t.Helper()
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestFileCollectorReadsRunsSorted(t *testing.T) {
	jobsDir := t.TempDir()
	runsDir := filepath.Join(jobsDir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	writeRun(t, runsDir, "b.json", runRecord{RunID: "run-b", MachineID: "m1", State: "running"})
	writeRun(t, runsDir, "a.json", runRecord{RunID: "run-a", MachineID: "m1", State: "completed"})

	c := &FileCollector{JobsDir: jobsDir}
	runs, err := c.CollectRuns(context.Background())
	if err != nil {
		t.Fatalf("CollectRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].RunID != "run-a" || runs[1].RunID != "run-b" {
		t.Fatalf("expected sorted by filename, got %+v", runs)
	}
	if runs[0].State != projector.StateCompleted {
		t.Fatalf("state = %s, want completed", runs[0].State)
	}
}

func TestFileCollectorToleratesMissingDir(t *testing.T) {
	c := &FileCollector{JobsDir: filepath.Join(t.TempDir(), "nope")}
	runs, err := c.CollectRuns(context.Background())
	if err != nil {
		t.Fatalf("CollectRuns: %v", err)
	}
	if runs != nil {
		t.Fatalf("expected nil runs for missing dir, got %+v", runs)
	}
}

func TestFileCollectorSkipsMalformedEntries(t *testing.T) {
	jobsDir := t.TempDir()
	runsDir := filepath.Join(jobsDir, "runs")
	if err := os.MkdirAll(runsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(runsDir, "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeRun(t, runsDir, "good.json", runRecord{RunID: "run-good", MachineID: "m1", State: "running"})

	c := &FileCollector{JobsDir: jobsDir}
	runs, err := c.CollectRuns(context.Background())
	if err != nil {
		t.Fatalf("CollectRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-good" {
		t.Fatalf("expected only the well-formed run, got %+v", runs)
	}
}
