package taskstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(
		filepath.Join(dir, "tasks.json"),
		filepath.Join(dir, "snapshots"),
		filepath.Join(dir, "run_history.jsonl"),
		0,
	)
}

func TestLoadToleratesMissingFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("expected empty store")
	}
}

func TestLoadToleratesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}
	s := New(path, filepath.Join(dir, "snapshots"), "", 0)
	if err := s.Load(); err != nil {
		t.Fatalf("Load on corrupt file should not error: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("expected empty store after corrupt load")
	}
}

func TestCreateUpdateDeleteRoundTrip(t *testing.T) {
	s := newTestStore(t)
	task, err := s.Create("nightly-backup", "backs up job logs",
		Schedule{Kind: ScheduleCron, Value: "0 2 * * *"},
		Action{Intent: "run_command", Args: map[string]interface{}{"command": "backup.sh"}},
		60_000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != StatusActive {
		t.Fatalf("expected new task active, got %s", task.Status)
	}

	updated, err := s.Update(task.ID, func(tk *Task) { tk.Status = StatusPaused })
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Status != StatusPaused {
		t.Fatalf("expected paused, got %s", updated.Status)
	}

	if err := s.Delete(task.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(task.ID); ok {
		t.Fatalf("expected task gone after delete")
	}
}

func TestMutationsCaptureAutoSnapshots(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("t1", "", Schedule{Kind: ScheduleEvery, Value: "1h"}, Action{Intent: "run_command"}, 1000); err != nil {
		t.Fatalf("Create: %v", err)
	}
	snaps, err := s.ListSnapshots()
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected 1 auto snapshot after create, got %d", len(snaps))
	}
	if snaps[0].Source != SourceAuto {
		t.Fatalf("expected auto source, got %s", snaps[0].Source)
	}
}

func TestSnapshotRollbackRoundTrip(t *testing.T) {
	s := newTestStore(t)
	t1, _ := s.Create("t1", "first", Schedule{Kind: ScheduleAt, Value: time.Now().UTC().Format(time.RFC3339)}, Action{Intent: "trigger_job"}, 1000)
	before := s.List()

	meta, err := s.CaptureSnapshot(SourceManual, "manual checkpoint")
	if err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}

	if _, err := s.Create("t2", "second", Schedule{Kind: ScheduleEvery, Value: "5m"}, Action{Intent: "agent_set_enabled"}, 2000); err != nil {
		t.Fatalf("Create t2: %v", err)
	}
	if len(s.List()) != 2 {
		t.Fatalf("expected 2 tasks before rollback")
	}

	if err := s.Rollback(meta.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	after := s.List()

	if !tasksEqual(before, after) {
		t.Fatalf("rollback did not restore prior task set: before=%+v after=%+v", before, after)
	}
	if _, ok := s.Get(t1.ID); !ok {
		t.Fatalf("expected restored task %s present", t1.ID)
	}
}

func TestRollbackEmitsCreatedEvents(t *testing.T) {
	s := newTestStore(t)
	s.Create("t1", "", Schedule{Kind: ScheduleEvery, Value: "1h"}, Action{Intent: "run_command"}, 1000)
	meta, err := s.CaptureSnapshot(SourceManual, "checkpoint")
	if err != nil {
		t.Fatalf("CaptureSnapshot: %v", err)
	}

	var events []Event
	s.Subscribe(func(e Event) { events = append(events, e) })

	if err := s.Rollback(meta.ID); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if len(events) != 1 || events[0].Kind != EventCreated {
		t.Fatalf("expected one synthetic created event, got %+v", events)
	}
}

func TestRecordRunBoundsInMemoryRing(t *testing.T) {
	s := newTestStore(t)
	task, _ := s.Create("t1", "", Schedule{Kind: ScheduleEvery, Value: "1m"}, Action{Intent: "run_command"}, 1000)

	for i := 0; i < maxTaskRuns+10; i++ {
		if err := s.RecordRun(task.ID, RunRecord{ID: task.ID, StartedAt: time.Now().UTC(), Status: "succeeded"}); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}
	got, _ := s.Get(task.ID)
	if len(got.Runs) != maxTaskRuns {
		t.Fatalf("expected Runs bounded at %d, got %d", maxTaskRuns, len(got.Runs))
	}
}

func TestRunHistoryPersistsAcrossRuns(t *testing.T) {
	s := newTestStore(t)
	task, _ := s.Create("t1", "", Schedule{Kind: ScheduleEvery, Value: "1m"}, Action{Intent: "run_command"}, 1000)

	if err := s.RecordRun(task.ID, RunRecord{ID: "r1", StartedAt: time.Now().UTC(), Status: "succeeded"}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := s.RecordRun(task.ID, RunRecord{ID: "r2", StartedAt: time.Now().UTC(), Status: "failed", Error: "boom"}); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}

	runs, taskIDs, err := ReadRunHistory(s.runHistoryPath)
	if err != nil {
		t.Fatalf("ReadRunHistory: %v", err)
	}
	if len(runs) != 2 || len(taskIDs) != 2 {
		t.Fatalf("expected 2 history lines, got %d", len(runs))
	}
	if taskIDs[0] != task.ID || taskIDs[1] != task.ID {
		t.Fatalf("expected both lines tagged with task id %s, got %v", task.ID, taskIDs)
	}
}

func TestRunHistoryRespectsSizeCap(t *testing.T) {
	dir := t.TempDir()
	historyPath := filepath.Join(dir, "run_history.jsonl")
	s := New(filepath.Join(dir, "tasks.json"), filepath.Join(dir, "snapshots"), historyPath, 300)
	task, _ := s.Create("t1", "", Schedule{Kind: ScheduleEvery, Value: "1m"}, Action{Intent: "run_command"}, 1000)

	for i := 0; i < 50; i++ {
		if err := s.RecordRun(task.ID, RunRecord{ID: task.ID, StartedAt: time.Now().UTC(), Status: "succeeded"}); err != nil {
			t.Fatalf("RecordRun: %v", err)
		}
	}

	info, err := os.Stat(historyPath)
	if err != nil {
		t.Fatalf("stat run history: %v", err)
	}
	if info.Size() > 300+512 { // slack beyond the cap; trimRunHistory already trims back to at most 300 bytes after each append
		t.Fatalf("run history file grew past its cap: %d bytes", info.Size())
	}
}
