package taskstore

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/goiltpatpat/patze-control/internal/persistence"
)

// CaptureSnapshot writes a TaskSnapshot of the current task set to
// `<snapshotDir>/<snapshotId>.json` (§6.4) and returns its metadata.
// source is "auto" for the snapshots Create/Update/Delete take on every
// mutation, or "manual" for an operator-requested snapshot via the API.
func (s *Store) CaptureSnapshot(source SnapshotSource, description string) (SnapshotMeta, error) {
	if s.snapshotDir == "" {
		return SnapshotMeta{}, fmt.Errorf("task store has no snapshot directory configured")
	}

	s.mu.Lock()
	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, cloneTask(t))
	}
	s.mu.Unlock()
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	meta := SnapshotMeta{
		ID: uuid.NewString(), TS: time.Now().UTC(),
		Source: source, Description: description,
	}
	sf := snapshotFile{SnapshotMeta: meta, Tasks: tasks}

	path := filepath.Join(s.snapshotDir, meta.ID+".json")
	if err := persistence.WriteJSONAtomic(path, sf, false); err != nil {
		return SnapshotMeta{}, fmt.Errorf("write snapshot %s: %w", meta.ID, err)
	}
	return meta, nil
}

// ListSnapshots returns every captured snapshot's metadata, newest first.
func (s *Store) ListSnapshots() ([]SnapshotMeta, error) {
	if s.snapshotDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.snapshotDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshot dir: %w", err)
	}

	var out []SnapshotMeta
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var sf snapshotFile
		if err := persistence.ReadJSON(filepath.Join(s.snapshotDir, e.Name()), &sf); err != nil {
			continue
		}
		out = append(out, sf.SnapshotMeta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.After(out[j].TS) })
	return out, nil
}

// Rollback loads the snapshot identified by snapshotID and fully replaces
// the live task set with it (§4.11 "Rollback loads a snapshot and fully
// replaces the task set, emitting events as if each task had been
// recreated"). Tasks present before Rollback but absent from the snapshot
// are dropped without a "deleted" event — the snapshot, not the prior live
// set, is the new source of truth.
func (s *Store) Rollback(snapshotID string) error {
	if s.snapshotDir == "" {
		return fmt.Errorf("task store has no snapshot directory configured")
	}
	path := filepath.Join(s.snapshotDir, snapshotID+".json")
	var sf snapshotFile
	if err := persistence.ReadJSON(path, &sf); err != nil {
		return fmt.Errorf("read snapshot %s: %w", snapshotID, err)
	}

	restored := make(map[string]*Task, len(sf.Tasks))
	for i := range sf.Tasks {
		t := sf.Tasks[i]
		restored[t.ID] = &t
	}

	s.mu.Lock()
	s.tasks = restored
	s.saveLocked()
	s.mu.Unlock()

	for _, t := range restored {
		s.broadcast(EventCreated, cloneTask(t))
	}
	return nil
}

// tasksEqual implements the §8.2 round-trip property
// "capture(tasks); rollback(snapshot) ⇒ tasksEqual(before, after)", comparing
// every field an operator would consider part of a task's identity (runs and
// timestamps included — a faithful rollback restores the full record).
// time.Time fields are compared with Equal rather than via reflect.DeepEqual
// on the whole struct: a live Task's timestamps carry a monotonic reading
// that a snapshot round-tripped through JSON never does, so two semantically
// identical instants would otherwise compare unequal.
func tasksEqual(a, b []Task) bool {
	if len(a) != len(b) {
		return false
	}
	byID := make(map[string]Task, len(a))
	for _, t := range a {
		byID[t.ID] = t
	}
	for _, t := range b {
		prev, ok := byID[t.ID]
		if !ok {
			return false
		}
		if !sameTask(prev, t) {
			return false
		}
	}
	return true
}

func sameTask(a, b Task) bool {
	if a.ID != b.ID || a.Name != b.Name || a.Description != b.Description ||
		a.Schedule != b.Schedule || a.TimeoutMs != b.TimeoutMs || a.Status != b.Status {
		return false
	}
	if !reflect.DeepEqual(a.Action, b.Action) {
		return false
	}
	if !a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	if (a.NextRunAt == nil) != (b.NextRunAt == nil) {
		return false
	}
	if a.NextRunAt != nil && !a.NextRunAt.Equal(*b.NextRunAt) {
		return false
	}
	if len(a.Runs) != len(b.Runs) {
		return false
	}
	for i := range a.Runs {
		ra, rb := a.Runs[i], b.Runs[i]
		if ra.ID != rb.ID || ra.Status != rb.Status || ra.Error != rb.Error {
			return false
		}
		if !ra.StartedAt.Equal(rb.StartedAt) {
			return false
		}
		if (ra.FinishedAt == nil) != (rb.FinishedAt == nil) {
			return false
		}
		if ra.FinishedAt != nil && !ra.FinishedAt.Equal(*rb.FinishedAt) {
			return false
		}
	}
	return true
}
