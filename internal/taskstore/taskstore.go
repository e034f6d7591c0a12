// Package taskstore implements the Scheduled Task & Snapshot Store
// (component L, §3.5/§4.11/§6.4), grounded on commandqueue.Store's
// load-update-save-atomic-persist shape (itself grounded on
// appliance/internal/orders/processor.go) and on lifecycle's
// append-then-trim bounded-ring idiom (internal/lifecycle/scrub.go's
// appendLog) for the per-task bounded run list.
package taskstore

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goiltpatpat/patze-control/internal/persistence"
)

// ScheduleKind is how a Task's next run is determined.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// Schedule is a Task's trigger: Value is an RFC3339 instant for "at", a
// Go duration string for "every", or a cron expression for "cron".
type Schedule struct {
	Kind  ScheduleKind `json:"kind"`
	Value string       `json:"value"`
}

// Action is what a Task does when it fires, mirroring commandqueue.Snapshot's
// intent/args shape so a task's fire can be dispatched the same way a
// command is.
type Action struct {
	Intent string                 `json:"intent"`
	Args   map[string]interface{} `json:"args,omitempty"`
}

// Status is a Task's run/pause state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusDisabled Status = "disabled"
)

// maxTaskRuns bounds Task.Runs, matching the §3.2 RunDetail.toolCalls
// precedent of a ≤50-entry bounded ring with oldest evicted.
const maxTaskRuns = 50

// RunRecord is one completed (or in-flight) firing of a Task, retained in
// Task.Runs as a bounded ring and mirrored in full to the JSONL run history.
type RunRecord struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	Status     string     `json:"status"` // succeeded|failed
	Error      string     `json:"error,omitempty"`
}

// Task is the §3.5 Scheduled Task record.
type Task struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Schedule    Schedule    `json:"schedule"`
	Action      Action      `json:"action"`
	TimeoutMs   int         `json:"timeoutMs"`
	Status      Status      `json:"status"`
	Runs        []RunRecord `json:"runs"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
	NextRunAt   *time.Time  `json:"nextRunAt,omitempty"`
}

func cloneTask(t *Task) Task {
	out := *t
	out.Runs = append([]RunRecord(nil), t.Runs...)
	if t.NextRunAt != nil {
		nra := *t.NextRunAt
		out.NextRunAt = &nra
	}
	return out
}

// EventKind distinguishes the three task lifecycle events a Store emits.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event is broadcast to Store subscribers on every task mutation, including
// the synthetic "created" events Rollback emits for each restored task.
type Event struct {
	Kind EventKind
	Task Task
}

// Listener receives task lifecycle events; see eventstore.Listener for the
// panic-isolation contract this mirrors.
type Listener func(Event)

// SnapshotSource distinguishes an automatic (pre/post-mutation) snapshot
// from one an operator requested explicitly via the API.
type SnapshotSource string

const (
	SourceAuto   SnapshotSource = "auto"
	SourceManual SnapshotSource = "manual"
)

// SnapshotMeta is a TaskSnapshot's metadata (§3.5): `(id, ts, source, description)`.
type SnapshotMeta struct {
	ID          string         `json:"id"`
	TS          time.Time      `json:"ts"`
	Source      SnapshotSource `json:"source"`
	Description string         `json:"description,omitempty"`
}

// snapshotFile is the on-disk shape of one `<snapshotId>.json` file (§6.4):
// metadata plus the full task set captured at that instant.
type snapshotFile struct {
	SnapshotMeta
	Tasks []Task `json:"tasks"`
}

// fileState is the on-disk {version, tasks} envelope (§6.4).
type fileState struct {
	Version int     `json:"version"`
	Tasks   []*Task `json:"tasks"`
}

// Store is the single-owner, file-persisted task store with snapshot/rollback
// and a size-capped JSONL run history.
type Store struct {
	mu    sync.Mutex
	path  string
	tasks map[string]*Task

	snapshotDir string

	runHistoryPath     string
	maxRunHistoryBytes int64

	listeners      map[int]Listener
	nextListenerID int
}

// DefaultMaxRunHistoryBytes bounds the JSONL run-history file; the RecordRun
// whose append exceeds it drops the oldest lines right away (§6.4 "size cap").
const DefaultMaxRunHistoryBytes = 5 * 1024 * 1024

// New constructs a Store. path is the `{version,tasks}` JSON file;
// snapshotDir holds one `<snapshotId>.json` per captured TaskSnapshot;
// runHistoryPath is the JSONL run-history file. maxRunHistoryBytes <= 0
// uses DefaultMaxRunHistoryBytes.
func New(path, snapshotDir, runHistoryPath string, maxRunHistoryBytes int64) *Store {
	if maxRunHistoryBytes <= 0 {
		maxRunHistoryBytes = DefaultMaxRunHistoryBytes
	}
	return &Store{
		path:               path,
		tasks:              make(map[string]*Task),
		snapshotDir:        snapshotDir,
		runHistoryPath:     runHistoryPath,
		maxRunHistoryBytes: maxRunHistoryBytes,
		listeners:          make(map[int]Listener),
	}
}

// Load hydrates the store from its persisted file. An absent OR corrupt file
// is tolerated: the store starts empty rather than failing to boot (§4.11
// "Task store loader tolerates absent/corrupt files").
func (s *Store) Load() error {
	var fs fileState
	if err := persistence.ReadJSON(s.path, &fs); err != nil {
		if !persistence.IsNotExist(err) {
			log.Printf("[taskstore] corrupt task store %s, starting empty: %v", s.path, err)
		}
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range fs.Tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *Store) saveLocked() {
	fs := fileState{Version: 1, Tasks: make([]*Task, 0, len(s.tasks))}
	for _, t := range s.tasks {
		fs.Tasks = append(fs.Tasks, t)
	}
	if err := persistence.WriteJSONAtomic(s.path, fs, true); err != nil {
		log.Printf("[taskstore] persist error: %v", err)
	}
}

func (s *Store) snapshotListenersLocked() []Listener {
	out := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		out = append(out, l)
	}
	return out
}

func (s *Store) broadcast(kind EventKind, t Task) {
	s.mu.Lock()
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[taskstore] listener panic recovered: %v", r)
				}
			}()
			l(Event{Kind: kind, Task: t})
		}()
	}
}

// Subscribe registers listener and returns a token usable with Unsubscribe.
func (s *Store) Subscribe(listener Listener) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextListenerID++
	id := s.nextListenerID
	s.listeners[id] = listener
	return id
}

// Unsubscribe removes a previously registered listener.
func (s *Store) Unsubscribe(token int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, token)
}

// Create adds a new task in status=active and captures an automatic
// snapshot of the resulting task set.
func (s *Store) Create(name, description string, schedule Schedule, action Action, timeoutMs int) (Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID: uuid.NewString(), Name: name, Description: description,
		Schedule: schedule, Action: action, TimeoutMs: timeoutMs,
		Status: StatusActive, CreatedAt: now, UpdatedAt: now,
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.saveLocked()
	s.mu.Unlock()

	if _, err := s.CaptureSnapshot(SourceAuto, fmt.Sprintf("create %s", t.ID)); err != nil {
		log.Printf("[taskstore] auto-snapshot after create failed: %v", err)
	}
	out := cloneTask(t)
	s.broadcast(EventCreated, out)
	return out, nil
}

// Update applies mutate to the task identified by id and captures an
// automatic snapshot of the resulting task set.
func (s *Store) Update(id string, mutate func(*Task)) (Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return Task{}, fmt.Errorf("task %s not found", id)
	}
	mutate(t)
	t.UpdatedAt = time.Now().UTC()
	s.saveLocked()
	out := cloneTask(t)
	s.mu.Unlock()

	if _, err := s.CaptureSnapshot(SourceAuto, fmt.Sprintf("update %s", id)); err != nil {
		log.Printf("[taskstore] auto-snapshot after update failed: %v", err)
	}
	s.broadcast(EventUpdated, out)
	return out, nil
}

// Delete removes the task identified by id and captures an automatic
// snapshot of the resulting task set.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	delete(s.tasks, id)
	s.saveLocked()
	out := cloneTask(t)
	s.mu.Unlock()

	if _, err := s.CaptureSnapshot(SourceAuto, fmt.Sprintf("delete %s", id)); err != nil {
		log.Printf("[taskstore] auto-snapshot after delete failed: %v", err)
	}
	s.broadcast(EventDeleted, out)
	return nil
}

// Get returns a copy of one task record.
func (s *Store) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return cloneTask(t), true
}

// List returns every task sorted by createdAt ASC.
func (s *Store) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RecordRun appends run to the task's bounded in-memory Runs ring and to the
// size-capped JSONL run history (§6.4).
func (s *Store) RecordRun(id string, run RunRecord) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s not found", id)
	}
	t.Runs = append(t.Runs, run)
	if len(t.Runs) > maxTaskRuns {
		t.Runs = t.Runs[len(t.Runs)-maxTaskRuns:]
	}
	t.UpdatedAt = time.Now().UTC()
	s.saveLocked()
	s.mu.Unlock()

	if s.runHistoryPath != "" {
		if err := appendRunHistory(s.runHistoryPath, s.maxRunHistoryBytes, id, run); err != nil {
			log.Printf("[taskstore] run history append error: %v", err)
		}
	}
	return nil
}
