// Package snapshot implements the frontend unified snapshot and its pure
// reducer (component D, §3.3/§4.3).
package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/goiltpatpat/patze-control/internal/projector"
	"github.com/goiltpatpat/patze-control/internal/telemetry"
)

// MaxLogs bounds Snapshot.Logs.
const MaxLogs = 200

// MaxRecentEvents bounds Snapshot.RecentEvents.
const MaxRecentEvents = 50

// GhostMachineAge is the lastSeenAt age threshold for ghost-machine pruning.
const GhostMachineAge = 2 * time.Minute

// HealthLevel is overall or per-machine health.
type HealthLevel string

const (
	HealthHealthy  HealthLevel = "healthy"
	HealthDegraded HealthLevel = "degraded"
	HealthCritical HealthLevel = "critical"
	HealthUnknown  HealthLevel = "unknown"
)

// Health is the derived health block of the snapshot.
type Health struct {
	Overall  HealthLevel            `json:"overall"`
	Machines map[string]HealthLevel `json:"machines"`
}

// LogLine is one bounded log entry.
type LogLine struct {
	TS      time.Time `json:"ts"`
	Summary string    `json:"summary"`
}

// RecentEvent is one bounded recent-event summary (heartbeats excluded).
type RecentEvent struct {
	ID      string    `json:"id"`
	TS      time.Time `json:"ts"`
	Type    string    `json:"type"`
	Summary string    `json:"summary"`
}

// Snapshot is the deep-frozen, read-only document delivered to UI clients.
// Callers must treat every returned Snapshot as immutable; Reduce always
// returns a new value rather than mutating its input.
type Snapshot struct {
	Machines     []projector.Machine             `json:"machines"`
	Sessions     []projector.Session              `json:"sessions"`
	Runs         []projector.Run                  `json:"runs"`
	ActiveRuns   []projector.Run                  `json:"activeRuns"`
	Health       Health                           `json:"health"`
	RunDetails   map[string]projector.RunDetail   `json:"runDetails"`
	Logs         []LogLine                        `json:"logs"`
	RecentEvents []RecentEvent                    `json:"recentEvents"`
	LastUpdated  time.Time                        `json:"lastUpdated"`
}

// Empty returns a zero-valued, well-formed Snapshot.
func Empty() Snapshot {
	return Snapshot{
		RunDetails: make(map[string]projector.RunDetail),
		Health:     Health{Overall: HealthUnknown, Machines: make(map[string]HealthLevel)},
	}
}

// Context carries data the pure reducer needs but that isn't derivable from
// the event alone (the full current read-model state, since the reducer
// recomputes machines/sessions/runs wholesale from the Projector rather than
// diffing — this keeps Reduce pure and trivially testable while letting the
// Projector remain the single source of truth for raw read models).
type Context struct {
	Machines   []projector.Machine
	Sessions   []projector.Session
	Runs       []projector.Run
	RunDetails map[string]projector.RunDetail
}

// Reduce is the pure function `reduce(snapshot, event, ctx) -> snapshot`
// from §4.3. It never mutates prev; it returns a new Snapshot value.
func Reduce(prev Snapshot, event telemetry.Envelope, ctx Context) Snapshot {
	next := prev

	next.Machines = sortedMachines(pruneGhosts(ctx.Machines, ctx.Sessions, ctx.Runs, eventTime(event)))
	next.Sessions = sortedSessions(ctx.Sessions)
	next.Runs = sortedRuns(ctx.Runs)
	next.ActiveRuns = sortedRuns(activeOnly(ctx.Runs))
	next.RunDetails = ctx.RunDetails
	next.Health = deriveHealth(next.Machines, next.Runs)

	ts := eventTime(event)
	if ts.After(next.LastUpdated) {
		next.LastUpdated = ts
	}

	if event.Severity != "" {
		summary := summarize(event, prev.Runs)
		logs := append(append([]LogLine(nil), prev.Logs...), LogLine{TS: ts, Summary: summary})
		next.Logs = boundLogs(logs)
	}

	if event.Type != telemetry.TypeMachineHeartbeat {
		recent := append(append([]RecentEvent(nil), prev.RecentEvents...), RecentEvent{
			ID: event.ID, TS: ts, Type: string(event.Type), Summary: summarize(event, prev.Runs),
		})
		next.RecentEvents = boundRecentEvents(recent)
	} else {
		next.RecentEvents = prev.RecentEvents
	}

	return next
}

func eventTime(event telemetry.Envelope) time.Time {
	t, err := time.Parse(time.RFC3339Nano, event.TS)
	if err != nil {
		return time.Time{}
	}
	return t
}

// summarize renders a per-event log/recent-event line (§4.3). For
// run.state.changed it renders "run state <from> → <to>", looking up the
// run's state prior to this event in prevRuns since the wire payload only
// carries the new state.
func summarize(event telemetry.Envelope, prevRuns []projector.Run) string {
	switch event.Type {
	case telemetry.TypeRunStateChanged:
		var pl struct {
			RunID string `json:"runId"`
			To    string `json:"to"`
		}
		if err := json.Unmarshal(event.Payload, &pl); err != nil {
			return string(event.Type)
		}
		from := "unknown"
		for _, r := range prevRuns {
			if r.ID == pl.RunID {
				from = string(r.State)
				break
			}
		}
		return fmt.Sprintf("run state %s → %s", from, pl.To)
	default:
		return string(event.Type)
	}
}

func boundLogs(logs []LogLine) []LogLine {
	if len(logs) <= MaxLogs {
		return logs
	}
	return logs[len(logs)-MaxLogs:]
}

func boundRecentEvents(events []RecentEvent) []RecentEvent {
	if len(events) <= MaxRecentEvents {
		return events
	}
	return events[len(events)-MaxRecentEvents:]
}

func activeOnly(runs []projector.Run) []projector.Run {
	out := make([]projector.Run, 0, len(runs))
	for _, r := range runs {
		if !r.State.IsTerminal() {
			out = append(out, r)
		}
	}
	return out
}

// pruneGhosts drops machines with no name, stale lastSeenAt (> 2m before
// `now`), and no session/run referencing them updated within 2m (§3.3).
func pruneGhosts(machines []projector.Machine, sessions []projector.Session, runs []projector.Run, now time.Time) []projector.Machine {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	recentMachine := make(map[string]bool)
	for _, s := range sessions {
		if now.Sub(s.UpdatedAt) <= GhostMachineAge {
			recentMachine[s.MachineID] = true
		}
	}
	for _, r := range runs {
		if now.Sub(r.UpdatedAt) <= GhostMachineAge {
			recentMachine[r.MachineID] = true
		}
	}

	out := make([]projector.Machine, 0, len(machines))
	for _, m := range machines {
		isGhost := m.Name == "" && now.Sub(m.LastSeenAt) > GhostMachineAge && !recentMachine[m.ID]
		if !isGhost {
			out = append(out, m)
		}
	}
	return out
}

func deriveHealth(machines []projector.Machine, runs []projector.Run) Health {
	h := Health{Machines: make(map[string]HealthLevel, len(machines))}
	if len(machines) == 0 {
		h.Overall = HealthUnknown
		return h
	}

	anyCritical, anyDegraded, anyFailedRun := false, false, false
	for _, r := range runs {
		if r.State == projector.StateFailed {
			anyFailedRun = true
		}
	}
	for _, m := range machines {
		var lvl HealthLevel
		switch m.Status {
		case projector.MachineOnline:
			lvl = HealthHealthy
		case projector.MachineDegraded:
			lvl = HealthDegraded
			anyDegraded = true
		case projector.MachineOffline:
			lvl = HealthCritical
			anyCritical = true
		default:
			lvl = HealthUnknown
		}
		h.Machines[m.ID] = lvl
	}

	switch {
	case anyCritical || anyFailedRun:
		h.Overall = HealthCritical
	case anyDegraded:
		h.Overall = HealthDegraded
	default:
		h.Overall = HealthHealthy
	}
	return h
}

func sortedMachines(machines []projector.Machine) []projector.Machine {
	out := append([]projector.Machine(nil), machines...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sortedSessions(sessions []projector.Session) []projector.Session {
	out := append([]projector.Session(nil), sessions...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortedRuns(runs []projector.Run) []projector.Run {
	out := append([]projector.Run(nil), runs...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
