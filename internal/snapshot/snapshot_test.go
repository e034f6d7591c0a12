package snapshot

import (
	"testing"
	"time"

	"github.com/goiltpatpat/patze-control/internal/projector"
	"github.com/goiltpatpat/patze-control/internal/telemetry"
)

func ts(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func TestHeartbeatExcludedFromRecentEvents(t *testing.T) {
	prev := Empty()
	event := telemetry.Envelope{
		ID: "e1", TS: "2026-07-30T00:00:00Z", Type: telemetry.TypeMachineHeartbeat,
	}
	next := Reduce(prev, event, Context{RunDetails: map[string]projector.RunDetail{}})
	if len(next.RecentEvents) != 0 {
		t.Fatalf("expected heartbeats excluded from recentEvents, got %d", len(next.RecentEvents))
	}
}

func TestNonHeartbeatAppearsInRecentEvents(t *testing.T) {
	prev := Empty()
	event := telemetry.Envelope{
		ID: "e1", TS: "2026-07-30T00:00:00Z", Type: telemetry.TypeRunStateChanged,
	}
	next := Reduce(prev, event, Context{RunDetails: map[string]projector.RunDetail{}})
	if len(next.RecentEvents) != 1 || next.RecentEvents[0].ID != "e1" {
		t.Fatalf("expected one recent event, got %+v", next.RecentEvents)
	}
}

func TestHealthOverallHealthyWhenAllOnlineAndNoFailures(t *testing.T) {
	machines := []projector.Machine{{ID: "M1", Status: projector.MachineOnline, LastSeenAt: ts("2026-07-30T00:00:00Z")}}
	runs := []projector.Run{{ID: "R1", MachineID: "M1", State: projector.StateCompleted, UpdatedAt: ts("2026-07-30T00:00:02Z")}}
	ctx := Context{Machines: machines, Runs: runs, RunDetails: map[string]projector.RunDetail{}}
	next := Reduce(Empty(), telemetry.Envelope{TS: "2026-07-30T00:00:02Z", Type: telemetry.TypeRunStateChanged}, ctx)

	if next.Health.Overall != HealthHealthy {
		t.Fatalf("expected healthy overall, got %s", next.Health.Overall)
	}
	if len(next.ActiveRuns) != 0 {
		t.Fatalf("completed run should not be active, got %+v", next.ActiveRuns)
	}
}

func TestHealthCriticalOnFailedRun(t *testing.T) {
	machines := []projector.Machine{{ID: "M1", Status: projector.MachineOnline, LastSeenAt: ts("2026-07-30T00:00:00Z")}}
	runs := []projector.Run{{ID: "R1", MachineID: "M1", State: projector.StateFailed, UpdatedAt: ts("2026-07-30T00:00:02Z")}}
	ctx := Context{Machines: machines, Runs: runs, RunDetails: map[string]projector.RunDetail{}}
	next := Reduce(Empty(), telemetry.Envelope{TS: "2026-07-30T00:00:02Z", Type: telemetry.TypeRunStateChanged}, ctx)
	if next.Health.Overall != HealthCritical {
		t.Fatalf("expected critical overall on failed run, got %s", next.Health.Overall)
	}
}

func TestGhostMachinePruned(t *testing.T) {
	now := ts("2026-07-30T01:00:00Z")
	machines := []projector.Machine{
		{ID: "ghost", Name: "", Status: projector.MachineOffline, LastSeenAt: ts("2026-07-30T00:00:00Z")},
		{ID: "named", Name: "box", Status: projector.MachineOffline, LastSeenAt: ts("2026-07-30T00:00:00Z")},
	}
	ctx := Context{Machines: machines, RunDetails: map[string]projector.RunDetail{}}
	next := Reduce(Empty(), telemetry.Envelope{TS: "2026-07-30T01:00:00Z", Type: telemetry.TypeMachineHeartbeat}, ctx)

	if len(next.Machines) != 1 || next.Machines[0].ID != "named" {
		t.Fatalf("expected only named machine to survive pruning, got %+v", next.Machines)
	}
	_ = now
}

func TestGhostMachineSurvivesWithRecentSession(t *testing.T) {
	machines := []projector.Machine{
		{ID: "ghost", Name: "", Status: projector.MachineOffline, LastSeenAt: ts("2026-07-30T00:00:00Z")},
	}
	sessions := []projector.Session{{ID: "S1", MachineID: "ghost", UpdatedAt: ts("2026-07-30T00:59:00Z")}}
	ctx := Context{Machines: machines, Sessions: sessions, RunDetails: map[string]projector.RunDetail{}}
	next := Reduce(Empty(), telemetry.Envelope{TS: "2026-07-30T01:00:00Z", Type: telemetry.TypeMachineHeartbeat}, ctx)
	if len(next.Machines) != 1 {
		t.Fatalf("expected ghost machine to survive due to recent session activity")
	}
}

func TestReduceIsPureNoMutationOfInput(t *testing.T) {
	prev := Empty()
	prev.Logs = append(prev.Logs, LogLine{Summary: "pre-existing"})
	snapshotBefore := len(prev.Logs)

	_ = Reduce(prev, telemetry.Envelope{TS: "2026-07-30T00:00:00Z", Type: telemetry.TypeRunStateChanged, Severity: telemetry.SeverityInfo}, Context{RunDetails: map[string]projector.RunDetail{}})

	if len(prev.Logs) != snapshotBefore {
		t.Fatalf("Reduce must not mutate its prev argument")
	}
}

func TestDeterminismSameSequenceSameResult(t *testing.T) {
	events := []telemetry.Envelope{
		{ID: "e1", TS: "2026-07-30T00:00:00Z", Type: telemetry.TypeRunStateChanged, Severity: telemetry.SeverityInfo},
		{ID: "e2", TS: "2026-07-30T00:00:01Z", Type: telemetry.TypeRunStateChanged, Severity: telemetry.SeverityInfo},
	}
	ctx := Context{RunDetails: map[string]projector.RunDetail{}}

	run := func() Snapshot {
		s := Empty()
		for _, e := range events {
			s = Reduce(s, e, ctx)
		}
		return s
	}

	a := run()
	b := run()
	if a.LastUpdated != b.LastUpdated || len(a.RecentEvents) != len(b.RecentEvents) {
		t.Fatalf("expected deterministic results, got %+v vs %+v", a, b)
	}
}
