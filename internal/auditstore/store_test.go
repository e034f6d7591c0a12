package auditstore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreRecordConnectionPreservesFirstSeen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	t0 := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	if err := s.RecordConnection(ctx, Connection{MachineID: "m1", Phase: "connecting", LastSeen: t0}); err != nil {
		t.Fatalf("RecordConnection: %v", err)
	}

	t1 := t0.Add(time.Hour)
	if err := s.RecordConnection(ctx, Connection{MachineID: "m1", Phase: "telemetry_active", LastSeen: t1}); err != nil {
		t.Fatalf("RecordConnection: %v", err)
	}

	conns, err := s.ListConnections(ctx)
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("expected 1 connection, got %d", len(conns))
	}
	if conns[0].FirstSeen != t0 {
		t.Fatalf("expected FirstSeen preserved as %v, got %v", t0, conns[0].FirstSeen)
	}
	if conns[0].Phase != "telemetry_active" {
		t.Fatalf("expected phase updated to telemetry_active, got %s", conns[0].Phase)
	}
}

func TestMemoryStoreListConnectionsOrderedByMostRecentlySeen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	s.RecordConnection(ctx, Connection{MachineID: "old", LastSeen: now.Add(-time.Hour)})
	s.RecordConnection(ctx, Connection{MachineID: "new", LastSeen: now})

	conns, err := s.ListConnections(ctx)
	if err != nil {
		t.Fatalf("ListConnections: %v", err)
	}
	if len(conns) != 2 || conns[0].MachineID != "new" || conns[1].MachineID != "old" {
		t.Fatalf("expected new before old, got %+v", conns)
	}
}
