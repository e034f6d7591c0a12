package commandqueue

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "commands.json"), nil)
}

func TestCreateThenPollLeasesCommand(t *testing.T) {
	s := newTestStore(t)
	c := s.Create(Snapshot{MachineID: "M1", Intent: IntentRunCommand})

	leased, err := s.Poll("M1", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leased == nil || leased.ID != c.ID {
		t.Fatalf("expected to lease created command, got %+v", leased)
	}
	if leased.State != StateLeased {
		t.Fatalf("expected leased state, got %s", leased.State)
	}
	if leased.LeaseAttempts != 1 {
		t.Fatalf("expected leaseAttempts=1, got %d", leased.LeaseAttempts)
	}
}

func TestApprovalRequiredBlocksPollUntilApproved(t *testing.T) {
	s := newTestStore(t)
	c := s.Create(Snapshot{MachineID: "M1", TargetID: "T1", TargetVersion: "v1", ApprovalRequired: true})

	leased, _ := s.Poll("M1", time.Minute)
	if leased != nil {
		t.Fatalf("expected nothing pollable before approval")
	}

	if _, err := s.Approve(c.ID, "T1", "v1", "admin"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	leased, err := s.Poll("M1", time.Minute)
	if err != nil || leased == nil {
		t.Fatalf("expected command pollable after approval, err=%v leased=%+v", err, leased)
	}
}

func TestLeaseExpiryMovesToExpiredThenDeadletterAfterThreeAttempts(t *testing.T) {
	s := newTestStore(t)
	s.Create(Snapshot{MachineID: "M1"})

	for i := 0; i < 3; i++ {
		leased, err := s.Poll("M1", -time.Second) // already-expired lease
		if err != nil {
			t.Fatalf("poll %d failed: %v", i, err)
		}
		if i < 2 {
			if leased == nil {
				t.Fatalf("expected command still pollable on attempt %d", i)
			}
		}
		s.ExpireOverdueLeases()
	}

	list := s.List(10)
	if len(list) != 1 {
		t.Fatalf("expected one command")
	}
	if list[0].State != StateDeadletter {
		t.Fatalf("expected deadletter after 3 lease attempts, got %s", list[0].State)
	}
}

func TestPushResultRequiresOwnership(t *testing.T) {
	s := newTestStore(t)
	c := s.Create(Snapshot{MachineID: "M1"})
	s.Poll("M1", time.Minute)

	if _, err := s.PushResult(c.ID, "other-machine", Result{Status: "succeeded"}); err == nil {
		t.Fatalf("expected ownership mismatch error")
	}

	got, err := s.PushResult(c.ID, "M1", Result{Status: "succeeded", ExitCode: 0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != StateSucceeded {
		t.Fatalf("expected succeeded state, got %s", got.State)
	}
	if got.LeaseOwnerMachineID != "" {
		t.Fatalf("expected lease cleared on terminal result")
	}
}

func TestListSortedByCreatedAtDescending(t *testing.T) {
	s := newTestStore(t)
	a := s.Create(Snapshot{MachineID: "M1"})
	time.Sleep(time.Millisecond)
	b := s.Create(Snapshot{MachineID: "M1"})

	list := s.List(10)
	if list[0].ID != b.ID || list[1].ID != a.ID {
		t.Fatalf("expected newest first, got %s, %s", list[0].ID, list[1].ID)
	}
}

func TestLoadToleratesMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"), nil)
	if err := s.Load(); err != nil {
		t.Fatalf("expected missing file to be tolerated, got %v", err)
	}
}
