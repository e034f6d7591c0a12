package cronsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
)

// fakePlane simulates the control plane's cron-sync endpoint, tracking the
// config hash it has on file for the machine and echoing it back, per the
// §4.10/§6.1 handshake.
type fakePlane struct {
	storedHash string
	pushes     int32
	lastReq    pushRequest
}

func (f *fakePlane) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		atomic.AddInt32(&f.pushes, 1)
		f.lastReq = req
		if req.ConfigRaw != "" {
			f.storedHash = req.ConfigHash
		}
		json.NewEncoder(w).Encode(pushResponse{ConfigHash: f.storedHash})
	}
}

func setupJobsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "jobs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeJSONFile(t, filepath.Join(dir, "jobs"), "job-1.json", JobRecord{
		JobID: "job-1", Name: "nightly-report", Schedule: "0 2 * * *", UpdatedAt: "t1",
	})
	writeJSONFile(t, filepath.Join(dir, "runs"), "run-1.json", RunRecord{
		RunID: "run-1", JobID: "job-1", State: "succeeded", UpdatedAt: "t1",
	})
	return dir
}

func TestPushOnceSendsInitialDeltaAndMirrorsConfig(t *testing.T) {
	dir := setupJobsDir(t)
	if err := os.WriteFile(filepath.Join(dir, "openclaw.json"), []byte(`{"agents":["a1"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	plane := &fakePlane{}
	server := httptest.NewServer(plane.handler())
	defer server.Close()

	p, err := New(Config{
		JobsDir:   dir,
		StatePath: filepath.Join(dir, "sync_state.json"),
		BaseURL:   server.URL,
		MachineID: "m1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.pushOnce(context.Background()); err != nil {
		t.Fatalf("pushOnce: %v", err)
	}

	if len(plane.lastReq.JobsDelta) != 1 || plane.lastReq.JobsDelta[0].JobID != "job-1" {
		t.Fatalf("expected job-1 in first delta, got %+v", plane.lastReq.JobsDelta)
	}
	if len(plane.lastReq.RunsDelta) != 1 || plane.lastReq.RunsDelta[0].RunID != "run-1" {
		t.Fatalf("expected run-1 in first delta, got %+v", plane.lastReq.RunsDelta)
	}
	if plane.lastReq.ConfigRaw == "" {
		t.Fatal("expected configRaw on first push (plane has no stored hash yet)")
	}

	// Second push: nothing changed on disk, plane already has the config
	// mirrored, so neither delta nor configRaw should be resent.
	if err := p.pushOnce(context.Background()); err != nil {
		t.Fatalf("second pushOnce: %v", err)
	}
	if len(plane.lastReq.JobsDelta) != 0 || len(plane.lastReq.RunsDelta) != 0 {
		t.Fatalf("expected empty delta on unchanged rescan, got jobs=%+v runs=%+v", plane.lastReq.JobsDelta, plane.lastReq.RunsDelta)
	}
	if plane.lastReq.ConfigRaw != "" {
		t.Fatal("expected no configRaw resend once the plane's hash matches")
	}
	if plane.pushes != 2 {
		t.Fatalf("expected 2 pushes, got %d", plane.pushes)
	}
}

func TestPushOnceResendsOnlyChangedRuns(t *testing.T) {
	dir := setupJobsDir(t)
	plane := &fakePlane{}
	server := httptest.NewServer(plane.handler())
	defer server.Close()

	p, err := New(Config{
		JobsDir:   dir,
		StatePath: filepath.Join(dir, "sync_state.json"),
		BaseURL:   server.URL,
		MachineID: "m1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.pushOnce(context.Background()); err != nil {
		t.Fatalf("pushOnce: %v", err)
	}

	writeJSONFile(t, filepath.Join(dir, "runs"), "run-1.json", RunRecord{
		RunID: "run-1", JobID: "job-1", State: "failed", FailureReason: "timeout", UpdatedAt: "t2",
	})

	if err := p.pushOnce(context.Background()); err != nil {
		t.Fatalf("second pushOnce: %v", err)
	}
	if len(plane.lastReq.RunsDelta) != 1 || plane.lastReq.RunsDelta[0].State != "failed" {
		t.Fatalf("expected the updated run-1 in delta, got %+v", plane.lastReq.RunsDelta)
	}
	if len(plane.lastReq.JobsDelta) != 0 {
		t.Fatalf("expected no job delta on unchanged job, got %+v", plane.lastReq.JobsDelta)
	}
}

func TestPushOnceFailureLeavesStateUncommitted(t *testing.T) {
	dir := setupJobsDir(t)
	statePath := filepath.Join(dir, "sync_state.json")

	// Server that always 500s.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	p, err := New(Config{
		JobsDir:   dir,
		StatePath: statePath,
		BaseURL:   server.URL,
		MachineID: "m1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.pushOnce(context.Background()); err == nil {
		t.Fatal("expected pushOnce to fail against a 500 server")
	}

	if _, err := os.Stat(statePath); err == nil {
		t.Fatal("expected no state file to be written on push failure")
	}
}
