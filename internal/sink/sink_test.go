package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goiltpatpat/patze-control/internal/telemetry"
)

func mkEnvelope(id string) telemetry.Envelope {
	return telemetry.Envelope{
		Version: telemetry.SchemaVersion, ID: id, MachineID: "M1",
		TS: "2026-07-30T00:00:00Z", Severity: telemetry.SeverityInfo,
		Type: telemetry.TypeMachineHeartbeat, Payload: json.RawMessage(`{"resource":{"cpuPct":1}}`),
		Trace: telemetry.Trace{TraceID: "t1"},
	}
}

func TestIngestRejectsInvalidEnvelope(t *testing.T) {
	s := New(DefaultConfig())
	rej := s.Ingest(telemetry.Envelope{})
	if rej == nil {
		t.Fatalf("expected rejection for empty envelope")
	}
}

func TestFlushSucceedsAndDrainsQueue(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BatchIngestURL = srv.URL + "/ingest/batch"
	cfg.IngestURL = srv.URL + "/ingest"
	s := New(cfg)

	if rej := s.Ingest(mkEnvelope("e1")); rej != nil {
		t.Fatalf("unexpected rejection: %v", rej)
	}
	s.Flush(context.Background())

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected one batch POST, got %d", got)
	}
	if s.Stats().QueueLength != 0 {
		t.Fatalf("expected queue drained after success")
	}
}

func TestFlushCallsOnBatchDeliveredOnlyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	var delivered int32
	cfg := DefaultConfig()
	cfg.BatchIngestURL = srv.URL + "/ingest/batch"
	cfg.IngestURL = srv.URL + "/ingest"
	cfg.OnBatchDelivered = func(n int) { atomic.AddInt32(&delivered, int32(n)) }
	s := New(cfg)

	s.Ingest(mkEnvelope("e1"))
	s.Ingest(mkEnvelope("e2"))
	s.Flush(context.Background())

	if got := atomic.LoadInt32(&delivered); got != 2 {
		t.Fatalf("expected OnBatchDelivered(2), got delivered=%d", got)
	}
}

func TestFlushFallsBackToIndividualOn404(t *testing.T) {
	var individualHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest/batch", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/ingest", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&individualHits, 1)
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BatchIngestURL = srv.URL + "/ingest/batch"
	cfg.IngestURL = srv.URL + "/ingest"
	cfg.MaxRetries = 1
	s := New(cfg)

	s.Ingest(mkEnvelope("e1"))
	s.Ingest(mkEnvelope("e2"))
	s.Flush(context.Background())

	if got := atomic.LoadInt32(&individualHits); got != 2 {
		t.Fatalf("expected fallback to hit /ingest twice, got %d", got)
	}
}

func TestFlushRequeuesOnTransientFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BatchIngestURL = srv.URL + "/ingest/batch"
	cfg.IngestURL = srv.URL + "/ingest"
	cfg.MaxRetries = 1
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 2 * time.Millisecond
	s := New(cfg)

	s.Ingest(mkEnvelope("e1"))
	s.Flush(context.Background())

	if s.Stats().QueueLength != 1 {
		t.Fatalf("expected event requeued on transient failure, queue=%d", s.Stats().QueueLength)
	}
	if s.Stats().ConsecutiveFailures != 1 {
		t.Fatalf("expected consecutiveFailures=1, got %d", s.Stats().ConsecutiveFailures)
	}
}

func TestHydrateRespectsMaxQueueSizeAndCountsDropped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spool.json")

	var stored []telemetry.Envelope
	for i := 0; i < 5; i++ {
		stored = append(stored, mkEnvelope("e"+string(rune('0'+i))))
	}
	b, _ := json.Marshal(stored)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	cfg := DefaultConfig()
	cfg.PersistedQueuePath = path
	cfg.MaxQueueSize = 2
	s := New(cfg)

	st := s.Stats()
	if st.QueueLength != 2 {
		t.Fatalf("expected hydrate to cap at 2, got %d", st.QueueLength)
	}
	if st.DroppedOnHydrate != 3 {
		t.Fatalf("expected 3 dropped on hydrate, got %d", st.DroppedOnHydrate)
	}
}

func TestClosePersistsQueueToSpool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spool.json")

	cfg := DefaultConfig()
	cfg.PersistedQueuePath = path
	cfg.BatchIngestURL = "http://127.0.0.1:1/unreachable"
	cfg.IngestURL = "http://127.0.0.1:1/unreachable"
	cfg.MaxRetries = 1
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = time.Millisecond
	cfg.RequestTimeout = 50 * time.Millisecond
	s := New(cfg)
	s.Ingest(mkEnvelope("e1"))

	s.Close(context.Background())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected spool file to exist after Close: %v", err)
	}
	var out []telemetry.Envelope
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("spool file not valid JSON: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 persisted envelope, got %d", len(out))
	}
}
