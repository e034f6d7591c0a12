package bridgeruntime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/goiltpatpat/patze-control/internal/projector"
	"github.com/goiltpatpat/patze-control/internal/sink"
)

type fakeCollector struct {
	calls int
	runsPerCall [][]RunSnapshot
}

func (f *fakeCollector) CollectRuns(ctx context.Context) ([]RunSnapshot, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.runsPerCall) {
		return nil, nil
	}
	return f.runsPerCall[idx], nil
}

func newTestSink(t *testing.T) *sink.Sink {
	t.Helper()
	cfg := sink.DefaultConfig()
	cfg.IngestURL = "http://127.0.0.1:0/ingest"
	cfg.BatchIngestURL = "http://127.0.0.1:0/ingest/batch"
	cfg.QueueCapacity = 1000
	return sink.New(cfg)
}

func TestTickEmitsHeartbeatAndRunStateDeltasOnly(t *testing.T) {
	collector := &fakeCollector{
		runsPerCall: [][]RunSnapshot{
			{{RunID: "run-1", MachineID: "m1", State: projector.StateRunning}},
			{{RunID: "run-1", MachineID: "m1", State: projector.StateRunning}},
			{{RunID: "run-1", MachineID: "m1", State: projector.StateCompleted}},
		},
	}
	s := newTestSink(t)
	r := New(DefaultConfig(), collector, s, nil)
	r.cfg.MachineID = "m1"

	ctx := context.Background()
	r.tick(ctx) // new run -> heartbeat + run.state.changed
	r.tick(ctx) // unchanged -> heartbeat only
	r.tick(ctx) // state changed -> heartbeat + run.state.changed

	if got, want := s.Stats().QueueLength, 5; got != want {
		t.Fatalf("queue length = %d, want %d (heartbeats + deltas only)", got, want)
	}
}

func TestHandleHealthReportsDegradedAfterThreeConsecutiveFailures(t *testing.T) {
	s := newTestSink(t)
	r := New(DefaultConfig(), nil, s, nil)

	r.consecutiveTickFail = 3
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	r.handleHealth(rec, req)

	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.OK || body.Status != "degraded" {
		t.Fatalf("body = %+v, want ok=false status=degraded", body)
	}
}

func TestHandleHealthReportsOKBelowFailureThreshold(t *testing.T) {
	s := newTestSink(t)
	r := New(DefaultConfig(), nil, s, nil)
	r.consecutiveTickFail = 2

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	r.handleHealth(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body.OK || body.Status != "ok" {
		t.Fatalf("body = %+v, want ok=true status=ok", body)
	}
}
