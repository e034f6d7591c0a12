package bridgeruntime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goiltpatpat/patze-control/internal/projector"
)

func TestMetricsReflectEmittedHeartbeatsAndDeltas(t *testing.T) {
	collector := &fakeCollector{
		runsPerCall: [][]RunSnapshot{
			{{RunID: "run-1", MachineID: "m1", State: projector.StateRunning}},
		},
	}
	s := newTestSink(t)
	r := New(DefaultConfig(), collector, s, nil)
	r.cfg.MachineID = "m1"

	r.tick(context.Background())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.metrics.handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "patze_bridge_heartbeats_total 1") {
		t.Fatalf("expected heartbeats_total=1 in metrics output:\n%s", body)
	}
	if !strings.Contains(body, "patze_bridge_run_state_deltas_total 1") {
		t.Fatalf("expected run_state_deltas_total=1 in metrics output:\n%s", body)
	}
}
