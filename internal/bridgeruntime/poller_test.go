package bridgeruntime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goiltpatpat/patze-control/internal/auditledger"
	"github.com/goiltpatpat/patze-control/internal/commandqueue"
)

type stubExecutor struct {
	result commandqueue.Result
	calls  int32
}

func (s *stubExecutor) Execute(ctx context.Context, cmd *commandqueue.Command) commandqueue.Result {
	atomic.AddInt32(&s.calls, 1)
	return s.result
}

func TestCommandPollerExecutesLeasedCommandAndPushesResult(t *testing.T) {
	var ackCalled, resultCalled atomic.Bool
	var pushedResult commandqueue.Result

	mux := http.NewServeMux()
	mux.HandleFunc("/commands/poll", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(commandqueue.Command{
			ID:    "cmd-1",
			State: commandqueue.StateLeased,
		})
	})
	mux.HandleFunc("/commands/cmd-1/ack-running", func(w http.ResponseWriter, r *http.Request) {
		ackCalled.Store(true)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/commands/cmd-1/result", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			MachineID string               `json:"machineId"`
			Result    commandqueue.Result `json:"result"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		pushedResult = req.Result
		resultCalled.Store(true)
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	exec := &stubExecutor{result: commandqueue.Result{Status: "succeeded", ExitCode: 0}}
	poller := &CommandPoller{
		BaseURL:   server.URL,
		MachineID: "m1",
		Executor:  exec,
		LeaseTTL:  time.Minute,
	}

	poller.pollOnce(context.Background())

	if !ackCalled.Load() {
		t.Fatal("expected ack-running to be called")
	}
	if atomic.LoadInt32(&exec.calls) != 1 {
		t.Fatalf("expected executor called once, got %d", exec.calls)
	}
	if !resultCalled.Load() {
		t.Fatal("expected result to be pushed")
	}
	if pushedResult.Status != "succeeded" {
		t.Fatalf("pushed result status = %q, want succeeded", pushedResult.Status)
	}
}

func TestCommandPollerRecordsExecutedCommandToAuditLedger(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/commands/poll", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(commandqueue.Command{ID: "cmd-1", State: commandqueue.StateLeased})
	})
	mux.HandleFunc("/commands/cmd-1/ack-running", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/commands/cmd-1/result", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ledger, err := auditledger.Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("auditledger.Open: %v", err)
	}
	defer ledger.Close()

	exec := &stubExecutor{result: commandqueue.Result{Status: "succeeded", ExitCode: 0}}
	poller := &CommandPoller{
		BaseURL:     server.URL,
		MachineID:   "m1",
		Executor:    exec,
		LeaseTTL:    time.Minute,
		AuditLedger: ledger,
	}

	poller.pollOnce(context.Background())

	entries, err := ledger.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].RefID != "cmd-1" {
		t.Fatalf("expected one audit entry for cmd-1, got %+v", entries)
	}
}

func TestCommandPollerSkipsWhenQueueEmpty(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/commands/poll", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("null"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	exec := &stubExecutor{}
	poller := &CommandPoller{BaseURL: server.URL, MachineID: "m1", Executor: exec}

	poller.pollOnce(context.Background())

	if atomic.LoadInt32(&exec.calls) != 0 {
		t.Fatalf("expected executor not to be called on empty poll, got %d calls", exec.calls)
	}
}
