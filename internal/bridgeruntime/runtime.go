// Package bridgeruntime implements the Bridge Runtime supervised loop
// (component G, §4.6): heartbeat emission, run-snapshot diffing, command
// polling, and the bridge's local /health and /metrics surface. Grounded on
// daemon.Run's ticker-loop/wg/sdnotify shape in
// appliance/internal/daemon/daemon.go, generalized from a single poll loop
// into several independently-ticking workers supervised by one errgroup.
package bridgeruntime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/goiltpatpat/patze-control/internal/projector"
	"github.com/goiltpatpat/patze-control/internal/sink"
	"github.com/goiltpatpat/patze-control/internal/telemetry"
)

// Config configures one Runtime instance.
type Config struct {
	MachineID         string
	HeartbeatInterval time.Duration
	HealthAddr        string

	// PortBindRetries/PortBindDelay govern startup EADDRINUSE retry (§4.6).
	PortBindRetries int
	PortBindDelay   time.Duration
}

// DefaultConfig returns §4.6's defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 5 * time.Second,
		HealthAddr:        "127.0.0.1:8081",
		PortBindRetries:   6,
		PortBindDelay:     100 * time.Millisecond,
	}
}

// Runtime is the bridge's supervised multi-worker loop.
type Runtime struct {
	cfg       Config
	collector Collector
	sink      *sink.Sink
	poller    *CommandPoller

	metrics *runtimeMetrics

	mu                    sync.Mutex
	lastRuns              map[string]RunSnapshot
	consecutiveTickFail   int
	listenerBound         bool
}

// New constructs a Runtime. poller may be nil when the bridge runs without a
// command queue client configured.
func New(cfg Config, collector Collector, sink *sink.Sink, poller *CommandPoller) *Runtime {
	return &Runtime{
		cfg:       cfg,
		collector: collector,
		sink:      sink,
		poller:    poller,
		lastRuns:  make(map[string]RunSnapshot),
		metrics:   newRuntimeMetrics(),
	}
}

// Run starts every worker and blocks until ctx is canceled or a worker
// returns a fatal error. SIGHUP reload is the caller's responsibility (§4.6:
// "we do not rebind ports in-process") — Run exits cleanly on ctx.Done so
// the process supervisor can restart it.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.runHeartbeatLoop(ctx)
	})
	g.Go(func() error {
		return r.runSinkFlushLoop(ctx)
	})
	g.Go(func() error {
		return r.serveHealth(ctx)
	})
	if r.poller != nil {
		g.Go(func() error {
			return r.poller.Run(ctx)
		})
	}

	return g.Wait()
}

func (r *Runtime) runHeartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick implements the §4.6 per-period sequence: heartbeat, collect, diff,
// flush. A failure anywhere in the sequence counts toward
// consecutiveTickFailures (read by /health) but never stops the loop.
func (r *Runtime) tick(ctx context.Context) {
	if err := r.emitHeartbeat(); err != nil {
		log.Printf("[bridgeruntime] heartbeat emit failed: %v", err)
		r.metrics.tickFailures.Inc()
		r.bumpTickFailure()
		return
	}
	r.metrics.heartbeatsTotal.Inc()

	if r.collector != nil {
		runs, err := r.collector.CollectRuns(ctx)
		if err != nil {
			log.Printf("[bridgeruntime] collect runs failed: %v", err)
			r.metrics.tickFailures.Inc()
			r.bumpTickFailure()
			return
		}
		r.diffAndEmit(runs)
	}

	r.sink.Flush(ctx)
	r.resetTickFailure()
}

func (r *Runtime) bumpTickFailure() {
	r.mu.Lock()
	r.consecutiveTickFail++
	r.mu.Unlock()
}

func (r *Runtime) resetTickFailure() {
	r.mu.Lock()
	r.consecutiveTickFail = 0
	r.mu.Unlock()
}

func (r *Runtime) emitHeartbeat() error {
	cpu := 0.0
	payload, _ := json.Marshal(map[string]any{
		"resource": telemetry.ResourceUsage{CPUPct: &cpu},
	})
	env := telemetry.Envelope{
		Version:   telemetry.SchemaVersion,
		ID:        uuid.NewString(),
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		MachineID: r.cfg.MachineID,
		Severity:  telemetry.SeverityInfo,
		Type:      telemetry.TypeMachineHeartbeat,
		Payload:   payload,
		Trace:     telemetry.Trace{TraceID: uuid.NewString()},
	}
	if rej := r.sink.Ingest(env); rej != nil {
		return rej
	}
	return nil
}

// diffAndEmit compares runs against the last observed set and emits
// run.state.changed for every delta (§4.6 step 3).
func (r *Runtime) diffAndEmit(runs []RunSnapshot) {
	r.mu.Lock()
	prev := r.lastRuns
	next := make(map[string]RunSnapshot, len(runs))
	for _, run := range runs {
		next[run.RunID] = run
	}
	r.lastRuns = next
	r.mu.Unlock()

	for _, run := range runs {
		if old, ok := prev[run.RunID]; ok && old.State == run.State && old.FailureReason == run.FailureReason {
			continue
		}
		r.emitRunStateChanged(run)
	}
}

func (r *Runtime) emitRunStateChanged(run RunSnapshot) {
	payload, _ := json.Marshal(map[string]any{
		"runId":         run.RunID,
		"sessionId":     run.SessionID,
		"agentId":       run.AgentID,
		"to":            string(run.State),
		"failureReason": run.FailureReason,
		"machineId":     run.MachineID,
	})
	env := telemetry.Envelope{
		Version:   telemetry.SchemaVersion,
		ID:        uuid.NewString(),
		TS:        time.Now().UTC().Format(time.RFC3339Nano),
		MachineID: run.MachineID,
		Severity:  severityForRunState(run.State),
		Type:      telemetry.TypeRunStateChanged,
		Payload:   payload,
		Trace:     telemetry.Trace{TraceID: uuid.NewString()},
	}
	if rej := r.sink.Ingest(env); rej != nil {
		log.Printf("[bridgeruntime] run.state.changed rejected for run %s: %v", run.RunID, rej)
		return
	}
	r.metrics.runDeltasTotal.Inc()
}

func severityForRunState(state projector.RunState) telemetry.Severity {
	if state == projector.StateFailed {
		return telemetry.SeverityError
	}
	return telemetry.SeverityInfo
}

// runSinkFlushLoop keeps the HTTP sink's own flush ticker running until
// shutdown, then drains it.
func (r *Runtime) runSinkFlushLoop(ctx context.Context) error {
	r.sink.Run(ctx)
	r.sink.Close(context.Background())
	return nil
}

// healthResponse is served verbatim (plus status/ok) from the sink's stats,
// per §4.6: "Body carries runtime + spool metrics verbatim from the sink's
// stats."
type healthResponse struct {
	OK     bool        `json:"ok"`
	Status string      `json:"status"`
	Sink   sink.Stats  `json:"sink"`
}

func (r *Runtime) handleHealth(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	failing := r.consecutiveTickFail >= 3
	r.mu.Unlock()

	resp := healthResponse{OK: !failing, Sink: r.sink.Stats()}
	if failing {
		resp.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		resp.Status = "ok"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// serveHealth binds cfg.HealthAddr, retrying up to PortBindRetries times on
// EADDRINUSE with PortBindDelay between attempts (§4.6).
func (r *Runtime) serveHealth(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", r.handleHealth)
	mux.Handle("/metrics", r.metrics.handler())
	server := &http.Server{Addr: r.cfg.HealthAddr, Handler: mux}

	var ln net.Listener
	var lastErr error
	for attempt := 0; attempt <= r.cfg.PortBindRetries; attempt++ {
		var err error
		ln, err = net.Listen("tcp", r.cfg.HealthAddr)
		if err == nil {
			break
		}
		lastErr = err
		if !isAddrInUse(err) {
			return fmt.Errorf("bind health addr %s: %w", r.cfg.HealthAddr, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.PortBindDelay):
		}
	}
	if ln == nil {
		return fmt.Errorf("bind health addr %s after %d retries: %w", r.cfg.HealthAddr, r.cfg.PortBindRetries, lastErr)
	}

	r.mu.Lock()
	r.listenerBound = true
	r.mu.Unlock()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case <-ctx.Done():
		server.Close()
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	}
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return errors.Is(sysErr.Err, syscall.EADDRINUSE)
		}
	}
	return false
}
