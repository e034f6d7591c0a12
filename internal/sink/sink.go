// Package sink implements the HTTP Sink with durable spool that carries
// telemetry from a bridge to the control plane (component F, §4.5).
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"

	"github.com/goiltpatpat/patze-control/internal/persistence"
	"github.com/goiltpatpat/patze-control/internal/telemetry"
)

// Config controls sink behavior; see §4.5 for the defaults this mirrors.
type Config struct {
	IngestURL          string
	BatchIngestURL     string
	QueueCapacity      int
	BatchSize          int
	FlushInterval      time.Duration
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	RequestTimeout     time.Duration
	CircuitThreshold   uint32
	CircuitCooldown    time.Duration
	PersistedQueuePath string
	PersistDebounce    time.Duration
	MaxQueueSize       int // spool hydrate cap

	// OnBatchDelivered, if set, is called after a batch is successfully
	// handed off to the control plane (n = envelope count in the batch).
	// Used by callers that keep a local delivery audit trail; never
	// blocks the flush loop on a slow callback's behalf beyond its own
	// execution time, so implementations should be quick or async.
	OnBatchDelivered func(n int)
}

// DefaultConfig returns the §4.5 defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:    10_000,
		BatchSize:        100,
		FlushInterval:    5 * time.Second,
		MaxRetries:       5,
		BackoffBase:      500 * time.Millisecond,
		BackoffCap:       10 * time.Second,
		RequestTimeout:   10 * time.Second,
		CircuitThreshold: 5,
		CircuitCooldown:  15 * time.Second,
		PersistDebounce:  250 * time.Millisecond,
		MaxQueueSize:     10_000,
	}
}

// Stats mirrors the runtime/spool metrics surfaced verbatim by the bridge's
// /health endpoint (§4.6).
type Stats struct {
	QueueLength         int       `json:"queueLength"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	CircuitOpenUntil    time.Time `json:"circuitOpenUntil,omitempty"`
	DroppedOnHydrate    int       `json:"droppedOnHydrate"`
	LastPersistError    string    `json:"lastPersistError,omitempty"`
	HydratedCount       int       `json:"hydratedCount"`
}

// persistState is the {idle, inflight, inflight_dirty} coalescing state
// machine from the design notes (§9).
type persistState int

const (
	persistIdle persistState = iota
	persistInflight
	persistInflightDirty
)

// Sink is a single-owner HTTP sink instance (§3.6: "the spool file is
// exclusively owned by one HTTP sink instance").
type Sink struct {
	cfg    Config
	client *http.Client
	cb     *gobreaker.CircuitBreaker

	mu                  sync.Mutex
	queue               []telemetry.Envelope
	consecutiveFailures int
	circuitOpenUntil    time.Time
	droppedOnHydrate    int
	hydratedCount       int
	lastPersistError    string

	persistMu    sync.Mutex
	persistState persistState
	persistTimer *time.Timer

	flushing   bool
	flushTimer *time.Timer
	stopCh     chan struct{}
	stopOnce   sync.Once
}

// New constructs a Sink and hydrates it from cfg.PersistedQueuePath if set.
func New(cfg Config) *Sink {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	s := &Sink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		stopCh: make(chan struct{}),
	}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sink",
		MaxRequests: 1,
		Timeout:     cfg.CircuitCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.CircuitThreshold
		},
	})
	if cfg.PersistedQueuePath != "" {
		s.hydrate()
	}
	return s
}

// hydrate loads the spool file and prepends up to MaxQueueSize entries.
func (s *Sink) hydrate() {
	var stored []telemetry.Envelope
	if err := persistence.ReadJSON(s.cfg.PersistedQueuePath, &stored); err != nil {
		if !persistence.IsNotExist(err) {
			log.Printf("[sink] failed to hydrate spool %s: %v", s.cfg.PersistedQueuePath, err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	if len(stored) > s.cfg.MaxQueueSize {
		dropped = len(stored) - s.cfg.MaxQueueSize
		stored = stored[dropped:]
	}
	s.queue = append(stored, s.queue...)
	s.droppedOnHydrate = dropped
	s.hydratedCount = len(stored)
	log.Printf("[sink] hydrated %d envelopes from spool (dropped %d)", len(stored), dropped)
}

// Ingest enqueues value if it passes envelope shape validation and the queue
// is not full; otherwise it returns a Rejection.
func (s *Sink) Ingest(value telemetry.Envelope) *telemetry.Rejection {
	_, rej := telemetry.Validate(value)
	if rej != nil {
		return rej
	}

	s.mu.Lock()
	if len(s.queue) >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		return &telemetry.Rejection{Code: telemetry.CodeInvalidEnvelope, Message: "queue full"}
	}
	s.queue = append(s.queue, value)
	shouldFlushNow := len(s.queue) >= s.cfg.BatchSize
	s.mu.Unlock()

	s.schedulePersist()
	if shouldFlushNow {
		go s.Flush(context.Background())
	}
	return nil
}

// Stats returns a point-in-time snapshot of sink metrics.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		QueueLength:         len(s.queue),
		ConsecutiveFailures: s.consecutiveFailures,
		CircuitOpenUntil:    s.circuitOpenUntil,
		DroppedOnHydrate:    s.droppedOnHydrate,
		HydratedCount:       s.hydratedCount,
		LastPersistError:    s.lastPersistError,
	}
}

// Run starts the periodic flush loop; it blocks until ctx is cancelled or
// Close is called.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush sends up to one batch. It respects the circuit breaker: while open,
// it performs no HTTP request at all (§8.1 "Circuit breaker"). At most one
// flush runs at a time — Ingest's immediate flush and Run's ticker flush can
// fire concurrently, and without this guard both would copy the same chunk
// off the front of the queue, each reslice past it, and the batch would be
// delivered twice while the batch behind it is dropped.
func (s *Sink) Flush(ctx context.Context) {
	s.mu.Lock()
	if s.flushing {
		s.mu.Unlock()
		return
	}
	if len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	if !time.Now().After(s.circuitOpenUntil) {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	batchSize := s.cfg.BatchSize
	if batchSize > len(s.queue) {
		batchSize = len(s.queue)
	}
	chunk := append([]telemetry.Envelope(nil), s.queue[:batchSize]...)
	s.mu.Unlock()

	outcome := s.sendBatchWithFallback(ctx, chunk)

	s.mu.Lock()
	switch outcome {
	case outcomeSuccess:
		s.queue = s.queue[len(chunk):]
		s.consecutiveFailures = 0
		s.circuitOpenUntil = time.Time{}
	case outcomeTransientGiveUp:
		// Prepend back onto queue in original order to preserve ordering.
		s.queue = append(append([]telemetry.Envelope(nil), chunk...), s.queue[len(chunk):]...)
		s.consecutiveFailures++
		if s.consecutiveFailures >= int(s.cfg.CircuitThreshold) {
			s.circuitOpenUntil = time.Now().Add(s.cfg.CircuitCooldown)
			log.Printf("[sink] circuit open until %v after %d consecutive failures", s.circuitOpenUntil, s.consecutiveFailures)
		}
	case outcomePermanentDrop:
		s.queue = s.queue[len(chunk):]
	}
	s.flushing = false
	s.mu.Unlock()

	s.schedulePersist()

	// Called outside the lock: a caller's hook (e.g. an audit-ledger
	// insert) is a suspension point and must not run while s.mu is held.
	if outcome == outcomeSuccess && s.cfg.OnBatchDelivered != nil {
		s.cfg.OnBatchDelivered(len(chunk))
	}
}

type flushOutcome int

const (
	outcomeSuccess flushOutcome = iota
	outcomeTransientGiveUp
	outcomePermanentDrop
)

// sendBatchWithFallback implements the retry/backoff/fallback rules of
// §4.5: try /ingest/batch with exponential backoff; on 404/405 fall back to
// individual /ingest per event (legacy server compatibility, §8.3 scenario
// 6); on exhausted retries with a transient failure, give up without
// requeuing deeper than the chunk-prepend Flush already does.
func (s *Sink) sendBatchWithFallback(ctx context.Context, chunk []telemetry.Envelope) flushOutcome {
	body, err := json.Marshal(map[string]interface{}{"events": chunk})
	if err != nil {
		log.Printf("[sink] failed to marshal batch: %v", err)
		return outcomePermanentDrop
	}

	status, err := s.postWithRetry(ctx, s.cfg.BatchIngestURL, body)
	if err == nil {
		return outcomeSuccess
	}
	if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
		return s.sendIndividually(ctx, chunk)
	}
	if isTransientStatus(status) || status == 0 {
		return outcomeTransientGiveUp
	}
	log.Printf("[sink] permanent failure posting batch (status=%d): %v", status, err)
	return outcomePermanentDrop
}

func (s *Sink) sendIndividually(ctx context.Context, chunk []telemetry.Envelope) flushOutcome {
	for _, e := range chunk {
		body, err := json.Marshal(e)
		if err != nil {
			continue
		}
		status, err := s.postWithRetry(ctx, s.cfg.IngestURL, body)
		if err != nil {
			if isTransientStatus(status) || status == 0 {
				return outcomeTransientGiveUp
			}
			log.Printf("[sink] permanent failure on individual ingest (status=%d): %v", status, err)
			return outcomePermanentDrop
		}
	}
	return outcomeSuccess
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// postWithRetry performs the exponential-backoff-with-jitter retry loop
// described in §4.5 (base 500ms, factor 2, cap 10s, jitter ±250ms), gated
// through the circuit breaker's execute wrapper so a string of failures
// still counts toward ReadyToTrip even though Flush's own
// consecutiveFailures counter is the one persisted into Stats.
func (s *Sink) postWithRetry(ctx context.Context, url string, body []byte) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = s.cfg.BackoffCap
	b.RandomizationFactor = 0.25 // approximates the spec's ±250ms jitter band

	var lastStatus int
	operation := func() (int, error) {
		status, err := s.post(ctx, url, body)
		lastStatus = status
		if err != nil {
			return 0, err
		}
		return status, nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		status, opErr := backoff.Retry(ctx, func() (int, error) {
			st, opErr := operation()
			if opErr != nil && (isTransientStatus(st) || st == 0) {
				return st, opErr
			}
			if opErr != nil {
				return st, backoff.Permanent(opErr)
			}
			return st, nil
		}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(s.cfg.MaxRetries)))
		lastStatus = status
		return status, opErr
	})
	return lastStatus, err
}

func (s *Sink) post(ctx context.Context, url string, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, nil
	}
	return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
}

// schedulePersist debounces spool writes through the {idle, inflight,
// inflight_dirty} coalescing state machine from the design notes: only one
// persist may be in flight; a persist requested during flight re-runs once
// after completion.
func (s *Sink) schedulePersist() {
	if s.cfg.PersistedQueuePath == "" {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	switch s.persistState {
	case persistIdle:
		s.persistState = persistInflight
		if s.persistTimer != nil {
			s.persistTimer.Stop()
		}
		s.persistTimer = time.AfterFunc(s.cfg.PersistDebounce, s.runPersist)
	case persistInflight:
		s.persistState = persistInflightDirty
	case persistInflightDirty:
		// already queued to re-run once.
	}
}

func (s *Sink) runPersist() {
	s.mu.Lock()
	snapshot := append([]telemetry.Envelope(nil), s.queue...)
	s.mu.Unlock()

	err := persistence.WriteJSONAtomic(s.cfg.PersistedQueuePath, snapshot, false)

	s.mu.Lock()
	if err != nil {
		s.lastPersistError = err.Error()
		log.Printf("[sink] persist error: %v", err)
	} else {
		s.lastPersistError = ""
	}
	s.mu.Unlock()

	s.persistMu.Lock()
	dirty := s.persistState == persistInflightDirty
	s.persistState = persistIdle
	s.persistMu.Unlock()

	if dirty {
		s.schedulePersist()
	}
}

// Close stops timers and best-effort drains the queue via repeated Flush
// calls until the queue stops shrinking, then persists one last time.
func (s *Sink) Close(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stopCh) })

	for {
		before := s.queueLen()
		if before == 0 {
			break
		}
		s.Flush(ctx)
		if s.queueLen() == before {
			break
		}
	}
	s.runPersist()
}

func (s *Sink) queueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}
