// Package httpapi exposes the control plane's HTTP surface: the
// Snapshot/Event service for UI clients (component E), the bridge ingest
// receiver (part of F), and the command-queue REST surface (part of J).
// Routing follows go-chi/chi/v5, adopted once the donor's single-route
// http.ServeMux idiom (appliance/internal/checkin/handler.go) no longer
// scales to a path-param-heavy surface.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goiltpatpat/patze-control/internal/auditstore"
	"github.com/goiltpatpat/patze-control/internal/commandqueue"
	"github.com/goiltpatpat/patze-control/internal/eventstore"
	"github.com/goiltpatpat/patze-control/internal/lifecycle"
	"github.com/goiltpatpat/patze-control/internal/projector"
	"github.com/goiltpatpat/patze-control/internal/snapshot"
	"github.com/goiltpatpat/patze-control/internal/taskstore"
	"github.com/goiltpatpat/patze-control/internal/telemetry"
)

// streamDegradedThreshold is not referenced anywhere: snapshot health is
// derived only from machine status and failed runs (snapshot.deriveHealth),
// and a disconnected event stream never marks it degraded.
const streamDegradedThreshold = 30 * time.Second

// Server wires the HTTP surface to the telemetry pipeline and command queue.
type Server struct {
	store     *eventstore.Store
	projector *projector.Projector
	queue     *commandqueue.Store

	mu       sync.RWMutex
	snapshot snapshot.Snapshot

	cronMu     sync.Mutex
	cronMirror map[string]openclawMirror

	audit     auditstore.Store
	connector lifecycle.Connector
	manager   *lifecycle.Manager
	bundle    string // LocalBundlePath for bridge setup requests
	tasks     *taskstore.Store

	registry       *prometheus.Registry
	ingestAccepted prometheus.Counter
	ingestRejected *prometheus.CounterVec
}

// openclawMirror is the plane's last-known copy of one machine's
// openclaw.json, kept only so downstream UI can show the latest declared
// agents/channels/models (§4.10) without a second round-trip to the bridge.
type openclawMirror struct {
	ConfigHash string
	ConfigRaw  string
}

// NewServer constructs a Server and subscribes it to store so the held
// snapshot stays current. Each Server owns a private metrics registry so
// multiple Servers (e.g. in tests) can coexist in one process.
func NewServer(store *eventstore.Store, proj *projector.Projector, queue *commandqueue.Store) *Server {
	registry := prometheus.NewRegistry()
	s := &Server{
		store: store, projector: proj, queue: queue,
		snapshot:   snapshot.Empty(),
		cronMirror: make(map[string]openclawMirror),
		registry:   registry,
		ingestAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patze_ingest_accepted_total", Help: "Envelopes accepted by the ingest endpoint.",
		}),
		ingestRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patze_ingest_rejected_total", Help: "Envelopes rejected by the ingest endpoint, by code.",
		}, []string{"code"}),
	}
	registry.MustRegister(s.ingestAccepted, s.ingestRejected)
	store.Subscribe(s.onEvent)
	return s
}

func (s *Server) onEvent(event telemetry.Envelope) {
	s.projector.Apply(event)
	ctx := snapshot.Context{
		Machines: s.projector.Machines(), Sessions: s.projector.Sessions(),
		Runs: s.projector.Runs(), RunDetails: s.projector.RunDetails(),
	}
	s.mu.Lock()
	s.snapshot = snapshot.Reduce(s.snapshot, event, ctx)
	s.mu.Unlock()
}

func (s *Server) currentSnapshot() snapshot.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Router builds the full chi.Router for the control plane.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/events", s.handleEvents)
	r.Post("/ingest", s.handleIngest)
	r.Post("/ingest/batch", s.handleIngestBatch)
	r.Post("/openclaw/bridge/cron-sync", s.handleCronSync)
	r.Get("/bridge/connections", s.handleListConnections)
	r.Post("/bridge/preflight", s.handlePreflight)

	r.Route("/bridges", func(r chi.Router) {
		r.Post("/", s.handleCreateBridge)
		r.Get("/{id}", s.handleGetBridge)
		r.Post("/{id}/retry-sudo", s.handleRetrySudo)
		r.Post("/{id}/retry-user-mode", s.handleRetryUserMode)
		r.Delete("/{id}", s.handleRemoveBridge)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", s.handleCreateTask)
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Patch("/{id}", s.handleUpdateTask)
		r.Delete("/{id}", s.handleDeleteTask)
		r.Get("/snapshots", s.handleListTaskSnapshots)
		r.Post("/snapshots", s.handleCaptureTaskSnapshot)
		r.Post("/snapshots/{snapshotId}/rollback", s.handleRollbackTaskSnapshot)
	})

	r.Route("/commands", func(r chi.Router) {
		r.Post("/", s.handleCreateCommand)
		r.Get("/poll", s.handlePollCommand)
		r.Post("/{id}/ack-running", s.handleAckRunning)
		r.Post("/{id}/renew-lease", s.handleRenewLease)
		r.Post("/{id}/result", s.handlePushResult)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/reject", s.handleReject)
	})

	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[httpapi] failed to encode response: %v", err)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentSnapshot())
}

// handleEvents serves GET /events as an SSE stream, honoring Last-Event-ID
// for resume (§4.4/§6.2).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	lastEventID := r.Header.Get("Last-Event-ID")
	backlog, ok := s.store.Since(lastEventID)
	if lastEventID != "" && !ok {
		fmt.Fprintf(w, ": resume-failed, refetch /snapshot\n\n")
		flusher.Flush()
	}
	for _, e := range backlog {
		writeSSEEvent(w, e)
	}
	flusher.Flush()

	ch := make(chan telemetry.Envelope, 256)
	token := s.store.Subscribe(func(e telemetry.Envelope) {
		select {
		case ch <- e:
		default:
			log.Printf("[httpapi] sse subscriber channel full, dropping event %s", e.ID)
		}
	})
	defer s.store.Unsubscribe(token)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			writeSSEEvent(w, e)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, e telemetry.Envelope) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[httpapi] failed to marshal sse event %s: %v", e.ID, err)
		return
	}
	fmt.Fprintf(w, "id: %s\nevent: telemetry\ndata: %s\n\n", e.ID, data)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var env telemetry.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.ingestRejected.WithLabelValues(string(telemetry.CodeInvalidEnvelope)).Inc()
		writeJSON(w, http.StatusBadRequest, telemetry.Rejection{Code: telemetry.CodeInvalidEnvelope, Message: "malformed JSON"})
		return
	}
	valid, rej := telemetry.Validate(env)
	if rej != nil {
		s.ingestRejected.WithLabelValues(string(rej.Code)).Inc()
		writeJSON(w, http.StatusBadRequest, rej)
		return
	}
	s.store.Append(valid)
	s.ingestAccepted.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type batchRequest struct {
	Events []telemetry.Envelope `json:"events"`
}

type batchRejection struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, telemetry.Rejection{Code: telemetry.CodeInvalidEnvelope, Message: "malformed JSON"})
		return
	}

	var accepted []telemetry.Envelope
	var rejected []batchRejection
	for i, env := range req.Events {
		valid, rej := telemetry.Validate(env)
		if rej != nil {
			s.ingestRejected.WithLabelValues(string(rej.Code)).Inc()
			rejected = append(rejected, batchRejection{Index: i, Code: string(rej.Code), Message: rej.Message})
			continue
		}
		accepted = append(accepted, valid)
	}
	if len(accepted) > 0 {
		s.store.AppendMany(accepted)
		s.ingestAccepted.Add(float64(len(accepted)))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": len(accepted), "rejected": rejected,
	})
}

type cronSyncRequest struct {
	MachineID  string            `json:"machineId"`
	ConfigHash string            `json:"configHash"`
	ConfigRaw  string            `json:"configRaw,omitempty"`
	JobsDelta  []json.RawMessage `json:"jobsDelta"`
	RunsDelta  []json.RawMessage `json:"runsDelta"`
}

// handleCronSync implements POST /openclaw/bridge/cron-sync (§6.1/§4.10).
// jobsDelta/runsDelta are accepted and logged; the fleet-visible read model
// for sessions/runs is driven by telemetry envelopes (run.state.changed)
// rather than by this channel, so the delta here only feeds the
// openclaw.json config mirror that downstream UI reads alongside the
// snapshot. The response always echoes the plane's current stored hash for
// the machine so the bridge knows whether to resend configRaw next push.
func (s *Server) handleCronSync(w http.ResponseWriter, r *http.Request) {
	var req cronSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	if req.MachineID == "" {
		http.Error(w, "machineId required", http.StatusBadRequest)
		return
	}

	s.cronMu.Lock()
	mirror := s.cronMirror[req.MachineID]
	if req.ConfigRaw != "" {
		mirror = openclawMirror{ConfigHash: req.ConfigHash, ConfigRaw: req.ConfigRaw}
		s.cronMirror[req.MachineID] = mirror
	}
	echoHash := mirror.ConfigHash
	s.cronMu.Unlock()

	if len(req.JobsDelta) > 0 || len(req.RunsDelta) > 0 {
		log.Printf("[httpapi] cron-sync from %s: %d job(s), %d run(s)", req.MachineID, len(req.JobsDelta), len(req.RunsDelta))
	}

	writeJSON(w, http.StatusOK, map[string]string{"configHash": echoHash})
}

// OpenClawConfig returns the plane's mirrored openclaw.json for machineID,
// or ("", false) if the bridge has never pushed one.
func (s *Server) OpenClawConfig(machineID string) (string, bool) {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	mirror, ok := s.cronMirror[machineID]
	return mirror.ConfigRaw, ok
}

// WithAuditStore attaches the bridge-connections audit view, enabling
// GET /bridge/connections. Without it the route reports 503, matching the
// "degrades gracefully" requirement for a single-process deployment with
// no store configured.
func (s *Server) WithAuditStore(store auditstore.Store) *Server {
	s.audit = store
	return s
}

// WithConnector attaches the SSH connector used for dry-run preflight
// checks, enabling POST /bridge/preflight.
func (s *Server) WithConnector(connector lifecycle.Connector) *Server {
	s.connector = connector
	return s
}

// WithManager attaches the bridge lifecycle manager and the bundle path it
// installs, enabling the /bridges REST surface (§4.8).
func (s *Server) WithManager(manager *lifecycle.Manager, bundlePath string) *Server {
	s.manager = manager
	s.bundle = bundlePath
	return s
}

// WithTaskStore attaches the scheduled-task store, enabling the /tasks
// REST surface (§3.5/§4.11).
func (s *Server) WithTaskStore(tasks *taskstore.Store) *Server {
	s.tasks = tasks
	return s
}

// handleListConnections serves GET /bridge/connections (§6.1): the audit
// view of every bridge the plane has ever recorded a connection phase for.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit store not configured", http.StatusServiceUnavailable)
		return
	}
	conns, err := s.audit.ListConnections(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

type preflightRequest struct {
	Host    string `json:"sshHost"`
	Port    string `json:"sshPort"`
	User    string `json:"sshUser"`
	KeyPath string `json:"sshKeyPath,omitempty"`
}

// handlePreflight serves POST /bridge/preflight (§6.1): a stateless
// connect-probe-disconnect dry run that never touches the lifecycle
// Manager's bridge registry, so repeating it has no side effects.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	if s.connector == nil {
		http.Error(w, "connector not configured", http.StatusServiceUnavailable)
		return
	}
	var req preflightRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	if req.Host == "" || req.User == "" {
		http.Error(w, "sshHost and sshUser required", http.StatusBadRequest)
		return
	}
	if req.Port == "" {
		req.Port = "22"
	}
	result := lifecycle.Preflight(r.Context(), s.connector, lifecycle.TargetConfig{
		Host: req.Host, Port: req.Port, User: req.User, SSHKeyPath: req.KeyPath,
	})
	writeJSON(w, http.StatusOK, result)
}

// handleCreateBridge serves POST /bridges (§4.8): runs the idempotent setup
// algorithm for (host, port), returning the resulting bridge state. Setup
// runs synchronously here; UI clients observe the resulting phase
// transitions via the bridge's own telemetry once telemetry_active.
func (s *Server) handleCreateBridge(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		http.Error(w, "bridge manager not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Host       string `json:"sshHost"`
		Port       string `json:"sshPort"`
		User       string `json:"sshUser"`
		SSHKeyPath string `json:"sshKeyPath,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	if req.Host == "" || req.User == "" {
		http.Error(w, "sshHost and sshUser required", http.StatusBadRequest)
		return
	}
	if req.Port == "" {
		req.Port = "22"
	}
	bridge, err := s.manager.Setup(r.Context(), lifecycle.TargetConfig{
		Host: req.Host, Port: req.Port, User: req.User, SSHKeyPath: req.SSHKeyPath,
		LocalBundlePath: s.bundle,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bridge)
}

func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		http.Error(w, "bridge manager not configured", http.StatusServiceUnavailable)
		return
	}
	bridge, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "bridge not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, bridge)
}

func (s *Server) handleRetrySudo(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		http.Error(w, "bridge manager not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	bridge, err := s.manager.RetryInstallWithSudoPassword(r.Context(), chi.URLParam(r, "id"), req.Password)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, bridge)
}

func (s *Server) handleRetryUserMode(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		http.Error(w, "bridge manager not configured", http.StatusServiceUnavailable)
		return
	}
	bridge, err := s.manager.RetryInstallUserMode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, bridge)
}

func (s *Server) handleRemoveBridge(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		http.Error(w, "bridge manager not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.manager.Remove(chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateTask serves POST /tasks (§3.5).
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "task store not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Name        string             `json:"name"`
		Description string             `json:"description,omitempty"`
		Schedule    taskstore.Schedule `json:"schedule"`
		Action      taskstore.Action   `json:"action"`
		TimeoutMs   int                `json:"timeoutMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	task, err := s.tasks.Create(req.Name, req.Description, req.Schedule, req.Action, req.TimeoutMs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "task store not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.tasks.List())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "task store not configured", http.StatusServiceUnavailable)
		return
	}
	task, ok := s.tasks.Get(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "task store not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Name        *string             `json:"name,omitempty"`
		Description *string             `json:"description,omitempty"`
		Schedule    *taskstore.Schedule `json:"schedule,omitempty"`
		Action      *taskstore.Action   `json:"action,omitempty"`
		TimeoutMs   *int                `json:"timeoutMs,omitempty"`
		Status      *taskstore.Status   `json:"status,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	task, err := s.tasks.Update(chi.URLParam(r, "id"), func(t *taskstore.Task) {
		if req.Name != nil {
			t.Name = *req.Name
		}
		if req.Description != nil {
			t.Description = *req.Description
		}
		if req.Schedule != nil {
			t.Schedule = *req.Schedule
		}
		if req.Action != nil {
			t.Action = *req.Action
		}
		if req.TimeoutMs != nil {
			t.TimeoutMs = *req.TimeoutMs
		}
		if req.Status != nil {
			t.Status = *req.Status
		}
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "task store not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.tasks.Delete(chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTaskSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "task store not configured", http.StatusServiceUnavailable)
		return
	}
	snaps, err := s.tasks.ListSnapshots()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// handleCaptureTaskSnapshot serves POST /tasks/snapshots: an operator-
// requested (source=manual) TaskSnapshot, distinct from the automatic ones
// Create/Update/Delete already take (§4.11).
func (s *Server) handleCaptureTaskSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "task store not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		Description string `json:"description,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	meta, err := s.tasks.CaptureSnapshot(taskstore.SourceManual, req.Description)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, meta)
}

func (s *Server) handleRollbackTaskSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		http.Error(w, "task store not configured", http.StatusServiceUnavailable)
		return
	}
	if err := s.tasks.Rollback(chi.URLParam(r, "snapshotId")); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.tasks.List())
}

func (s *Server) handleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var snap commandqueue.Snapshot
	if err := json.NewDecoder(r.Body).Decode(&snap); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	c := s.queue.Create(snap)
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handlePollCommand(w http.ResponseWriter, r *http.Request) {
	machineID := r.URL.Query().Get("machineId")
	if machineID == "" {
		http.Error(w, "machineId required", http.StatusBadRequest)
		return
	}
	ttlMs, _ := strconv.Atoi(r.URL.Query().Get("leaseTtlMs"))
	if ttlMs <= 0 {
		ttlMs = 30_000
	}
	c, err := s.queue.Poll(machineID, time.Duration(ttlMs)*time.Millisecond)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if c == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleAckRunning(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		MachineID string `json:"machineId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	c, err := s.queue.AckRunning(id, req.MachineID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleRenewLease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		MachineID string `json:"machineId"`
		TTLMs     int    `json:"leaseTtlMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	if req.TTLMs <= 0 {
		req.TTLMs = 30_000
	}
	c, err := s.queue.RenewLease(id, req.MachineID, time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePushResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		MachineID string               `json:"machineId"`
		Result    commandqueue.Result  `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	c, err := s.queue.PushResult(id, req.MachineID, req.Result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		TargetID      string `json:"targetId"`
		TargetVersion string `json:"targetVersion"`
		ApprovedBy    string `json:"approvedBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	c, err := s.queue.Approve(id, req.TargetID, req.TargetVersion, req.ApprovedBy)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed JSON", http.StatusBadRequest)
		return
	}
	c, err := s.queue.Reject(id, req.Reason)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
