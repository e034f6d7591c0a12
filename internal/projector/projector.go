package projector

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/goiltpatpat/patze-control/internal/telemetry"
)

// Projector consumes events from an eventstore subscription and maintains
// the machine/session/run read models. It is the exclusive writer of these
// maps (§3.6); all other components hold read-only views obtained via the
// Machines/Sessions/Runs/RunDetail/RunDetails accessors, which return copies.
type Projector struct {
	mu         sync.RWMutex
	machines   map[string]Machine
	sessions   map[string]Session
	runs       map[string]Run
	runDetails map[string]RunDetail
}

// New creates an empty Projector.
func New() *Projector {
	return &Projector{
		machines:   make(map[string]Machine),
		sessions:   make(map[string]Session),
		runs:       make(map[string]Run),
		runDetails: make(map[string]RunDetail),
	}
}

// Apply folds one event into the read models. It is safe to register this
// as an eventstore.Listener directly.
func (p *Projector) Apply(event telemetry.Envelope) {
	switch event.Type {
	case telemetry.TypeMachineRegistered:
		p.applyMachineRegistered(event)
	case telemetry.TypeMachineHeartbeat:
		p.applyMachineHeartbeat(event)
	case telemetry.TypeSessionStateChange:
		p.applySessionStateChanged(event)
	case telemetry.TypeRunStateChanged:
		p.applyRunStateChanged(event)
	case telemetry.TypeRunToolStarted:
		p.applyRunToolStarted(event)
	case telemetry.TypeRunToolCompleted:
		p.applyRunToolCompleted(event)
	case telemetry.TypeRunModelUsage:
		p.applyRunModelUsage(event)
	}
}

func parseEventTS(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		log.Printf("[projector] unparseable event ts %q: %v", raw, err)
		return time.Now().UTC()
	}
	return ts
}

type machineRegisteredPayload struct {
	Name   string        `json:"name"`
	Kind   MachineKind   `json:"kind"`
	Status MachineStatus `json:"status"`
}

func (p *Projector) applyMachineRegistered(event telemetry.Envelope) {
	var pl machineRegisteredPayload
	if err := json.Unmarshal(event.Payload, &pl); err != nil {
		log.Printf("[projector] bad machine.registered payload for %s: %v", event.MachineID, err)
		return
	}
	ts := parseEventTS(event.TS)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.machines[event.MachineID] = Machine{
		ID: event.MachineID, Name: pl.Name, Kind: pl.Kind, Status: pl.Status,
		LastSeenAt: ts, LastEventID: event.ID,
	}
}

type heartbeatPayload struct {
	Status   MachineStatus `json:"status"`
	Name     string        `json:"name"`
	Kind     MachineKind   `json:"kind"`
	Resource *Resource     `json:"resource"`
}

func (p *Projector) applyMachineHeartbeat(event telemetry.Envelope) {
	var pl heartbeatPayload
	if err := json.Unmarshal(event.Payload, &pl); err != nil {
		log.Printf("[projector] bad heartbeat payload for %s: %v", event.MachineID, err)
		return
	}
	ts := parseEventTS(event.TS)

	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.machines[event.MachineID]
	m.ID = event.MachineID
	if pl.Status != "" {
		m.Status = pl.Status
	}
	m.LastSeenAt = ts
	m.LastEventID = event.ID
	if pl.Name != "" {
		m.Name = pl.Name
	}
	if pl.Kind != "" {
		m.Kind = pl.Kind
	}
	m.LastResource = pl.Resource
	p.machines[event.MachineID] = m
}

type sessionStateChangedPayload struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
	To        string `json:"to"`
}

func (p *Projector) applySessionStateChanged(event telemetry.Envelope) {
	var pl sessionStateChangedPayload
	if err := json.Unmarshal(event.Payload, &pl); err != nil {
		log.Printf("[projector] bad session.state.changed payload for %s: %v", event.MachineID, err)
		return
	}
	ts := parseEventTS(event.TS)

	p.mu.Lock()
	defer p.mu.Unlock()
	existing, had := p.sessions[pl.SessionID]
	created := ts
	if had {
		created = existing.CreatedAt
	}
	s := Session{
		ID: pl.SessionID, MachineID: event.MachineID, AgentID: pl.AgentID,
		State: pl.To, CreatedAt: created, UpdatedAt: ts, LastEventID: event.ID,
	}
	if isTerminalSessionState(pl.To) {
		s.EndedAt = &ts
	}
	p.sessions[pl.SessionID] = s
}

func isTerminalSessionState(s string) bool {
	return s == "completed" || s == "failed" || s == "cancelled" || s == "ended"
}

type runStateChangedPayload struct {
	RunID         string `json:"runId"`
	SessionID     string `json:"sessionId"`
	AgentID       string `json:"agentId"`
	To            string `json:"to"`
	FailureReason string `json:"failureReason,omitempty"`
}

func (p *Projector) applyRunStateChanged(event telemetry.Envelope) {
	var pl runStateChangedPayload
	if err := json.Unmarshal(event.Payload, &pl); err != nil {
		log.Printf("[projector] bad run.state.changed payload for %s: %v", event.MachineID, err)
		return
	}
	ts := parseEventTS(event.TS)
	to := RunState(pl.To)

	p.mu.Lock()
	defer p.mu.Unlock()
	existing, had := p.runs[pl.RunID]
	created := ts
	if had {
		created = existing.CreatedAt
	}
	r := Run{
		ID: pl.RunID, SessionID: pl.SessionID, MachineID: event.MachineID, AgentID: pl.AgentID,
		State: to, CreatedAt: created, UpdatedAt: ts, LastEventID: event.ID,
	}
	if to == StateFailed && pl.FailureReason != "" {
		r.FailureReason = pl.FailureReason
	} else if had {
		r.FailureReason = existing.FailureReason
	}
	if to.IsTerminal() {
		r.EndedAt = &ts
	}
	p.runs[pl.RunID] = r

	if !had {
		p.runDetails[pl.RunID] = RunDetail{RunID: pl.RunID}
	}
}

type toolCallPayload struct {
	RunID   string `json:"runId"`
	Tool    string `json:"tool"`
	Success *bool  `json:"success,omitempty"`
}

func (p *Projector) applyRunToolStarted(event telemetry.Envelope) {
	var pl toolCallPayload
	if err := json.Unmarshal(event.Payload, &pl); err != nil {
		log.Printf("[projector] bad run.tool.started payload: %v", err)
		return
	}
	ts := parseEventTS(event.TS)

	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.runDetails[pl.RunID]
	d.RunID = pl.RunID
	d.ToolCalls = append(d.ToolCalls, ToolCall{Name: pl.Tool, StartedAt: ts})
	d.ToolCalls = boundToolCalls(d.ToolCalls)
	p.runDetails[pl.RunID] = d
}

func (p *Projector) applyRunToolCompleted(event telemetry.Envelope) {
	var pl toolCallPayload
	if err := json.Unmarshal(event.Payload, &pl); err != nil {
		log.Printf("[projector] bad run.tool.completed payload: %v", err)
		return
	}
	ts := parseEventTS(event.TS)

	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.runDetails[pl.RunID]
	for i := len(d.ToolCalls) - 1; i >= 0; i-- {
		if d.ToolCalls[i].Name == pl.Tool && d.ToolCalls[i].EndedAt == nil {
			d.ToolCalls[i].EndedAt = &ts
			d.ToolCalls[i].Success = pl.Success
			break
		}
	}
	p.runDetails[pl.RunID] = d
}

// boundToolCalls evicts the earliest startedAt entries once over MaxToolCalls.
func boundToolCalls(calls []ToolCall) []ToolCall {
	if len(calls) <= MaxToolCalls {
		return calls
	}
	overflow := len(calls) - MaxToolCalls
	return append([]ToolCall(nil), calls[overflow:]...)
}

func (p *Projector) applyRunModelUsage(event telemetry.Envelope) {
	var pl telemetry.ModelUsage
	if err := json.Unmarshal(event.Payload, &pl); err != nil {
		log.Printf("[projector] bad run.model.usage payload: %v", err)
		return
	}
	var runID string
	var probe struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(event.Payload, &probe); err == nil {
		runID = probe.RunID
	}
	if runID == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.runDetails[runID]
	d.RunID = runID
	if d.ModelUsage == nil {
		d.ModelUsage = &ModelUsageTotals{Provider: pl.Provider, Model: pl.Model}
	}
	if pl.InputTokens != nil {
		d.ModelUsage.InputTokens += *pl.InputTokens
	}
	if pl.OutputTokens != nil {
		d.ModelUsage.OutputTokens += *pl.OutputTokens
	}
	if pl.CostUSD != nil {
		if d.ModelUsage.CostUSD == nil {
			cost := *pl.CostUSD
			d.ModelUsage.CostUSD = &cost
		} else {
			*d.ModelUsage.CostUSD += *pl.CostUSD
		}
	}
	p.runDetails[runID] = d
}

// Machines returns a copy of the current machine read models.
func (p *Projector) Machines() []Machine {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Machine, 0, len(p.machines))
	for _, m := range p.machines {
		out = append(out, m)
	}
	return out
}

// Sessions returns a copy of the current session read models.
func (p *Projector) Sessions() []Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	return out
}

// Runs returns a copy of the current run read models.
func (p *Projector) Runs() []Run {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Run, 0, len(p.runs))
	for _, r := range p.runs {
		out = append(out, r)
	}
	return out
}

// RunDetail returns the RunDetail for runID, if any.
func (p *Projector) RunDetail(runID string) (RunDetail, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.runDetails[runID]
	return d, ok
}

// RunDetails returns a copy of all RunDetail entries keyed by runId.
func (p *Projector) RunDetails() map[string]RunDetail {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]RunDetail, len(p.runDetails))
	for k, v := range p.runDetails {
		out[k] = v
	}
	return out
}
