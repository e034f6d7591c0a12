// Package projector folds the telemetry event stream into the server-side
// read models (component C): machines, sessions, and runs.
package projector

import "time"

// RunState enumerates the lifecycle states from §3.2.
type RunState string

const (
	StateCreated     RunState = "created"
	StateQueued      RunState = "queued"
	StateRunning     RunState = "running"
	StateWaitingTool RunState = "waiting_tool"
	StateStreaming   RunState = "streaming"
	StateCompleted   RunState = "completed"
	StateFailed      RunState = "failed"
	StateCancelled   RunState = "cancelled"
)

// IsTerminal reports whether state is one of the terminal states.
func (s RunState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// MachineKind is local or vps.
type MachineKind string

const (
	KindLocal MachineKind = "local"
	KindVPS   MachineKind = "vps"
)

// MachineStatus is the liveness status of a machine.
type MachineStatus string

const (
	MachineOnline   MachineStatus = "online"
	MachineDegraded MachineStatus = "degraded"
	MachineOffline  MachineStatus = "offline"
)

// Resource mirrors telemetry.ResourceUsage for the read-model's lastResource.
type Resource struct {
	CPUPct      *float64 `json:"cpuPct,omitempty"`
	MemoryBytes *float64 `json:"memoryBytes,omitempty"`
	MemoryPct   *float64 `json:"memoryPct,omitempty"`
	NetRx       *float64 `json:"netRx,omitempty"`
	NetTx       *float64 `json:"netTx,omitempty"`
}

// Machine is the §3.2 Machine read model.
type Machine struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Kind         MachineKind   `json:"kind"`
	Status       MachineStatus `json:"status"`
	LastSeenAt   time.Time     `json:"lastSeenAt"`
	LastEventID  string        `json:"lastEventId"`
	LastResource *Resource     `json:"lastResource,omitempty"`
}

// Session is the §3.2 Session read model.
type Session struct {
	ID          string     `json:"id"`
	MachineID   string     `json:"machineId"`
	AgentID     string     `json:"agentId"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`
	LastEventID string     `json:"lastEventId"`
}

// Run is the §3.2 Run read model.
type Run struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"sessionId"`
	MachineID     string     `json:"machineId"`
	AgentID       string     `json:"agentId"`
	State         RunState   `json:"state"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	FailureReason string     `json:"failureReason,omitempty"`
	LastEventID   string     `json:"lastEventId"`
}

// ToolCall is one entry of RunDetail.ToolCalls.
type ToolCall struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Success   *bool     `json:"success,omitempty"`
}

// ModelUsageTotals accumulates token counts/cost for a run.
type ModelUsageTotals struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	InputTokens  int64    `json:"inputTokens"`
	OutputTokens int64    `json:"outputTokens"`
	CostUSD      *float64 `json:"costUsd,omitempty"`
}

// MaxToolCalls bounds RunDetail.ToolCalls; oldest startedAt evicted on overflow.
const MaxToolCalls = 50

// RunDetail is the §3.2 RunDetail read model.
type RunDetail struct {
	RunID      string            `json:"runId"`
	ToolCalls  []ToolCall        `json:"toolCalls"`
	ModelUsage *ModelUsageTotals `json:"modelUsage,omitempty"`
}
