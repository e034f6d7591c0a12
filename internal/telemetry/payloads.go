package telemetry

import "encoding/json"

// ResourceUsage is the shape carried by machine.heartbeat and
// run.resource.usage payloads.
type ResourceUsage struct {
	CPUPct      *float64 `json:"cpuPct"`
	MemoryBytes *float64 `json:"memoryBytes"`
	MemoryPct   *float64 `json:"memoryPct"`
	NetRx       *float64 `json:"netRx,omitempty"`
	NetTx       *float64 `json:"netTx,omitempty"`
}

// ModelUsage is the shape carried by run.model.usage payloads.
type ModelUsage struct {
	Provider     string   `json:"provider"`
	Model        string   `json:"model"`
	InputTokens  *int64   `json:"inputTokens"`
	OutputTokens *int64   `json:"outputTokens"`
	CostUSD      *float64 `json:"costUsd,omitempty"`
}

// validateTypeSpecific implements rule 6: per event type, required fields
// must be present and typed.
func validateTypeSpecific(env Envelope) *Rejection {
	switch env.Type {
	case TypeMachineHeartbeat:
		var p struct {
			Resource *ResourceUsage `json:"resource"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return reject(CodeInvalidPayload, "heartbeat payload must be JSON: "+err.Error())
		}
		if p.Resource == nil {
			return reject(CodeInvalidPayload, "heartbeat payload must carry resource")
		}
		if p.Resource.CPUPct == nil && p.Resource.MemoryBytes == nil && p.Resource.MemoryPct == nil {
			return reject(CodeInvalidPayload, "heartbeat resource must carry cpuPct, memoryBytes, or memoryPct")
		}
	case TypeRunModelUsage:
		var p ModelUsage
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return reject(CodeInvalidPayload, "model usage payload must be JSON: "+err.Error())
		}
		if p.Provider == "" || p.Model == "" {
			return reject(CodeInvalidPayload, "run.model.usage requires provider and model")
		}
		if p.InputTokens == nil && p.OutputTokens == nil {
			return reject(CodeInvalidPayload, "run.model.usage requires at least one token count")
		}
	}
	return nil
}
