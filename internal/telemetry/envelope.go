// Package telemetry defines the canonical telemetry envelope and the
// validator that guards the ingest path (component A).
package telemetry

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"
)

// validate is a single shared validator.v10 instance; per its own docs it
// caches struct metadata and is safe for concurrent use once built, so the
// ingest path (component A) builds it once at package init rather than per
// envelope.
var validate = validator.New(validator.WithRequiredStructEnabled())

// SchemaVersion is the only accepted value of Envelope.Version.
const SchemaVersion = "telemetry.v1"

// MaxPayloadBytes bounds the serialized payload size.
const MaxPayloadBytes = 512 * 1024

// MaxIDLen bounds Envelope.ID and Envelope.MachineID.
const MaxIDLen = 256

// Severity is one of the closed set of telemetry severities.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// EventType is one of the closed set of telemetry event types (§4.1).
type EventType string

const (
	TypeMachineRegistered  EventType = "machine.registered"
	TypeMachineHeartbeat   EventType = "machine.heartbeat"
	TypeAgentStateChanged  EventType = "agent.state.changed"
	TypeSessionStateChange EventType = "session.state.changed"
	TypeRunStateChanged    EventType = "run.state.changed"
	TypeRunLogEmitted      EventType = "run.log.emitted"
	TypeRunToolStarted     EventType = "run.tool.started"
	TypeRunToolCompleted   EventType = "run.tool.completed"
	TypeRunModelUsage      EventType = "run.model.usage"
	TypeRunResourceUsage   EventType = "run.resource.usage"
	TypeTraceSpanRecorded  EventType = "trace.span.recorded"
)

// Trace carries distributed-tracing correlation ids.
type Trace struct {
	TraceID      string `json:"traceId" validate:"required"`
	SpanID       string `json:"spanId,omitempty"`
	ParentSpanID string `json:"parentSpanId,omitempty"`
}

// Envelope is the wire contract described in §3.1. Payload is kept as raw
// JSON so the validator can enforce the size bound before any type-specific
// unmarshalling, and so downstream code can unmarshal into the concrete
// per-type payload struct it wants (see payloads.go). The validate tags cover
// the structural rules from §4.1 (presence, length, closed-set membership);
// rules that need to inspect the raw payload JSON itself stay hand-rolled
// below, since validator has no struct to run against for those.
type Envelope struct {
	Version   string          `json:"version" validate:"required,eq=telemetry.v1"`
	ID        string          `json:"id" validate:"required,max=256,excludesrune=\n"`
	TS        string          `json:"ts" validate:"required"`
	MachineID string          `json:"machineId" validate:"required,max=256,excludesrune=\n"`
	Severity  Severity        `json:"severity" validate:"required,oneof=debug info warn error critical"`
	Type      EventType       `json:"type" validate:"required,oneof=machine.registered machine.heartbeat agent.state.changed session.state.changed run.state.changed run.log.emitted run.tool.started run.tool.completed run.model.usage run.resource.usage trace.span.recorded"`
	Payload   json.RawMessage `json:"payload"`
	Trace     Trace           `json:"trace" validate:"required"`
}

// RejectionCode enumerates the distinct rejection reasons from §4.1.
type RejectionCode string

const (
	CodeInvalidEnvelope      RejectionCode = "invalid_envelope"
	CodeInvalidPayload       RejectionCode = "invalid_payload"
	CodeInvalidSchemaVersion RejectionCode = "invalid_schema_version"
	CodeInvalidEventType     RejectionCode = "invalid_event_type"
	CodeMissingMachineID     RejectionCode = "missing_machine_id"
	CodeInvalidTimestamp     RejectionCode = "invalid_timestamp"
	CodeInvalidSeverity      RejectionCode = "invalid_severity"
	CodeInvalidTrace         RejectionCode = "invalid_trace"
)

// Rejection is the structured failure returned on validation failure; no
// partial acceptance is possible — a rejected envelope is never stored.
type Rejection struct {
	Code    RejectionCode `json:"code"`
	Message string        `json:"message"`
}

func (r *Rejection) Error() string {
	return string(r.Code) + ": " + r.Message
}

func reject(code RejectionCode, message string) *Rejection {
	return &Rejection{Code: code, Message: message}
}

// Validate checks env against every rule in §4.1 and, on success, returns a
// normalized copy with TS rewritten to canonical UTC ISO-8601. The returned
// envelope is otherwise identical; validation never mutates the input.
func Validate(env Envelope) (Envelope, *Rejection) {
	if rej := validateStruct(env); rej != nil {
		return env, rej
	}

	ts, err := parseTimestamp(env.TS)
	if err != nil {
		return env, reject(CodeInvalidTimestamp, "ts must parse as an ISO-8601 UTC instant: "+err.Error())
	}
	env.TS = ts.UTC().Format(time.RFC3339Nano)

	if len(env.Payload) > MaxPayloadBytes {
		return env, reject(CodeInvalidPayload, "payload exceeds 512 KiB")
	}
	if rej := validateTypeSpecific(env); rej != nil {
		return env, rej
	}
	if rej := validatePayloadMachineID(env); rej != nil {
		return env, rej
	}

	return env, nil
}

// validateStruct runs the validate tags on Envelope/Trace and translates the
// first failing field into the specific Rejection code §4.1 names for it,
// rather than a single generic "invalid envelope" rejection.
func validateStruct(env Envelope) *Rejection {
	err := validate.Struct(env)
	if err == nil {
		return nil
	}
	fieldErrs, ok := err.(validator.ValidationErrors)
	if !ok || len(fieldErrs) == 0 {
		return reject(CodeInvalidEnvelope, err.Error())
	}
	fe := fieldErrs[0]
	switch fe.StructField() {
	case "Version":
		return reject(CodeInvalidSchemaVersion, "version must be "+SchemaVersion)
	case "ID":
		return reject(CodeInvalidEnvelope, "id must be non-empty, <=256 chars, no newlines")
	case "MachineID":
		return reject(CodeMissingMachineID, "machineId must be non-empty, <=256 chars, no newlines")
	case "Type":
		return reject(CodeInvalidEventType, "unknown event type "+string(env.Type))
	case "Severity":
		return reject(CodeInvalidSeverity, "unknown severity "+string(env.Severity))
	case "TS":
		return reject(CodeInvalidTimestamp, "ts is required")
	case "Trace", "TraceID":
		return reject(CodeInvalidTrace, "trace.traceId is required")
	default:
		return reject(CodeInvalidEnvelope, fe.Field()+" failed validation: "+fe.Tag())
	}
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, &Rejection{Code: CodeInvalidTimestamp, Message: "empty timestamp"}
	}
	return time.Parse(time.RFC3339Nano, s)
}

// validatePayloadMachineID enforces rule 5: payload.machineId, when present,
// must equal the envelope machineId.
func validatePayloadMachineID(env Envelope) *Rejection {
	if len(env.Payload) == 0 {
		return nil
	}
	var probe struct {
		MachineID *string `json:"machineId"`
	}
	if err := json.Unmarshal(env.Payload, &probe); err != nil {
		return reject(CodeInvalidPayload, "payload is not valid JSON: "+err.Error())
	}
	if probe.MachineID != nil && *probe.MachineID != env.MachineID {
		return reject(CodeInvalidPayload, "payload.machineId must equal envelope machineId")
	}
	return nil
}
