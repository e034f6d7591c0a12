// Package cronsync implements the Cron Sync Pusher (component K, §4.10):
// it tails OpenClaw's on-disk jobs/runs directory, pushes incremental
// diffs to the control plane at a configured interval, and mirrors the
// bridge's local openclaw.json onto the plane when the plane's stored
// config hash falls behind. Grounded on bridgeruntime.FileCollector's
// <jobsDir>/runs/*.json read (same source tree, different tail) and on
// CommandPoller's ticker-loop/plain-HTTP-client idiom.
package cronsync

// JobRecord is one OpenClaw job definition as read from
// <jobsDir>/jobs/<id>.json.
type JobRecord struct {
	JobID     string `json:"jobId"`
	Name      string `json:"name"`
	Schedule  string `json:"schedule"`
	AgentID   string `json:"agentId"`
	Channel   string `json:"channel"`
	Model     string `json:"model"`
	UpdatedAt string `json:"updatedAt"`
}

// RunRecord is one OpenClaw run as read from <jobsDir>/runs/<id>.json.
type RunRecord struct {
	RunID         string `json:"runId"`
	SessionID     string `json:"sessionId"`
	MachineID     string `json:"machineId"`
	AgentID       string `json:"agentId"`
	JobID         string `json:"jobId"`
	State         string `json:"state"`
	FailureReason string `json:"failureReason,omitempty"`
	UpdatedAt     string `json:"updatedAt"`
}

// pushRequest is the wire body for POST /openclaw/bridge/cron-sync (§6.1).
type pushRequest struct {
	MachineID  string      `json:"machineId"`
	ConfigHash string      `json:"configHash"`
	ConfigRaw  string      `json:"configRaw,omitempty"`
	JobsDelta  []JobRecord `json:"jobsDelta"`
	RunsDelta  []RunRecord `json:"runsDelta"`
}

// pushResponse echoes the plane's currently stored config hash for this
// machine, per §4.10: "the plane echoes back a config hash".
type pushResponse struct {
	ConfigHash string `json:"configHash"`
}
