// Package commandqueue implements the lease-based at-most-once work queue
// the control plane uses to dispatch commands to bridges (component J,
// §3.4/§4.9), grounded on the order-processing lifecycle in
// appliance/internal/orders/processor.go.
package commandqueue

import (
	"crypto/ed25519"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goiltpatpat/patze-control/internal/persistence"
)

// State is a BridgeCommand lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateLeased     State = "leased"
	StateRunning    State = "running"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateRejected   State = "rejected"
	StateExpired    State = "expired"
	StateDeadletter State = "deadletter"
)

// IsTerminal reports whether s is one of {succeeded, failed, rejected, deadletter}.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRejected, StateDeadletter:
		return true
	}
	return false
}

// Intent is the kind of action a command snapshot describes.
type Intent string

const (
	IntentTriggerJob       Intent = "trigger_job"
	IntentAgentSetEnabled  Intent = "agent_set_enabled"
	IntentApproveRequest   Intent = "approve_request"
	IntentRunCommand       Intent = "run_command"
)

// Snapshot is the immutable description of what a command does.
type Snapshot struct {
	TargetID         string                 `json:"targetId"`
	MachineID        string                 `json:"machineId"`
	TargetVersion    string                 `json:"targetVersion"`
	Intent           Intent                 `json:"intent"`
	Args             map[string]interface{} `json:"args,omitempty"`
	CreatedBy        string                 `json:"createdBy"`
	IdempotencyKey   string                 `json:"idempotencyKey"`
	ApprovalRequired bool                   `json:"approvalRequired"`
	PolicyVersion    string                 `json:"policyVersion,omitempty"`
}

// Result is the outcome of executing a command, reported by a bridge.
type Result struct {
	Status     string `json:"status"` // succeeded|failed
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	Artifact   string `json:"artifact,omitempty"`
	Duplicate  bool   `json:"duplicate,omitempty"`
}

// Command is one BridgeCommand record (§3.4).
type Command struct {
	ID                  string     `json:"id"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	State               State      `json:"state"`
	LeaseOwnerMachineID string     `json:"leaseOwnerMachineId,omitempty"`
	LeaseUntil          *time.Time `json:"leaseUntil,omitempty"`
	LeaseAttempts       int        `json:"leaseAttempts"`
	ExecutionAttempts   int        `json:"executionAttempts"`
	ApprovedAt          *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy          string     `json:"approvedBy,omitempty"`
	RejectedReason      string     `json:"rejectedReason,omitempty"`
	Result              *Result    `json:"result,omitempty"`
	Snapshot            Snapshot   `json:"snapshot"`

	// Signature is the Ed25519 signature over the command's canonical
	// result payload, populated once a terminal result is pushed, mirroring
	// the signed-evidence idiom the donor applies to order completions.
	Signature []byte `json:"signature,omitempty"`
}

const maxLeaseOrExecAttempts = 3

// fileState is the on-disk {version, commands} envelope (§4.11).
type fileState struct {
	Version  int        `json:"version"`
	Commands []*Command `json:"commands"`
}

// Store is the single-owner, file-persisted command queue.
type Store struct {
	mu       sync.Mutex
	path     string
	commands map[string]*Command
	signKey  ed25519.PrivateKey
}

// New constructs a Store backed by path. signKey may be nil if result
// signing is not configured.
func New(path string, signKey ed25519.PrivateKey) *Store {
	return &Store{path: path, commands: make(map[string]*Command), signKey: signKey}
}

// Load hydrates the store from its persisted file; a missing file is not an
// error (empty store).
func (s *Store) Load() error {
	var fs fileState
	if err := persistence.ReadJSON(s.path, &fs); err != nil {
		if persistence.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load command queue: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range fs.Commands {
		s.commands[c.ID] = c
	}
	return nil
}

func (s *Store) saveLocked() {
	fs := fileState{Version: 1, Commands: make([]*Command, 0, len(s.commands))}
	for _, c := range s.commands {
		fs.Commands = append(fs.Commands, c)
	}
	if err := persistence.WriteJSONAtomic(s.path, fs, true); err != nil {
		log.Printf("[commandqueue] persist error: %v", err)
	}
}

// Create enqueues a new command in state=queued.
func (s *Store) Create(snapshot Snapshot) *Command {
	now := time.Now().UTC()
	c := &Command{
		ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now,
		State: StateQueued, Snapshot: snapshot,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands[c.ID] = c
	s.saveLocked()
	return c
}

// Approve sets approvedAt/approvedBy on a non-terminal, approval-required
// command whose targetId/targetVersion match.
func (s *Store) Approve(commandID, targetID, targetVersion, approvedBy string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[commandID]
	if !ok {
		return nil, fmt.Errorf("command %s not found", commandID)
	}
	if c.State.IsTerminal() {
		return nil, fmt.Errorf("command %s is terminal", commandID)
	}
	if !c.Snapshot.ApprovalRequired {
		return nil, fmt.Errorf("command %s does not require approval", commandID)
	}
	if c.Snapshot.TargetID != targetID || c.Snapshot.TargetVersion != targetVersion {
		return nil, fmt.Errorf("target mismatch for command %s", commandID)
	}
	now := time.Now().UTC()
	c.ApprovedAt = &now
	c.ApprovedBy = approvedBy
	c.UpdatedAt = now
	s.saveLocked()
	return c, nil
}

// Reject transitions a non-terminal command to rejected.
func (s *Store) Reject(commandID, reason string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[commandID]
	if !ok {
		return nil, fmt.Errorf("command %s not found", commandID)
	}
	if c.State.IsTerminal() {
		return nil, fmt.Errorf("command %s is terminal", commandID)
	}
	c.State = StateRejected
	c.RejectedReason = reason
	c.UpdatedAt = time.Now().UTC()
	s.saveLocked()
	return c, nil
}

// expireOverdueLeasesLocked implements the §4.9 lease-expiry rule. Caller
// must hold s.mu.
func (s *Store) expireOverdueLeasesLocked(now time.Time) {
	for _, c := range s.commands {
		if c.State != StateLeased && c.State != StateRunning {
			continue
		}
		if c.LeaseUntil == nil || c.LeaseUntil.After(now) {
			continue
		}
		if c.ExecutionAttempts >= maxLeaseOrExecAttempts || c.LeaseAttempts >= maxLeaseOrExecAttempts {
			c.State = StateDeadletter
		} else {
			c.State = StateExpired
		}
		c.LeaseOwnerMachineID = ""
		c.LeaseUntil = nil
		c.UpdatedAt = now
	}
}

// Poll expires overdue leases, then leases the single oldest eligible
// command for machineID.
func (s *Store) Poll(machineID string, leaseTTL time.Duration) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.expireOverdueLeasesLocked(now)

	var candidates []*Command
	for _, c := range s.commands {
		if c.Snapshot.MachineID != machineID {
			continue
		}
		if c.State != StateQueued && c.State != StateExpired {
			continue
		}
		if c.Snapshot.ApprovalRequired && c.ApprovedAt == nil {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		s.saveLocked()
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	c := candidates[0]

	until := now.Add(leaseTTL)
	c.State = StateLeased
	c.LeaseOwnerMachineID = machineID
	c.LeaseUntil = &until
	c.LeaseAttempts++
	c.UpdatedAt = now
	s.saveLocked()
	return c, nil
}

// AckRunning transitions a leased command (owned by machineID) to running.
func (s *Store) AckRunning(commandID, machineID string) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ownedNonTerminalLocked(commandID, machineID)
	if err != nil {
		return nil, err
	}
	if c.State != StateLeased && c.State != StateRunning {
		return nil, fmt.Errorf("command %s not in a pollable lease state", commandID)
	}
	if c.State == StateLeased {
		c.State = StateRunning
		c.ExecutionAttempts++
	}
	c.UpdatedAt = time.Now().UTC()
	s.saveLocked()
	return c, nil
}

// RenewLease extends the lease of a leased/running command owned by machineID.
func (s *Store) RenewLease(commandID, machineID string, ttl time.Duration) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ownedNonTerminalLocked(commandID, machineID)
	if err != nil {
		return nil, err
	}
	if c.State != StateLeased && c.State != StateRunning {
		return nil, fmt.Errorf("command %s not leased", commandID)
	}
	now := time.Now().UTC()
	until := now.Add(ttl)
	c.LeaseUntil = &until
	c.UpdatedAt = now
	s.saveLocked()
	return c, nil
}

// PushResult sets a terminal result for a leased/running command owned by
// machineID and clears its lease. Signs the result if a signing key is
// configured.
func (s *Store) PushResult(commandID, machineID string, result Result) (*Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.ownedNonTerminalLocked(commandID, machineID)
	if err != nil {
		return nil, err
	}
	if c.State != StateLeased && c.State != StateRunning {
		return nil, fmt.Errorf("command %s not leased", commandID)
	}
	switch result.Status {
	case "succeeded":
		c.State = StateSucceeded
	case "failed":
		c.State = StateFailed
	default:
		return nil, fmt.Errorf("unknown result status %q", result.Status)
	}
	c.Result = &result
	c.LeaseOwnerMachineID = ""
	c.LeaseUntil = nil
	c.UpdatedAt = time.Now().UTC()
	if s.signKey != nil {
		c.Signature = ed25519.Sign(s.signKey, []byte(fmt.Sprintf("%s|%s|%d", c.ID, result.Status, result.ExitCode)))
	}
	s.saveLocked()
	return c, nil
}

func (s *Store) ownedNonTerminalLocked(commandID, machineID string) (*Command, error) {
	c, ok := s.commands[commandID]
	if !ok {
		return nil, fmt.Errorf("command %s not found", commandID)
	}
	if c.LeaseOwnerMachineID != machineID {
		return nil, fmt.Errorf("command %s not owned by %s", commandID, machineID)
	}
	if c.State.IsTerminal() {
		return nil, fmt.Errorf("command %s is terminal", commandID)
	}
	return c, nil
}

// Get returns a copy of one command record.
func (s *Store) Get(commandID string) (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[commandID]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// List returns up to limit commands sorted by createdAt DESC (§4.9); limit
// is clamped to 500.
func (s *Store) List(limit int) []Command {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Command, 0, len(s.commands))
	for _, c := range s.commands {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ExpireOverdueLeases is the public entry point for a background timer to
// trigger lease expiry independently of Poll.
func (s *Store) ExpireOverdueLeases() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireOverdueLeasesLocked(time.Now().UTC())
	s.saveLocked()
}
