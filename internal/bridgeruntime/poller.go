package bridgeruntime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/goiltpatpat/patze-control/internal/auditledger"
	"github.com/goiltpatpat/patze-control/internal/commandqueue"
)

// Executor runs an approved command on this machine and returns its result.
// The bridge's SSH/lifecycle layer is not in scope here — Executor is
// whatever local or remote action the command's intent maps to.
type Executor interface {
	Execute(ctx context.Context, cmd *commandqueue.Command) commandqueue.Result
}

// CommandPoller is the bridge-side client half of component J: it polls the
// control plane for leased work, acks/renews/pushes results over plain HTTP.
type CommandPoller struct {
	BaseURL     string
	Token       string
	MachineID   string
	PollInterval time.Duration
	LeaseTTL    time.Duration
	HTTPClient  *http.Client
	Executor    Executor

	// AuditLedger, if set, records each executed command locally for
	// operator troubleshooting without a plane round-trip (SPEC_FULL.md §2).
	AuditLedger *auditledger.Ledger
}

// Fallback poll interval and lease TTL, used when the poller's config leaves
// them zero or negative.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultLeaseTTL     = 30 * time.Second
)

// Run polls in a loop until ctx is canceled. Each leased command is executed
// synchronously (one in-flight command per bridge, matching §4.9's
// single-owner lease semantics).
func (p *CommandPoller) Run(ctx context.Context) error {
	interval := p.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *CommandPoller) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

func (p *CommandPoller) pollOnce(ctx context.Context) {
	cmd, err := p.poll(ctx)
	if err != nil {
		log.Printf("[bridgeruntime] command poll failed: %v", err)
		return
	}
	if cmd == nil {
		return
	}

	if err := p.ackRunning(ctx, cmd.ID); err != nil {
		log.Printf("[bridgeruntime] ack-running %s failed: %v", cmd.ID, err)
		return
	}

	result := p.runWithLeaseRenewal(ctx, cmd)

	if err := p.pushResult(ctx, cmd.ID, result); err != nil {
		log.Printf("[bridgeruntime] push result for %s failed: %v", cmd.ID, err)
	}

	if p.AuditLedger != nil {
		detail, _ := json.Marshal(result)
		summary := fmt.Sprintf("command %s finished with status %s", cmd.ID, result.Status)
		if err := p.AuditLedger.RecordCommand(ctx, cmd.ID, summary, string(detail)); err != nil {
			log.Printf("[bridgeruntime] audit ledger record failed for %s: %v", cmd.ID, err)
		}
	}
}

// runWithLeaseRenewal executes cmd, renewing the lease at half the TTL so a
// slow command doesn't expire out from under it.
func (p *CommandPoller) runWithLeaseRenewal(ctx context.Context, cmd *commandqueue.Command) commandqueue.Result {
	ttl := p.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	renewCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := p.renewLease(renewCtx, cmd.ID); err != nil {
					log.Printf("[bridgeruntime] renew-lease %s failed: %v", cmd.ID, err)
				}
			}
		}
	}()

	if p.Executor == nil {
		return commandqueue.Result{Status: string(commandqueue.StateFailed), Stderr: "no executor configured"}
	}
	return p.Executor.Execute(ctx, cmd)
}

func (p *CommandPoller) poll(ctx context.Context) (*commandqueue.Command, error) {
	url := fmt.Sprintf("%s/commands/poll?machineId=%s&leaseTtlMs=%d", p.BaseURL, p.MachineID, leaseTTLMs(p.LeaseTTL))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	p.setAuth(req)

	resp, err := p.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	var cmd commandqueue.Command
	if err := json.NewDecoder(resp.Body).Decode(&cmd); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	if cmd.ID == "" {
		return nil, nil
	}
	return &cmd, nil
}

func (p *CommandPoller) ackRunning(ctx context.Context, id string) error {
	body, _ := json.Marshal(map[string]string{"machineId": p.MachineID})
	return p.post(ctx, fmt.Sprintf("/commands/%s/ack-running", id), body)
}

func (p *CommandPoller) renewLease(ctx context.Context, id string) error {
	body, _ := json.Marshal(map[string]any{
		"machineId":  p.MachineID,
		"leaseTtlMs": leaseTTLMs(p.LeaseTTL),
	})
	return p.post(ctx, fmt.Sprintf("/commands/%s/renew-lease", id), body)
}

func (p *CommandPoller) pushResult(ctx context.Context, id string, result commandqueue.Result) error {
	body, _ := json.Marshal(map[string]any{
		"machineId": p.MachineID,
		"result":    result,
	})
	return p.post(ctx, fmt.Sprintf("/commands/%s/result", id), body)
}

func (p *CommandPoller) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	p.setAuth(req)

	resp, err := p.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

func (p *CommandPoller) setAuth(req *http.Request) {
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
}

func leaseTTLMs(ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return ttl.Milliseconds()
}
