package cronsync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// DefaultPushInterval is used when Config.PushInterval is unset.
const DefaultPushInterval = 30 * time.Second

// Config configures one Pusher instance.
type Config struct {
	JobsDir      string
	StatePath    string
	BaseURL      string
	Token        string
	MachineID    string
	PushInterval time.Duration
	HTTPClient   *http.Client
}

// Pusher is the bridge-side Cron Sync loop. Each tick it rescans the
// OpenClaw jobs/runs tree, diffs against the persisted watermark state,
// and POSTs whatever changed. The push still fires even with an empty
// delta so the config-hash reconciliation handshake keeps progressing.
type Pusher struct {
	cfg Config
	st  *state
}

// New constructs a Pusher, loading any existing watermark state from disk.
func New(cfg Config) (*Pusher, error) {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = DefaultPushInterval
	}
	st, err := loadState(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("load cron-sync state: %w", err)
	}
	return &Pusher{cfg: cfg, st: st}, nil
}

// Run ticks until ctx is canceled, pushing a diff each period. A failed
// push leaves the in-memory state uncommitted to disk, so the same delta
// is retried next tick rather than silently dropped.
func (p *Pusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.pushOnce(ctx); err != nil {
				log.Printf("[cronsync] push failed: %v", err)
			}
		}
	}
}

func (p *Pusher) client() *http.Client {
	if p.cfg.HTTPClient != nil {
		return p.cfg.HTTPClient
	}
	return http.DefaultClient
}

// pushOnce performs one scan-diff-push cycle. On success the watermark
// state (including whatever config hash the plane echoed back) is
// persisted atomically; on failure the in-memory diff is discarded so the
// unmodified watermarks are rediffed next tick.
func (p *Pusher) pushOnce(ctx context.Context) error {
	jobs, err := scanJobs(p.cfg.JobsDir)
	if err != nil {
		return fmt.Errorf("scan jobs: %w", err)
	}
	runs, err := scanRuns(p.cfg.JobsDir)
	if err != nil {
		return fmt.Errorf("scan runs: %w", err)
	}
	configRaw, err := readConfigRaw(p.cfg.JobsDir)
	if err != nil {
		return fmt.Errorf("read openclaw.json: %w", err)
	}
	localHash := sha256Hex(configRaw)

	pending := cloneState(p.st)
	req := pushRequest{
		MachineID:  p.cfg.MachineID,
		ConfigHash: localHash,
		JobsDelta:  pending.diffJobs(jobs),
		RunsDelta:  pending.diffRuns(runs),
	}
	// Only attach the raw config when we know the plane's copy is stale;
	// sending it unconditionally would push 512B-plus of config on every
	// tick even when nothing changed.
	if pending.PlaneConfigHash != localHash {
		req.ConfigRaw = string(configRaw)
	}

	resp, err := p.post(ctx, req)
	if err != nil {
		return err
	}

	pending.PlaneConfigHash = resp.ConfigHash
	if err := pending.save(p.cfg.StatePath); err != nil {
		return fmt.Errorf("save cron-sync state: %w", err)
	}
	p.st = pending
	return nil
}

func (p *Pusher) post(ctx context.Context, body pushRequest) (*pushResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal cron-sync push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/openclaw/bridge/cron-sync", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	httpResp, err := p.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cron-sync push: unexpected status %d", httpResp.StatusCode)
	}

	var resp pushResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode cron-sync response: %w", err)
	}
	return &resp, nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// cloneState copies watermarks so a failed push never commits a partial
// diff to the persisted state.
func cloneState(st *state) *state {
	clone := newState()
	clone.PlaneConfigHash = st.PlaneConfigHash
	for k, v := range st.JobWatermarks {
		clone.JobWatermarks[k] = v
	}
	for k, v := range st.RunWatermarks {
		clone.RunWatermarks[k] = v
	}
	return clone
}
