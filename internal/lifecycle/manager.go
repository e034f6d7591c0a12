// Package lifecycle implements the Bridge Lifecycle Manager (component I,
// §4.8) — the state machine, install decision table, sudo retry flow, log
// scrubbing, and auto-retry that turn a bare SSH target into a running,
// telemetry-emitting bridge. Grounded on appliance/internal/daemon.go's
// healIncident staged-decision shape (L1→L2→L3), generalized here from
// drift-healing escalation into connect/install/verify staging, and on
// sshexec.Executor's distro-cache TTL idiom for the unchanged-bundle skip.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Phase is one state of the per-bridge lifecycle state machine (§4.8).
type Phase string

const (
	PhaseConnecting       Phase = "connecting"
	PhaseSSHTest          Phase = "ssh_test"
	PhaseTunnelOpen       Phase = "tunnel_open"
	PhaseInstalling       Phase = "installing"
	PhaseNeedsSudoPassword Phase = "needs_sudo_password"
	PhaseRunning          Phase = "running"
	PhaseTelemetryActive  Phase = "telemetry_active"
	PhaseError            Phase = "error"
	PhaseDisconnected     Phase = "disconnected"
)

func (p Phase) isAbsorbing() bool {
	return p == PhaseError || p == PhaseDisconnected
}

// Session is the set of operations the lifecycle manager needs from a live
// bridge connection; the real implementation wraps internal/sshtunnel plus
// an SFTP client, and tests substitute a fake.
type Session interface {
	Preflight(ctx context.Context) error
	Exec(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error)
	Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error
	Close() error
	Advisories() []string
}

// Connector opens a Session for a target.
type Connector interface {
	Connect(ctx context.Context, cfg TargetConfig) (Session, error)
}

// TargetConfig is the per-bridge SSH target plus the bundle this manager
// should install.
type TargetConfig struct {
	Host, Port, User string
	SSHKeyPath       string
	LocalBundlePath  string
}

// Bridge is the observable state of one managed bridge.
type Bridge struct {
	ID              string
	Phase           Phase
	Advisories      []string
	Logs            []string
	RetryAttempt    int
	MachineID       string
	StashedSudoPW   string
	LastError       string
}

// Manager owns the set of managed bridges.
type Manager struct {
	connector Connector

	mu       sync.Mutex
	bridges  map[string]*Bridge
	sessions map[string]Session
	cancels  map[string]context.CancelFunc
}

// NewManager constructs a Manager using connector to open sessions.
func NewManager(connector Connector) *Manager {
	return &Manager{
		connector: connector,
		bridges:   make(map[string]*Bridge),
		sessions:  make(map[string]Session),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Get returns a copy of a bridge's current state.
func (m *Manager) Get(id string) (Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[id]
	if !ok {
		return Bridge{}, false
	}
	return *b, true
}

// Setup runs the idempotent setup algorithm for (host, port) (§4.8 step 1-7).
// If a non-terminal bridge for this id already exists, its state is returned
// unchanged.
func (m *Manager) Setup(ctx context.Context, cfg TargetConfig) (Bridge, error) {
	id := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)

	m.mu.Lock()
	if existing, ok := m.bridges[id]; ok && !existing.Phase.isAbsorbing() {
		snapshot := *existing
		m.mu.Unlock()
		return snapshot, nil
	}
	b := &Bridge{ID: id, Phase: PhaseConnecting}
	m.bridges[id] = b
	m.mu.Unlock()

	return m.runSetup(ctx, cfg, b)
}

func (m *Manager) logf(b *Bridge, format string, args ...interface{}) {
	m.mu.Lock()
	b.Logs = appendLog(b.Logs, fmt.Sprintf(format, args...))
	m.mu.Unlock()
}

func (m *Manager) setPhase(b *Bridge, phase Phase) {
	m.mu.Lock()
	b.Phase = phase
	m.mu.Unlock()
}

func (m *Manager) runSetup(ctx context.Context, cfg TargetConfig, b *Bridge) (Bridge, error) {
	session, err := m.connector.Connect(ctx, cfg)
	if err != nil {
		return m.failOrRetry(ctx, cfg, b, fmt.Errorf("connect: %w", err))
	}
	m.mu.Lock()
	m.sessions[b.ID] = session
	b.Advisories = session.Advisories()
	m.mu.Unlock()

	m.setPhase(b, PhaseSSHTest)
	if err := session.Preflight(ctx); err != nil {
		return m.failOrRetry(ctx, cfg, b, fmt.Errorf("preflight: %w", err))
	}

	m.setPhase(b, PhaseTunnelOpen)

	m.setPhase(b, PhaseInstalling)
	if err := m.install(ctx, cfg, b, session); err != nil {
		if b.Phase == PhaseNeedsSudoPassword {
			snapshot, _ := m.Get(b.ID)
			return snapshot, nil
		}
		return m.failOrRetry(ctx, cfg, b, fmt.Errorf("install: %w", err))
	}

	stdoutMachineID, _, _, err := session.Exec(ctx, "cat /etc/machine-id 2>/dev/null || hostname")
	if err == nil {
		m.mu.Lock()
		b.MachineID = trimOneLine(stdoutMachineID)
		m.mu.Unlock()
	}
	m.setPhase(b, PhaseRunning)

	if m.verifyTelemetry(ctx, session) {
		m.setPhase(b, PhaseTelemetryActive)
	}

	snapshot, _ := m.Get(b.ID)
	return snapshot, nil
}

func trimOneLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

// install runs the §4.8 install decision table against a freshly-probed
// target and executes the selected plan.
func (m *Manager) install(ctx context.Context, cfg TargetConfig, b *Bridge, session Session) error {
	probe := probeTarget(ctx, session)
	plan := decideInstall(probe)

	if plan.RequiresSudo && !plan.SudoNoPasswordOK {
		m.setPhase(b, PhaseNeedsSudoPassword)
		m.logf(b, "sudo password required for %s install on %s", plan.Mode, b.ID)
		return fmt.Errorf("needs_sudo_password")
	}

	changed, err := m.uploadIfChanged(ctx, session, cfg.LocalBundlePath, plan.RemoteBundlePath)
	if err != nil {
		return fmt.Errorf("upload bundle: %w", err)
	}
	if changed {
		m.logf(b, "uploaded bundle to %s (%s)", plan.RemoteBundlePath, plan.Mode)
	}

	var restartCmd string
	switch plan.Mode {
	case ModeSystemUpdate:
		restartCmd = "sudo -n systemctl restart patze-bridge"
	case ModeUserUpdate:
		restartCmd = "systemctl --user restart patze-bridge"
	case ModeSystemFresh:
		restartCmd = fmt.Sprintf("sudo -n bash %s --system-mode", plan.RemoteBundlePath)
	case ModeUserFresh:
		restartCmd = fmt.Sprintf("bash %s --user-mode", plan.RemoteBundlePath)
	}
	stdout, stderr, code, err := session.Exec(ctx, restartCmd)
	m.logf(b, "exec %q -> exit=%d stdout=%q stderr=%q", restartCmd, code, stdout, stderr)
	if err != nil || code != 0 {
		return fmt.Errorf("restart/install command failed: %v (exit=%d)", err, code)
	}
	return nil
}

// RetryInstallWithSudoPassword consumes a needs_sudo_password bridge,
// retries with the password piped to `sudo -S`, and falls through to a
// user-mode retry if the system install still fails (§4.8).
func (m *Manager) RetryInstallWithSudoPassword(ctx context.Context, id, password string) (Bridge, error) {
	m.mu.Lock()
	b, ok := m.bridges[id]
	session, hasSession := m.sessions[id]
	m.mu.Unlock()
	if !ok || b.Phase != PhaseNeedsSudoPassword || !hasSession {
		return Bridge{}, fmt.Errorf("bridge %s is not awaiting a sudo password", id)
	}

	cmd := fmt.Sprintf("echo %s | sudo -S systemctl restart patze-bridge", shellQuote(password))
	stdout, stderr, code, err := session.Exec(ctx, cmd)
	m.logf(b, "sudo retry exec -> exit=%d stdout=%q stderr=%q", code, stdout, stderr)
	if err == nil && code == 0 {
		m.setPhase(b, PhaseRunning)
		snapshot, _ := m.Get(id)
		return snapshot, nil
	}

	m.logf(b, "system install with sudo failed, falling through to user-mode retry")
	return m.RetryInstallUserMode(ctx, id)
}

// RetryInstallUserMode bypasses sudo entirely, installing under the
// connecting user's own session.
func (m *Manager) RetryInstallUserMode(ctx context.Context, id string) (Bridge, error) {
	m.mu.Lock()
	b, ok := m.bridges[id]
	session, hasSession := m.sessions[id]
	m.mu.Unlock()
	if !ok || !hasSession {
		return Bridge{}, fmt.Errorf("bridge %s has no live session", id)
	}

	stdout, stderr, code, err := session.Exec(ctx, "bash $HOME/patze-bridge-bundle.mjs --user-mode")
	m.logf(b, "user-mode retry exec -> exit=%d stdout=%q stderr=%q", code, stdout, stderr)
	if err != nil || code != 0 {
		m.setPhase(b, PhaseError)
		return m.Get(id)
	}
	m.setPhase(b, PhaseRunning)
	return m.Get(id)
}

func shellQuote(s string) string {
	return "'" + s + "'"
}

// probeTarget runs the privilege/service-state probes the install decision
// table switches on.
func probeTarget(ctx context.Context, session Session) Probe {
	_, _, sysCode, _ := session.Exec(ctx, "systemctl is-active patze-bridge")
	_, _, userCode, _ := session.Exec(ctx, "systemctl --user is-active patze-bridge")
	idOut, _, _, _ := session.Exec(ctx, "id -u")
	_, _, sudoNPCode, _ := session.Exec(ctx, "sudo -n true")
	_, _, sudoWhichCode, _ := session.Exec(ctx, "which sudo")

	return Probe{
		SystemUnitActive: sysCode == 0,
		UserUnitActive:   userCode == 0,
		IsRoot:           trimOneLine(idOut) == "0",
		SudoNoPassword:   sudoNPCode == 0,
		SudoAvailable:    sudoWhichCode == 0,
	}
}

// uploadIfChanged compares local and remote SHA-256 and uploads only when
// they differ. Remote hashing tries sha256sum, shasum -a 256, openssl dgst
// -sha256 in order (§4.8).
func (m *Manager) uploadIfChanged(ctx context.Context, session Session, localPath, remotePath string) (bool, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return false, fmt.Errorf("read local bundle: %w", err)
	}
	localSum := sha256.Sum256(data)
	localHex := hex.EncodeToString(localSum[:])

	remoteHex, ok := remoteSHA256(ctx, session, remotePath)
	if ok && remoteHex == localHex {
		return false, nil
	}

	if err := session.Upload(ctx, localPath, remotePath, 0o755); err != nil {
		return false, err
	}
	return true, nil
}

func remoteSHA256(ctx context.Context, session Session, remotePath string) (string, bool) {
	commands := []string{
		fmt.Sprintf("sha256sum %s 2>/dev/null | cut -d' ' -f1", remotePath),
		fmt.Sprintf("shasum -a 256 %s 2>/dev/null | cut -d' ' -f1", remotePath),
		fmt.Sprintf("openssl dgst -sha256 %s 2>/dev/null | awk '{print $NF}'", remotePath),
	}
	for _, cmd := range commands {
		stdout, _, code, err := session.Exec(ctx, cmd)
		if err == nil && code == 0 {
			hash := trimOneLine(stdout)
			if len(hash) == 64 {
				return hash, true
			}
		}
	}
	return "", false
}

const (
	telemetryVerifyTotal = 30 * time.Second
	telemetryVerifyPoll  = 2 * time.Second
)

// verifyTelemetry polls `curl /health` on the remote side up to 30s at 2s
// intervals (§4.8 step 7).
func (m *Manager) verifyTelemetry(ctx context.Context, session Session) bool {
	deadline := time.Now().Add(telemetryVerifyTotal)
	for time.Now().Before(deadline) {
		_, _, code, err := session.Exec(ctx, "curl -fsS http://127.0.0.1:8081/health >/dev/null")
		if err == nil && code == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(telemetryVerifyPoll):
		}
	}
	return false
}

// failOrRetry classifies err and either schedules an auto-retry (transient)
// or settles the bridge into the error state (non-transient).
func (m *Manager) failOrRetry(ctx context.Context, cfg TargetConfig, b *Bridge, err error) (Bridge, error) {
	m.mu.Lock()
	b.LastError = err.Error()
	m.mu.Unlock()
	m.logf(b, "setup failure: %v", err)

	if !isTransientFailure(err.Error()) {
		m.setPhase(b, PhaseError)
		return m.Get(b.ID)
	}

	m.mu.Lock()
	b.RetryAttempt++
	attempt := b.RetryAttempt
	m.mu.Unlock()

	if attempt > retryMaxAttempt {
		m.setPhase(b, PhaseError)
		return m.Get(b.ID)
	}

	delay := nextRetryDelay(attempt)
	m.logf(b, "scheduling auto-retry %d/%d in %s", attempt, retryMaxAttempt, delay)

	retryCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancels[b.ID] = cancel
	m.mu.Unlock()

	go func() {
		select {
		case <-retryCtx.Done():
			return
		case <-time.After(delay):
		}
		m.setPhase(b, PhaseConnecting)
		if _, err := m.runSetup(context.Background(), cfg, b); err != nil {
			log.Printf("[lifecycle] auto-retry for %s failed: %v", b.ID, err)
		}
	}()

	return m.Get(b.ID)
}

// Remove tears down a bridge's session and cancels any pending auto-retry.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	session, hasSession := m.sessions[id]
	cancel, hasCancel := m.cancels[id]
	delete(m.bridges, id)
	delete(m.sessions, id)
	delete(m.cancels, id)
	m.mu.Unlock()

	if hasCancel {
		cancel()
	}
	if hasSession {
		return session.Close()
	}
	return nil
}

// CloseAll tears down every managed bridge.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.bridges))
	for id := range m.bridges {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Remove(id)
	}
}
