package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type fakeSession struct {
	responses map[string]fakeResult
	uploads   []string
	closed    bool
}

type fakeResult struct {
	stdout, stderr string
	code           int
	err            error
}

func newFakeSession() *fakeSession {
	return &fakeSession{responses: make(map[string]fakeResult)}
}

func (f *fakeSession) on(cmd string, stdout string, code int) *fakeSession {
	f.responses[cmd] = fakeResult{stdout: stdout, code: code}
	return f
}

func (f *fakeSession) Preflight(ctx context.Context) error { return nil }

func (f *fakeSession) Exec(ctx context.Context, cmd string) (string, string, int, error) {
	if r, ok := f.responses[cmd]; ok {
		return r.stdout, r.stderr, r.code, r.err
	}
	return "", "", 1, nil
}

func (f *fakeSession) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	f.uploads = append(f.uploads, remotePath)
	return nil
}

func (f *fakeSession) Close() error { f.closed = true; return nil }

func (f *fakeSession) Advisories() []string { return nil }

type fakeConnector struct {
	session Session
	err     error
	calls   int
}

func (f *fakeConnector) Connect(ctx context.Context, cfg TargetConfig) (Session, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

func writeBundle(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge.mjs")
	if err := os.WriteFile(path, []byte("#!/usr/bin/env node\n"), 0o644); err != nil {
		t.Fatalf("write bundle: %v", err)
	}
	return path
}

func TestSetupReachesTelemetryActiveOnUserFreshInstall(t *testing.T) {
	session := newFakeSession().
		on("systemctl is-active patze-bridge", "", 3).
		on("systemctl --user is-active patze-bridge", "", 3).
		on("id -u", "1000\n", 0).
		on("sudo -n true", "", 1).
		on("which sudo", "", 1).
		on("bash $HOME/patze-bridge/bridge.mjs --user-mode", "", 0).
		on("cat /etc/machine-id 2>/dev/null || hostname", "abc123\n", 0).
		on("curl -fsS http://127.0.0.1:8081/health >/dev/null", "", 0)

	connector := &fakeConnector{session: session}
	m := NewManager(connector)

	bridge, err := m.Setup(context.Background(), TargetConfig{Host: "h", Port: "22", LocalBundlePath: writeBundle(t)})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if bridge.Phase != PhaseTelemetryActive {
		t.Fatalf("phase = %s, want %s (logs=%v)", bridge.Phase, PhaseTelemetryActive, bridge.Logs)
	}
	if bridge.MachineID != "abc123" {
		t.Fatalf("machine id = %q, want abc123", bridge.MachineID)
	}
	if len(session.uploads) != 1 {
		t.Fatalf("expected exactly one upload, got %d", len(session.uploads))
	}
}

func TestSetupFlagsNeedsSudoPasswordThenRetrySucceeds(t *testing.T) {
	session := newFakeSession().
		on("systemctl is-active patze-bridge", "", 3).
		on("systemctl --user is-active patze-bridge", "", 3).
		on("id -u", "1000\n", 0).
		on("sudo -n true", "", 1).
		on("which sudo", "", 0).
		on("cat /etc/machine-id 2>/dev/null || hostname", "abc123\n", 0).
		on("curl -fsS http://127.0.0.1:8081/health >/dev/null", "", 0)

	connector := &fakeConnector{session: session}
	m := NewManager(connector)

	bridge, err := m.Setup(context.Background(), TargetConfig{Host: "h", Port: "22", LocalBundlePath: writeBundle(t)})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if bridge.Phase != PhaseNeedsSudoPassword {
		t.Fatalf("phase = %s, want %s (logs=%v)", bridge.Phase, PhaseNeedsSudoPassword, bridge.Logs)
	}

	session.on("echo 'hunter2' | sudo -S systemctl restart patze-bridge", "", 0)
	retried, err := m.RetryInstallWithSudoPassword(context.Background(), bridge.ID, "hunter2")
	if err != nil {
		t.Fatalf("RetryInstallWithSudoPassword: %v", err)
	}
	if retried.Phase != PhaseRunning {
		t.Fatalf("phase after sudo retry = %s, want %s (logs=%v)", retried.Phase, PhaseRunning, retried.Logs)
	}
}

func TestSetupSettlesInErrorOnNonTransientConnectFailure(t *testing.T) {
	connector := &fakeConnector{err: errPermissionDenied{}}
	m := NewManager(connector)

	bridge, err := m.Setup(context.Background(), TargetConfig{Host: "h", Port: "22", LocalBundlePath: writeBundle(t)})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if bridge.Phase != PhaseError {
		t.Fatalf("phase = %s, want %s", bridge.Phase, PhaseError)
	}
	if connector.calls != 1 {
		t.Fatalf("expected exactly one connect attempt for a non-transient failure, got %d", connector.calls)
	}
}

type errPermissionDenied struct{}

func (errPermissionDenied) Error() string { return "permission denied (publickey)" }

func TestSetupIsIdempotentForNonTerminalBridge(t *testing.T) {
	connector := &fakeConnector{session: newFakeSession()}
	m := NewManager(connector)

	id := "h:22"
	m.mu.Lock()
	m.bridges[id] = &Bridge{ID: id, Phase: PhaseInstalling}
	m.mu.Unlock()

	bridge, err := m.Setup(context.Background(), TargetConfig{Host: "h", Port: "22", LocalBundlePath: writeBundle(t)})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if bridge.Phase != PhaseInstalling {
		t.Fatalf("phase = %s, want unchanged %s", bridge.Phase, PhaseInstalling)
	}
	if connector.calls != 0 {
		t.Fatalf("expected Setup to short-circuit without connecting, got %d calls", connector.calls)
	}
}
