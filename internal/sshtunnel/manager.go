// Package sshtunnel implements the SSH & Reverse-Tunnel Manager (component
// H, §4.7): TOFU host-key pinning, reverse port forwarding, and the
// pre-flight remote-exec check the bridge lifecycle manager depends on.
// Grounded on appliance/internal/sshexec/executor.go for the TOFU
// callback/connection shape, generalized from the donor's forward-exec-only
// client into a reverse-listener manager per
// other_examples/e218994b_treykane-ssh-manager (forward-spec parsing idiom)
// and other_examples/af7dc6c1_gravitational-teleport (reverse-tunnel
// per-channel worker/cleanup shape).
package sshtunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

const (
	connectTimeout   = 15 * time.Second
	readyTimeout     = 15 * time.Second
	preflightTimeout = 10 * time.Second
)

// Config describes one bridge's SSH target.
type Config struct {
	Host           string
	Port           int
	User           string
	PrivateKeyPath string
	RemotePort     int
	LocalPort      int
	TrustOnFirstUse bool
}

// AdvisoryFlag is a non-fatal, operator-facing note surfaced alongside a
// successful connect (e.g. a newly-accepted host key, or that GatewayPorts
// is out of the manager's control).
type AdvisoryFlag string

const (
	AdvisoryAcceptedNewHostKey AdvisoryFlag = "accepted_new_host_key"
	AdvisoryGatewayPortsUnknown AdvisoryFlag = "gateway_ports_advisory"
)

// Handle is a live SSH connection with its reverse forward.
type Handle struct {
	cfg       Config
	client    *ssh.Client
	listener  net.Listener
	advisories []AdvisoryFlag

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Advisories returns the advisory flags raised while establishing this handle.
func (h *Handle) Advisories() []AdvisoryFlag {
	return append([]AdvisoryFlag(nil), h.advisories...)
}

// Close tears down the reverse listener and the SSH connection. Any
// in-flight piped channel is also destroyed (§4.7: "any error/close on
// either side destroys both").
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	var err error
	if h.listener != nil {
		err = h.listener.Close()
	}
	if h.client != nil {
		if cerr := h.client.Close(); err == nil {
			err = cerr
		}
	}
	<-h.done
	return err
}

// Preflight runs `echo ok` over a fresh session and requires stdout=="ok\n",
// exit code 0 (§4.7).
func (h *Handle) Preflight(ctx context.Context) error {
	session, err := h.client.NewSession()
	if err != nil {
		return fmt.Errorf("preflight session: %w", err)
	}
	defer session.Close()

	var stdout strings.Builder
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() { done <- session.Run("echo ok") }()

	ctx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()

	select {
	case <-ctx.Done():
		session.Close()
		return fmt.Errorf("preflight timed out")
	case err := <-done:
		if err != nil {
			return fmt.Errorf("preflight exec failed: %w", err)
		}
		if stdout.String() != "ok\n" {
			return fmt.Errorf("preflight unexpected output %q", stdout.String())
		}
		return nil
	}
}

// Exec runs cmd in a fresh session and returns captured stdout, stderr, and
// exit code. A non-zero exit that isn't a session failure is reported via
// exitCode, not err (err is reserved for transport-level failures).
func (h *Handle) Exec(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error) {
	session, err := h.client.NewSession()
	if err != nil {
		return "", "", -1, fmt.Errorf("exec session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf strings.Builder
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Close()
		return outBuf.String(), errBuf.String(), -1, fmt.Errorf("exec %q: %w", cmd, ctx.Err())
	case runErr := <-done:
		if runErr == nil {
			return outBuf.String(), errBuf.String(), 0, nil
		}
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		return outBuf.String(), errBuf.String(), -1, fmt.Errorf("exec %q: %w", cmd, runErr)
	}
}

// Client exposes the underlying *ssh.Client for callers (e.g. an SFTP
// uploader) that need it directly; Handle itself never needs more than
// Exec/Preflight.
func (h *Handle) Client() *ssh.Client {
	return h.client
}

// Manager owns a pinned known_hosts store and the set of live bridge handles.
type Manager struct {
	knownHosts *KnownHosts

	mu      sync.Mutex
	handles map[string]*Handle // keyed by bridge id (host:port)
}

// NewManager loads known_hosts from path (tolerating absence) and returns a Manager.
func NewManager(knownHostsPath string) (*Manager, error) {
	kh, err := LoadKnownHosts(knownHostsPath)
	if err != nil {
		return nil, err
	}
	return &Manager{knownHosts: kh, handles: make(map[string]*Handle)}, nil
}

func bridgeID(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// resolveSSHAlias substitutes {host,user,port,identityFile} from the user's
// ~/.ssh/config when cfg.Host matches a configured alias (§4.7). Parsing is
// intentionally minimal: it recognizes `Host`, `HostName`, `User`, `Port`,
// and `IdentityFile` directives under the matching block.
func resolveSSHAlias(cfg Config) Config {
	home, err := os.UserHomeDir()
	if err != nil {
		return cfg
	}
	f, err := os.Open(filepath.Join(home, ".ssh", "config"))
	if err != nil {
		return cfg
	}
	defer f.Close()

	resolved := cfg
	matched := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		directive, value := strings.ToLower(fields[0]), fields[1]
		switch directive {
		case "host":
			matched = value == cfg.Host
		case "hostname":
			if matched {
				resolved.Host = value
			}
		case "user":
			if matched {
				resolved.User = value
			}
		case "port":
			if matched {
				fmt.Sscanf(value, "%d", &resolved.Port)
			}
		case "identityfile":
			if matched {
				resolved.PrivateKeyPath = expandHome(value, home)
			}
		}
	}
	return resolved
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// loadAuthMethod loads the private key enforced to live under ~/.ssh/
// (defense-in-depth against path traversal), falling back to SSH_AUTH_SOCK
// agent forwarding if the key is missing and an agent is available.
func loadAuthMethod(keyPath string) (ssh.AuthMethod, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	sshDir := filepath.Join(home, ".ssh")

	if keyPath != "" {
		absKey, err := filepath.Abs(keyPath)
		if err == nil {
			rel, relErr := filepath.Rel(sshDir, absKey)
			if relErr == nil && !strings.HasPrefix(rel, "..") && rel != "." {
				if data, err := os.ReadFile(absKey); err == nil {
					signer, err := ssh.ParsePrivateKey(data)
					if err != nil {
						return nil, fmt.Errorf("parse private key %s: %w", absKey, err)
					}
					return ssh.PublicKeys(signer), nil
				}
			} else {
				return nil, fmt.Errorf("private key path %s must live under %s", keyPath, sshDir)
			}
		}
	}

	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, fmt.Errorf("no private key available and SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil, fmt.Errorf("connect to ssh-agent: %w", err)
	}
	agentClient := agent.NewClient(conn)
	return ssh.PublicKeysCallback(agentClient.Signers), nil
}

// Connect establishes an SSH session, verifies/pins the host key per TOFU
// policy, and opens the reverse forward. It does not run Preflight — callers
// invoke Handle.Preflight separately so the lifecycle manager can surface
// that failure distinctly.
func (m *Manager) Connect(ctx context.Context, cfg Config) (*Handle, error) {
	if strings.HasPrefix(cfg.Host, "[") {
		host, port, err := parseBracketHostPort(cfg.Host)
		if err != nil {
			return nil, fmt.Errorf("parse bracketed host: %w", err)
		}
		cfg.Host, cfg.Port = host, port
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	cfg = resolveSSHAlias(cfg)

	authMethod, err := loadAuthMethod(cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh auth: %w", err)
	}

	var advisories []AdvisoryFlag
	var hostKeyErr error

	clientConfig := &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{authMethod},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			matched, conflict := m.knownHosts.Verify(cfg.Host, cfg.Port, key)
			if conflict {
				hostKeyErr = fmt.Errorf("host key mismatch for %s: possible MITM, refusing to connect "+
					"(run 'Check SSH alias/key/path and retry' after confirming the new key out of band)", bridgeID(cfg.Host, cfg.Port))
				return hostKeyErr
			}
			if matched {
				return nil
			}
			if !cfg.TrustOnFirstUse {
				hostKeyErr = fmt.Errorf("no known_hosts entry for %s and trust-on-first-use disabled", bridgeID(cfg.Host, cfg.Port))
				return hostKeyErr
			}
			if err := m.knownHosts.Accept(cfg.Host, cfg.Port, key); err != nil {
				log.Printf("[sshtunnel] best-effort known_hosts append failed for %s: %v", cfg.Host, err)
			}
			advisories = append(advisories, AdvisoryAcceptedNewHostKey)
			return nil
		},
		Timeout: connectTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	dialCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		if hostKeyErr != nil {
			return nil, hostKeyErr
		}
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	listener, err := client.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", cfg.RemotePort))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("reverse listen on remote port %d: %w", cfg.RemotePort, err)
	}
	advisories = append(advisories, AdvisoryGatewayPortsUnknown)

	h := &Handle{cfg: cfg, client: client, listener: listener, advisories: advisories, done: make(chan struct{})}
	go h.acceptLoop(cfg.LocalPort)

	m.mu.Lock()
	m.handles[bridgeID(cfg.Host, cfg.Port)] = h
	m.mu.Unlock()

	return h, nil
}

// acceptLoop pipes every accepted forwarded TCP channel to a fresh local
// socket at 127.0.0.1:localPort (§4.7).
func (h *Handle) acceptLoop(localPort int) {
	defer close(h.done)
	for {
		remoteConn, err := h.listener.Accept()
		if err != nil {
			return
		}
		go h.pipeChannel(remoteConn, localPort)
	}
}

func (h *Handle) pipeChannel(remoteConn net.Conn, localPort int) {
	defer remoteConn.Close()

	localAddr := fmt.Sprintf("127.0.0.1:%d", localPort)
	localConn, err := net.DialTimeout("tcp", localAddr, 5*time.Second)
	if err != nil {
		log.Printf("[sshtunnel] failed to dial local %s: %v", localAddr, err)
		return
	}
	defer localConn.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(localConn, remoteConn) }()
	go func() { defer wg.Done(); io.Copy(remoteConn, localConn) }()
	wg.Wait()
}

// Get returns the live handle for (host, port), if any.
func (m *Manager) Get(host string, port int) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[bridgeID(host, port)]
	return h, ok
}

// Remove closes and forgets the handle for (host, port).
func (m *Manager) Remove(host string, port int) error {
	m.mu.Lock()
	h, ok := m.handles[bridgeID(host, port)]
	delete(m.handles, bridgeID(host, port))
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Close()
}

// CloseAll closes every live handle.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.handles = make(map[string]*Handle)
	m.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}
