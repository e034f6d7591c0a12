package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"

	"github.com/goiltpatpat/patze-control/internal/sshtunnel"
)

// SSHConnector is the production Connector, wrapping sshtunnel.Manager for
// the SSH connection and reverse forward, and github.com/pkg/sftp for bundle
// upload.
type SSHConnector struct {
	tunnels *sshtunnel.Manager

	SSHUser         string
	SSHKeyPath      string
	RemotePort      int
	LocalPort       int
	TrustOnFirstUse bool
}

// NewSSHConnector constructs a connector backed by a known_hosts store at path.
func NewSSHConnector(knownHostsPath string) (*SSHConnector, error) {
	m, err := sshtunnel.NewManager(knownHostsPath)
	if err != nil {
		return nil, err
	}
	return &SSHConnector{tunnels: m}, nil
}

// Connect implements Connector.
func (c *SSHConnector) Connect(ctx context.Context, cfg TargetConfig) (Session, error) {
	var port int
	fmt.Sscanf(cfg.Port, "%d", &port)

	handle, err := c.tunnels.Connect(ctx, sshtunnel.Config{
		Host:            cfg.Host,
		Port:            port,
		User:            firstNonEmpty(cfg.User, c.SSHUser),
		PrivateKeyPath:  firstNonEmpty(cfg.SSHKeyPath, c.SSHKeyPath),
		RemotePort:      c.RemotePort,
		LocalPort:       c.LocalPort,
		TrustOnFirstUse: c.TrustOnFirstUse,
	})
	if err != nil {
		return nil, err
	}
	return &sshSession{handle: handle}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

type sshSession struct {
	handle *sshtunnel.Handle
}

func (s *sshSession) Preflight(ctx context.Context) error {
	return s.handle.Preflight(ctx)
}

func (s *sshSession) Exec(ctx context.Context, cmd string) (stdout, stderr string, exitCode int, err error) {
	return s.handle.Exec(ctx, cmd)
}

func (s *sshSession) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	client, err := sftp.NewClient(s.handle.Client())
	if err != nil {
		return fmt.Errorf("open sftp client: %w", err)
	}
	defer client.Close()

	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local bundle: %w", err)
	}
	defer local.Close()

	remote, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file %s: %w", remotePath, err)
	}
	defer remote.Close()

	if _, err := io.Copy(remote, local); err != nil {
		return fmt.Errorf("upload %s: %w", remotePath, err)
	}
	if err := client.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("chmod %s: %w", remotePath, err)
	}
	return nil
}

func (s *sshSession) Close() error {
	return s.handle.Close()
}

func (s *sshSession) Advisories() []string {
	var out []string
	for _, a := range s.handle.Advisories() {
		out = append(out, string(a))
	}
	return out
}
