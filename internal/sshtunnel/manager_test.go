package sshtunnel

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveSSHAliasSubstitutesFromConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		t.Fatalf("setup: %v", err)
	}
	configBody := "Host myalias\n  HostName 10.0.0.5\n  User deploy\n  Port 2222\n  IdentityFile ~/.ssh/id_myalias\n"
	if err := os.WriteFile(filepath.Join(sshDir, "config"), []byte(configBody), 0o600); err != nil {
		t.Fatalf("setup: %v", err)
	}

	resolved := resolveSSHAlias(Config{Host: "myalias"})
	if resolved.Host != "10.0.0.5" || resolved.User != "deploy" || resolved.Port != 2222 {
		t.Fatalf("unexpected alias resolution: %+v", resolved)
	}
	if resolved.PrivateKeyPath != filepath.Join(home, ".ssh", "id_myalias") {
		t.Fatalf("unexpected identity file path: %s", resolved.PrivateKeyPath)
	}
}

func TestResolveSSHAliasNoMatchLeavesConfigUnchanged(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	os.MkdirAll(filepath.Join(home, ".ssh"), 0o700)
	os.WriteFile(filepath.Join(home, ".ssh", "config"), []byte("Host other\n  HostName 1.2.3.4\n"), 0o600)

	resolved := resolveSSHAlias(Config{Host: "direct.example.com", Port: 22})
	if resolved.Host != "direct.example.com" {
		t.Fatalf("expected unmatched host left as-is, got %+v", resolved)
	}
}

func TestLoadAuthMethodRejectsKeyOutsideSSHDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	os.MkdirAll(filepath.Join(home, ".ssh"), 0o700)

	outsideDir := t.TempDir()
	keyPath := filepath.Join(outsideDir, "id_rsa")
	os.WriteFile(keyPath, []byte("not-a-real-key"), 0o600)

	if _, err := loadAuthMethod(keyPath); err == nil {
		t.Fatalf("expected rejection for key path outside ~/.ssh/")
	}
}

func TestLoadAuthMethodErrorsWithoutKeyOrAgent(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	os.MkdirAll(filepath.Join(home, ".ssh"), 0o700)
	t.Setenv("SSH_AUTH_SOCK", "")

	if _, err := loadAuthMethod(""); err == nil {
		t.Fatalf("expected error when no key and no agent socket available")
	}
}
