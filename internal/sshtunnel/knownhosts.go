package sshtunnel

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// KnownHosts is a TOFU-backed pinned-host-key store, read from and appended
// to in the standard OpenSSH known_hosts format with `[host]:port` bracket
// syntax for non-22 ports (§4.7/§6.4). Hashed-host entries (`|1|...`) are
// skipped on load and therefore never match; no host-hash comparison is done.
type KnownHosts struct {
	path string

	mu      sync.Mutex
	entries map[string][]ssh.PublicKey // key: canonical host[:port] pattern as stored
}

// LoadKnownHosts reads path (tolerating a missing file) and returns a store.
func LoadKnownHosts(path string) (*KnownHosts, error) {
	kh := &KnownHosts{path: path, entries: make(map[string][]ssh.PublicKey)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return kh, nil
		}
		return nil, fmt.Errorf("open known_hosts: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		hostField, keyType, keyB64 := fields[0], fields[1], fields[2]
		if strings.HasPrefix(hostField, "|1|") {
			// Hashed marker — retained verbatim but never matched.
			continue
		}
		pubKey, _, _, _, err := ssh.ParseAuthorizedKey([]byte(keyType + " " + keyB64))
		if err != nil {
			continue
		}
		for _, pattern := range strings.Split(hostField, ",") {
			kh.entries[pattern] = append(kh.entries[pattern], pubKey)
		}
	}
	return kh, nil
}

// hostPattern returns the canonical known_hosts host token for (host, port):
// bracketed when port != 22, bare otherwise.
func hostPattern(host string, port int) string {
	if port == 22 {
		return host
	}
	return fmt.Sprintf("[%s]:%d", host, port)
}

// Lookup returns the pinned keys stored under exactly the (host, port)
// token. Stored patterns are compared literally: wildcard patterns (`*`/`?`)
// are not expanded, matching the donor's literal comma-split comparison
// rather than globbing.
func (kh *KnownHosts) Lookup(host string, port int) []ssh.PublicKey {
	kh.mu.Lock()
	defer kh.mu.Unlock()
	return append([]ssh.PublicKey(nil), kh.entries[hostPattern(host, port)]...)
}

// Verify checks presented against any pinned keys for (host, port).
//
//   - No entry exists: returns (matched=false, conflict=false) — caller must
//     decide whether to TOFU-accept.
//   - Entry exists and presented matches one of them: (true, false).
//   - Entry exists and presented matches none of them: (false, true) — a
//     host-key conflict, must always be rejected regardless of TOFU policy.
func (kh *KnownHosts) Verify(host string, port int, presented ssh.PublicKey) (matched, conflict bool) {
	existing := kh.Lookup(host, port)
	if len(existing) == 0 {
		return false, false
	}
	for _, k := range existing {
		if string(k.Marshal()) == string(presented.Marshal()) {
			return true, false
		}
	}
	return false, true
}

// Accept appends a new pinned entry for (host, port) and best-effort
// persists it to disk. Failure to persist is logged by the caller but never
// fails the connection (§5 "Known-hosts append is best-effort").
func (kh *KnownHosts) Accept(host string, port int, key ssh.PublicKey) error {
	pattern := hostPattern(host, port)

	kh.mu.Lock()
	kh.entries[pattern] = append(kh.entries[pattern], key)
	kh.mu.Unlock()

	line := fmt.Sprintf("%s %s %s\n", pattern, key.Type(), base64.StdEncoding.EncodeToString(key.Marshal()))
	f, err := os.OpenFile(kh.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

// parseBracketHostPort splits an "[host]:port" or "host" token, returning
// port 22 when no bracket/port suffix is present.
func parseBracketHostPort(token string) (host string, port int, err error) {
	if strings.HasPrefix(token, "[") {
		end := strings.Index(token, "]")
		if end < 0 {
			return "", 0, fmt.Errorf("unterminated bracket in %q", token)
		}
		host = token[1:end]
		rest := token[end+1:]
		rest = strings.TrimPrefix(rest, ":")
		if rest == "" {
			return host, 22, nil
		}
		p, err := strconv.Atoi(rest)
		if err != nil {
			return "", 0, fmt.Errorf("invalid port in %q: %w", token, err)
		}
		return host, p, nil
	}
	return token, 22, nil
}
