package ssh

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback checks host keys against the known_hosts file at path,
// creating it if needed. Unknown hosts are trusted and appended to the file;
// a host whose recorded key differs is rejected. An empty path disables host
// key checking.
func NewHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	_ = f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}

	kh := &knownHosts{path: path, check: check}
	return kh.verify, nil
}

type knownHosts struct {
	path  string
	check ssh.HostKeyCallback

	mu sync.Mutex
}

func (kh *knownHosts) verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	kh.mu.Lock()
	defer kh.mu.Unlock()

	err := kh.check(hostname, remote, key)

	var keyErr *knownhosts.KeyError
	if err == nil || !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return fmt.Errorf("ssh host key mismatch for %s: %w", hostname, err)
	}

	return kh.add(hostname, key)
}

// add appends key for hostname and reloads the file so the new entry is
// pinned for later checks. Called with mu held.
func (kh *knownHosts) add(hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(kh.path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}

	log.Printf("ssh: added %s host key for %s to %s", key.Type(), hostname, kh.path)

	check, err := knownhosts.New(kh.path)
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	kh.check = check
	return nil
}
