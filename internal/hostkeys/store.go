// Package hostkeys keeps the application's known_hosts file and answers
// whether a server key is known, unknown or changed.
package hostkeys

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type Status int

const (
	StatusKnown Status = iota
	StatusUnknown
	StatusChanged
)

func (s Status) String() string {
	switch s {
	case StatusKnown:
		return "known"
	case StatusUnknown:
		return "unknown"
	case StatusChanged:
		return "changed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Store is a known_hosts file guarded for concurrent checks and updates.
type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Check reports the status of key for hostname, where hostname is the
// host:port the client dialed. Revoked keys and unreadable files are errors.
func (s *Store) Check(hostname string, remote net.Addr, key ssh.PublicKey) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, err := s.callbackLocked()
	if err != nil {
		return 0, err
	}
	err = cb(hostname, remote, key)
	if err == nil {
		return StatusKnown, nil
	}
	var ke *knownhosts.KeyError
	if errors.As(err, &ke) {
		if len(ke.Want) == 0 {
			return StatusUnknown, nil
		}
		return StatusChanged, nil
	}
	return 0, err
}

// Trust records key for hostname. Existing entries for the host are replaced,
// so trusting after a key change removes the old key. Trusting a key that is
// already known leaves the file untouched.
func (s *Store) Trust(hostname string, remote net.Addr, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, err := s.callbackLocked()
	if err != nil {
		return err
	}
	if cb(hostname, remote, key) == nil {
		return nil
	}

	host := knownhosts.Normalize(hostname)
	existing, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	var out bytes.Buffer
	sc := bufio.NewScanner(bytes.NewReader(existing))
	for sc.Scan() {
		line := sc.Text()
		if lineNamesHost(line, host) {
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", s.path, err)
	}
	out.WriteString(knownhosts.Line([]string{host}, key))
	out.WriteByte('\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, out.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) callbackLocked() (ssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open known_hosts: %w", err)
	}
	f.Close()
	cb, err := knownhosts.New(s.path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

// Fingerprint is the SHA256 fingerprint shown to users before trusting.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// lineNamesHost reports whether a known_hosts line has host in its host
// field, in plain or hashed form. Marker lines (@revoked, @cert-authority)
// are kept.
func lineNamesHost(line, host string) bool {
	fields := strings.Fields(line)
	if len(fields) < 3 || strings.HasPrefix(fields[0], "#") || strings.HasPrefix(fields[0], "@") {
		return false
	}
	for _, pattern := range strings.Split(fields[0], ",") {
		if pattern == host {
			return true
		}
		if strings.HasPrefix(pattern, "|1|") && hashedMatches(pattern, host) {
			return true
		}
	}
	return false
}

func hashedMatches(pattern, host string) bool {
	parts := strings.Split(pattern, "|")
	if len(parts) != 4 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	mac := hmac.New(sha1.New, salt)
	mac.Write([]byte(host))
	return hmac.Equal(mac.Sum(nil), want)
}
