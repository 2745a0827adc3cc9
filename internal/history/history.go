// Package history records when hosts were last used so lists can be sorted
// by recency.
package history

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/model"
)

type entry struct {
	LastUsed int64 `json:"last_used"`
	Count    int   `json:"count"`
}

type file struct {
	Hosts map[string]entry `json:"hosts"`
}

type Store struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// DefaultPath is history.json in the config directory.
func DefaultPath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history.json"), nil
}

// Touch records a successful connection to alias.
func (s *Store) Touch(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.load()
	e := f.Hosts[alias]
	e.LastUsed = s.now().Unix()
	e.Count++
	f.Hosts[alias] = e
	return s.save(f)
}

// Forget drops alias, e.g. after the host is deleted or renamed.
func (s *Store) Forget(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.load()
	if _, ok := f.Hosts[alias]; !ok {
		return nil
	}
	delete(f.Hosts, alias)
	return s.save(f)
}

// LastUsed returns unix timestamps by alias.
func (s *Store) LastUsed() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.load()
	out := make(map[string]int64, len(f.Hosts))
	for alias, e := range f.Hosts {
		out[alias] = e.LastUsed
	}
	return out
}

// SortHostsRecent returns a new slice sorted by recent activity (desc),
// keeping declaration order among hosts never used.
func SortHostsRecent(hosts []model.Host, lastUsed map[string]int64) []model.Host {
	out := append([]model.Host(nil), hosts...)
	sort.SliceStable(out, func(i, j int) bool {
		return lastUsed[out[i].Alias] > lastUsed[out[j].Alias]
	})
	return out
}

// load treats a missing or corrupt file as empty history.
func (s *Store) load() file {
	f := file{Hosts: map[string]entry{}}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("history unreadable", "path", s.path, "error", err)
		}
		return f
	}
	if err := json.Unmarshal(b, &f); err != nil {
		slog.Warn("history corrupt, starting fresh", "path", s.path, "error", err)
		return file{Hosts: map[string]entry{}}
	}
	if f.Hosts == nil {
		f.Hosts = map[string]entry{}
	}
	return f
}

func (s *Store) save(f file) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}
