// Package bundle keeps named groups of saved tunnels that start together.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/treykane/sshgate/internal/appconfig"
	"github.com/treykane/sshgate/internal/model"
)

// Definition is a named list of saved tunnel references. Each reference is
// a saved tunnel id or name.
type Definition struct {
	Name    string   `yaml:"name" json:"name"`
	Tunnels []string `yaml:"tunnels" json:"tunnels"`
}

type fileModel struct {
	Bundles map[string]Definition `yaml:"bundles"`
}

type Store struct {
	mu   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// DefaultPath is bundles.yaml in the config directory.
func DefaultPath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bundles.yaml"), nil
}

// List returns all bundles sorted by name.
func (s *Store) List() ([]Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(fm.Bundles))
	for _, b := range fm.Bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) Get(name string) (Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return Definition{}, err
	}
	b, ok := fm.Bundles[name]
	if !ok {
		return Definition{}, model.NotFound("get bundle", "bundle %s not found", name)
	}
	return b, nil
}

// Save adds or replaces a bundle.
func (s *Store) Save(def Definition) (Definition, error) {
	const op = "save bundle"
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return Definition{}, model.Validation(op, "bundle name cannot be empty")
	}
	if len(def.Tunnels) == 0 {
		return Definition{}, model.Validation(op, "bundle must include at least one tunnel")
	}
	refs := make([]string, 0, len(def.Tunnels))
	for i, ref := range def.Tunnels {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return Definition{}, model.Validation(op, "bundle entry %d is empty", i)
		}
		refs = append(refs, ref)
	}
	def.Tunnels = refs

	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return Definition{}, err
	}
	fm.Bundles[def.Name] = def
	if err := s.save(fm); err != nil {
		return Definition{}, err
	}
	return def, nil
}

func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := fm.Bundles[name]; !ok {
		return model.NotFound("delete bundle", "bundle %s not found", name)
	}
	delete(fm.Bundles, name)
	return s.save(fm)
}

// Resolve maps each reference to a saved tunnel, matching id first and
// then name.
func Resolve(def Definition, saved []model.SavedTunnelConfig) ([]model.SavedTunnelConfig, error) {
	out := make([]model.SavedTunnelConfig, 0, len(def.Tunnels))
	for _, ref := range def.Tunnels {
		cfg, ok := find(ref, saved)
		if !ok {
			return nil, model.NotFound("resolve bundle", "bundle %s references unknown tunnel %q", def.Name, ref)
		}
		out = append(out, cfg)
	}
	return out, nil
}

func find(ref string, saved []model.SavedTunnelConfig) (model.SavedTunnelConfig, bool) {
	for _, c := range saved {
		if c.ID == ref {
			return c, true
		}
	}
	for _, c := range saved {
		if c.Name == ref {
			return c, true
		}
	}
	return model.SavedTunnelConfig{}, false
}

func (s *Store) load() (fileModel, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileModel{Bundles: map[string]Definition{}}, nil
		}
		return fileModel{}, model.Wrap(model.KindSystem, "read bundles", err)
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, model.Wrap(model.KindSystem, "read bundles", fmt.Errorf("parse %s: %w", s.path, err))
	}
	if fm.Bundles == nil {
		fm.Bundles = map[string]Definition{}
	}
	return fm, nil
}

func (s *Store) save(fm fileModel) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return model.Wrap(model.KindSystem, "write bundles", err)
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return model.Wrap(model.KindSystem, "write bundles", err)
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		return model.Wrap(model.KindSystem, "write bundles", err)
	}
	return nil
}
