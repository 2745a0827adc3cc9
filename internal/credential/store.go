// Package credential stores per-host and per-tunnel passwords. Keys are host
// aliases or saved tunnel ids; values are never logged.
package credential

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/zalando/go-keyring"

	"github.com/treykane/sshgate/internal/appconfig"
)

// ErrNotFound is returned by Get when no secret exists for the key.
var ErrNotFound = errors.New("credential not found")

// Store is a secret store keyed by host alias or saved tunnel id.
type Store interface {
	Get(key string) (string, error)
	Set(key, secret string) error
	// Delete removes the secret. Deleting a missing key is not an error.
	Delete(key string) error
	Has(key string) bool
}

// ServiceName is the keyring service secrets are filed under.
const ServiceName = "sshgate"

// Open returns the configured backend. When the OS secret service is not
// reachable the encrypted file backend is used instead.
func Open(cfg appconfig.Config) (Store, error) {
	if cfg.Credentials.Backend == appconfig.CredentialBackendKeyring {
		ks := NewKeyringStore(ServiceName)
		if err := ks.Probe(); err == nil {
			return ks, nil
		} else {
			slog.Warn("os keyring unavailable, using encrypted file store", "error", err)
		}
	}
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return nil, err
	}
	return NewFileStore(filepath.Join(dir, "credentials.enc"), filepath.Join(dir, "credentials.key"))
}

// KeyringStore keeps secrets in the OS keychain / secret service.
type KeyringStore struct {
	service string
}

func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

// Probe checks that the secret service answers.
func (s *KeyringStore) Probe() error {
	_, err := keyring.Get(s.service, "__sshgate_probe__")
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

func (s *KeyringStore) Get(key string) (string, error) {
	v, err := keyring.Get(s.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("keyring get: %w", err)
	}
	return v, nil
}

func (s *KeyringStore) Set(key, secret string) error {
	if err := keyring.Set(s.service, key, secret); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

func (s *KeyringStore) Delete(key string) error {
	err := keyring.Delete(s.service, key)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return nil
}

func (s *KeyringStore) Has(key string) bool {
	_, err := s.Get(key)
	return err == nil
}
