package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fernet/fernet-go"
)

// FileStore keeps secrets in a fernet-encrypted JSON file. The key lives in a
// separate 0600 file generated on first use.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	key     *fernet.Key
	secrets map[string]string
}

func NewFileStore(path, keyPath string) (*FileStore, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	s := &FileStore{path: path, key: key, secrets: map[string]string{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadOrCreateKey(path string) (*fernet.Key, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		key, err := fernet.DecodeKey(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("decode credential key: %w", err)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate credential key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(k.Encode()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("save credential key: %w", err)
	}
	return &k, nil
}

func (s *FileStore) load() error {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	msg := fernet.VerifyAndDecrypt([]byte(strings.TrimSpace(string(b))), 0, []*fernet.Key{s.key})
	if msg == nil {
		return fmt.Errorf("decrypt %s: invalid token", s.path)
	}
	if err := json.Unmarshal(msg, &s.secrets); err != nil {
		return fmt.Errorf("parse credentials: %w", err)
	}
	if s.secrets == nil {
		s.secrets = map[string]string{}
	}
	return nil
}

// persistLocked must be called with the write lock held.
func (s *FileStore) persistLocked() error {
	plain, err := json.Marshal(s.secrets)
	if err != nil {
		return err
	}
	tok, err := fernet.EncryptAndSign(plain, s.key)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, tok, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Set(key, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.secrets[key]
	s.secrets[key] = secret
	if err := s.persistLocked(); err != nil {
		if had {
			s.secrets[key] = prev
		} else {
			delete(s.secrets, key)
		}
		return err
	}
	return nil
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.secrets[key]
	if !had {
		return nil
	}
	delete(s.secrets, key)
	if err := s.persistLocked(); err != nil {
		s.secrets[key] = prev
		return err
	}
	return nil
}

func (s *FileStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.secrets[key]
	return ok
}
