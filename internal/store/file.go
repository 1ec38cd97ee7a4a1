package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileState is the on-disk layout, one JSON document in the state dir.
type fileState struct {
	Token           string `json:"token,omitempty"`
	ExpiresAt       int64  `json:"expiresAt,omitempty"`
	LatestProductID string `json:"latestProductId,omitempty"`
}

// FileStore keeps the bridge state in a single JSON file. Every write
// rewrites the whole document so a token and its expiry land atomically.
type FileStore struct {
	path  string
	mu    sync.Mutex
	state fileState
}

func NewFileStore(stateDir string) (*FileStore, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	s := &FileStore{path: filepath.Join(stateDir, "state.json")}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		// Corrupt state is dropped rather than wedging startup.
		s.state = fileState{}
	}
	return s, nil
}

func (s *FileStore) flushLocked() error {
	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

func (s *FileStore) SetToken(token string, expiresAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state.Token = token
	s.state.ExpiresAt = expiresAt
	if err := s.flushLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}

func (s *FileStore) ClearToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state.Token = ""
	s.state.ExpiresAt = 0
	if err := s.flushLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}

func (s *FileStore) GetToken(now time.Time) (*Credential, bool) {
	s.mu.Lock()
	cred := &Credential{Token: s.state.Token, ExpiresAt: s.state.ExpiresAt}
	s.mu.Unlock()
	if !cred.Valid(now) {
		return nil, false
	}
	return cred, true
}

func (s *FileStore) LatestProductID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LatestProductID == "" {
		return "", false
	}
	return s.state.LatestProductID, true
}

func (s *FileStore) SetLatestProductID(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state.LatestProductID = id
	if err := s.flushLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}

func (s *FileStore) ClearLatestProductID() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state.LatestProductID = ""
	if err := s.flushLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}
