package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// SessionManager owns the on-disk session directories for provisioned
// homeserver accounts. Directories are keyed by the account localpart so a
// wiped account can be re-provisioned without colliding with stale state.
type SessionManager struct {
	base string
}

func NewSessionManager(base string) (*SessionManager, error) {
	if base == "" {
		return nil, fmt.Errorf("session store path is empty")
	}
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, fmt.Errorf("create session store root: %w", err)
	}
	return &SessionManager{base: base}, nil
}

// Dir returns the session directory for the given localpart, creating it if
// needed.
func (m *SessionManager) Dir(localpart string) (string, error) {
	if localpart == "" {
		return "", fmt.Errorf("session localpart is empty")
	}
	dir := filepath.Join(m.base, localpart)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return dir, nil
}

// Clear removes the session directory and recreates it empty. Used when
// recovering from one-time-key conflicts, where the stored crypto state is
// the thing poisoning new logins.
func (m *SessionManager) Clear(localpart string) error {
	if localpart == "" {
		return fmt.Errorf("session localpart is empty")
	}
	dir := filepath.Join(m.base, localpart)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("recreate session dir: %w", err)
	}
	return nil
}

// SyncStore returns a file-backed mautrix.SyncStore rooted in the account's
// session directory, so filter IDs and next-batch tokens survive restarts.
func (m *SessionManager) SyncStore(localpart string) (mautrix.SyncStore, error) {
	dir, err := m.Dir(localpart)
	if err != nil {
		return nil, err
	}
	return newFileSyncStore(filepath.Join(dir, "sync.json"))
}

type syncState struct {
	FilterID  string `json:"filter_id,omitempty"`
	NextBatch string `json:"next_batch,omitempty"`
}

// fileSyncStore persists sync checkpoints as a small JSON file. The zero
// state is valid: a missing file just means the next sync starts from
// scratch.
type fileSyncStore struct {
	path string

	mu    sync.Mutex
	state syncState
}

func newFileSyncStore(path string) (*fileSyncStore, error) {
	s := &fileSyncStore{path: path}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sync state: %w", err)
	}
	if err := json.Unmarshal(data, &s.state); err != nil {
		return nil, fmt.Errorf("parse sync state: %w", err)
	}
	return s, nil
}

func (s *fileSyncStore) flushLocked() error {
	data, err := json.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return nil
}

func (s *fileSyncStore) SaveFilterID(_ context.Context, _ id.UserID, filterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.FilterID = filterID
	return s.flushLocked()
}

func (s *fileSyncStore) LoadFilterID(_ context.Context, _ id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.FilterID, nil
}

func (s *fileSyncStore) SaveNextBatch(_ context.Context, _ id.UserID, nextBatch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.NextBatch = nextBatch
	return s.flushLocked()
}

func (s *fileSyncStore) LoadNextBatch(_ context.Context, _ id.UserID) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.NextBatch, nil
}
