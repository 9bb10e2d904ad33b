package store

import (
	"context"
	"sync"
	"time"
)

type bridgeKey struct {
	userID     int64
	bridgeType BridgeType
}

// Memory implements Store with mutex-guarded maps. Used in tests and for
// ephemeral development runs.
type Memory struct {
	mu       sync.RWMutex
	bridges  map[bridgeKey]*BridgeRecord
	accounts map[int64]*MatrixAccount
	closed   bool
	now      func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		bridges:  make(map[bridgeKey]*BridgeRecord),
		accounts: make(map[int64]*MatrixAccount),
		now:      time.Now,
	}
}

// GetBridge returns the record for (userID, bridgeType) or ErrNotFound.
func (m *Memory) GetBridge(ctx context.Context, userID int64, bridgeType BridgeType) (*BridgeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	record, ok := m.bridges[bridgeKey{userID, bridgeType}]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *record
	return &copied, nil
}

// CreateBridge inserts a record, filling a zero CreatedAt with the current time.
func (m *Memory) CreateBridge(ctx context.Context, record *BridgeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if record.CreatedAt == 0 {
		record.CreatedAt = m.now().Unix()
	}
	copied := *record
	m.bridges[bridgeKey{record.UserID, record.Type}] = &copied
	return nil
}

// DeleteBridge removes the record for (userID, bridgeType).
func (m *Memory) DeleteBridge(ctx context.Context, userID int64, bridgeType BridgeType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	delete(m.bridges, bridgeKey{userID, bridgeType})
	return nil
}

// HasActiveBridges reports whether the user has any connected bridge.
func (m *Memory) HasActiveBridges(ctx context.Context, userID int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}

	for key, record := range m.bridges {
		if key.userID == userID && record.Status == StatusConnected {
			return true, nil
		}
	}
	return false, nil
}

// StaleConnecting returns connecting records created before the cutoff.
func (m *Memory) StaleConnecting(ctx context.Context, cutoff time.Time) ([]*BridgeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	var records []*BridgeRecord
	for _, record := range m.bridges {
		if record.Status == StatusConnecting && record.CreatedAt < cutoff.Unix() {
			copied := *record
			records = append(records, &copied)
		}
	}
	return records, nil
}

// GetAccount returns the user's Matrix account or ErrNotFound.
func (m *Memory) GetAccount(ctx context.Context, userID int64) (*MatrixAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	account, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *account
	return &copied, nil
}

// SaveAccount inserts or replaces the user's Matrix account.
func (m *Memory) SaveAccount(ctx context.Context, account *MatrixAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if account.CreatedAt == 0 {
		account.CreatedAt = m.now().Unix()
	}
	copied := *account
	m.accounts[account.UserID] = &copied
	return nil
}

// Close marks the store closed; subsequent operations return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
