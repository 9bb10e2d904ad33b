// Package store defines the persistence interfaces and types for bridge
// records and provisioned Matrix accounts, with SQLite and in-memory
// implementations.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store: closed")
)

// BridgeType identifies the bridged network.
type BridgeType string

const (
	BridgeWhatsApp  BridgeType = "whatsapp"
	BridgeSignal    BridgeType = "signal"
	BridgeTelegram  BridgeType = "telegram"
	BridgeMessenger BridgeType = "messenger"
)

// Valid reports whether t is a known bridge type.
func (t BridgeType) Valid() bool {
	switch t {
	case BridgeWhatsApp, BridgeSignal, BridgeTelegram, BridgeMessenger:
		return true
	}
	return false
}

// BridgeStatus is the lifecycle state of a bridge record. Absence of a
// record means the bridge is not connected.
type BridgeStatus string

const (
	StatusConnecting BridgeStatus = "connecting"
	StatusConnected  BridgeStatus = "connected"
)

// BridgeRecord is one persisted bridge per (user, bridge type).
//
// At most one record exists per (UserID, Type) pair. The store does not
// enforce this; callers delete any existing record before creating a
// replacement.
type BridgeRecord struct {
	UserID    int64
	Type      BridgeType
	Status    BridgeStatus
	RoomID    string // management room; empty only before room creation
	Data      string // opaque payload, reserved
	CreatedAt int64  // Unix seconds
}

// MatrixAccount holds the provisioned homeserver credentials for a user.
// One account serves all of the user's bridges.
type MatrixAccount struct {
	UserID      int64
	Username    string
	Password    string
	AccessToken string
	DeviceID    string
	CreatedAt   int64 // Unix seconds
}

// BridgeStore persists bridge records.
type BridgeStore interface {
	// GetBridge returns the record for (userID, bridgeType) or ErrNotFound.
	GetBridge(ctx context.Context, userID int64, bridgeType BridgeType) (*BridgeRecord, error)

	// CreateBridge inserts a record. A zero CreatedAt is filled with the
	// current time.
	CreateBridge(ctx context.Context, record *BridgeRecord) error

	// DeleteBridge removes the record for (userID, bridgeType). Deleting a
	// missing record is not an error.
	DeleteBridge(ctx context.Context, userID int64, bridgeType BridgeType) error

	// HasActiveBridges reports whether the user has any record in the
	// connected state. Records still connecting do not count.
	HasActiveBridges(ctx context.Context, userID int64) (bool, error)

	// StaleConnecting returns records stuck in the connecting state whose
	// CreatedAt is before the cutoff. Used by the reaper.
	StaleConnecting(ctx context.Context, cutoff time.Time) ([]*BridgeRecord, error)
}

// AccountStore persists provisioned Matrix accounts.
type AccountStore interface {
	// GetAccount returns the user's Matrix account or ErrNotFound.
	GetAccount(ctx context.Context, userID int64) (*MatrixAccount, error)

	// SaveAccount inserts or replaces the user's Matrix account.
	SaveAccount(ctx context.Context, account *MatrixAccount) error
}

// Store combines all persistence interfaces behind one handle.
type Store interface {
	BridgeStore
	AccountStore

	// Close releases the underlying resources.
	Close() error
}
