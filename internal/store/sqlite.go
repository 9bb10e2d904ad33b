package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// SQLiteConfig contains configuration for the SQLite store.
type SQLiteConfig struct {
	Path string // Path to the SQLite database file; ":memory:" for ephemeral
}

// SQLite implements Store on a single SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (creating if needed) the SQLite store at cfg.Path.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLite{
		db:  db,
		now: time.Now,
	}

	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS bridges (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			bridge_type TEXT NOT NULL,
			status TEXT NOT NULL,
			room_id TEXT,
			data TEXT,
			created_at INTEGER
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create bridges table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS matrix_accounts (
			user_id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			password TEXT NOT NULL,
			access_token TEXT,
			device_id TEXT,
			created_at INTEGER
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create matrix_accounts table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_bridges_user_type ON bridges(user_id, bridge_type)",
		"CREATE INDEX IF NOT EXISTS idx_bridges_status_created ON bridges(status, created_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// GetBridge returns the record for (userID, bridgeType) or ErrNotFound.
func (s *SQLite) GetBridge(ctx context.Context, userID int64, bridgeType BridgeType) (*BridgeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, bridge_type, status, COALESCE(room_id, ''), COALESCE(data, ''), COALESCE(created_at, 0)
		FROM bridges
		WHERE user_id = ? AND bridge_type = ?
		ORDER BY id DESC
		LIMIT 1
	`, userID, string(bridgeType))

	record := &BridgeRecord{}
	err := row.Scan(&record.UserID, &record.Type, &record.Status, &record.RoomID, &record.Data, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bridge: %w", err)
	}
	return record, nil
}

// CreateBridge inserts a record, filling a zero CreatedAt with the current time.
func (s *SQLite) CreateBridge(ctx context.Context, record *BridgeRecord) error {
	if record.CreatedAt == 0 {
		record.CreatedAt = s.now().Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridges (user_id, bridge_type, status, room_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, record.UserID, string(record.Type), string(record.Status), record.RoomID, record.Data, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert bridge: %w", err)
	}
	return nil
}

// DeleteBridge removes the record for (userID, bridgeType).
func (s *SQLite) DeleteBridge(ctx context.Context, userID int64, bridgeType BridgeType) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM bridges WHERE user_id = ? AND bridge_type = ?
	`, userID, string(bridgeType))
	if err != nil {
		return fmt.Errorf("failed to delete bridge: %w", err)
	}
	return nil
}

// HasActiveBridges reports whether the user has any connected bridge.
func (s *SQLite) HasActiveBridges(ctx context.Context, userID int64) (bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bridges WHERE user_id = ? AND status = ?
	`, userID, string(StatusConnected))

	var count int64
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count active bridges: %w", err)
	}
	return count > 0, nil
}

// StaleConnecting returns connecting records created before the cutoff.
func (s *SQLite) StaleConnecting(ctx context.Context, cutoff time.Time) ([]*BridgeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, bridge_type, status, COALESCE(room_id, ''), COALESCE(data, ''), COALESCE(created_at, 0)
		FROM bridges
		WHERE status = ? AND created_at < ?
	`, string(StatusConnecting), cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale bridges: %w", err)
	}
	defer rows.Close()

	var records []*BridgeRecord
	for rows.Next() {
		record := &BridgeRecord{}
		if err := rows.Scan(&record.UserID, &record.Type, &record.Status, &record.RoomID, &record.Data, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stale bridge: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale bridges: %w", err)
	}
	return records, nil
}

// GetAccount returns the user's Matrix account or ErrNotFound.
func (s *SQLite) GetAccount(ctx context.Context, userID int64) (*MatrixAccount, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, password, COALESCE(access_token, ''), COALESCE(device_id, ''), COALESCE(created_at, 0)
		FROM matrix_accounts
		WHERE user_id = ?
	`, userID)

	account := &MatrixAccount{}
	err := row.Scan(&account.UserID, &account.Username, &account.Password, &account.AccessToken, &account.DeviceID, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query matrix account: %w", err)
	}
	return account, nil
}

// SaveAccount inserts or replaces the user's Matrix account.
func (s *SQLite) SaveAccount(ctx context.Context, account *MatrixAccount) error {
	if account.CreatedAt == 0 {
		account.CreatedAt = s.now().Unix()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO matrix_accounts (user_id, username, password, access_token, device_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, account.UserID, account.Username, account.Password, account.AccessToken, account.DeviceID, account.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save matrix account: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
