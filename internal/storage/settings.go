package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Setting keys used by the sync engine.
const (
	// SettingDeviceID is this installation's device identifier.
	SettingDeviceID = "deviceId"

	// SettingLastSeen is the cursor into the remote update stream.
	SettingLastSeen = "lastSeen"

	// SettingIsSetUp records whether cloud sync has been enabled.
	SettingIsSetUp = "isSetUp"

	// SettingLastSyncUpload is when the last outbound action state
	// change was observed, as a millisecond UNIX timestamp.
	SettingLastSyncUpload = "lastSyncUpload"

	// SettingInstallTime is when this installation was first set up,
	// as a millisecond UNIX timestamp.
	SettingInstallTime = "installTimestamp"
)

// Settings is a small key-value store persisted alongside the objects
// table. Values are stored as JSON.
type Settings struct {
	conn *sql.DB
}

// NewSettings creates a settings store on an open database connection.
func NewSettings(conn *sql.DB) *Settings {
	return &Settings{conn: conn}
}

// InitSchema creates the settings table if it doesn't exist.
func (s *Settings) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL  -- JSON
	);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize settings schema: %w", err)
	}
	return nil
}

// Get loads a setting into out. Returns ErrNotFound if the key has
// never been set.
func (s *Settings) Get(ctx context.Context, key string, out any) error {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load setting %q: %w", key, err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return fmt.Errorf("failed to decode setting %q: %w", key, err)
	}
	return nil
}

// Set stores a setting, replacing any previous value.
func (s *Settings) Set(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode setting %q: %w", key, err)
	}

	query := `
	INSERT INTO settings (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.conn.ExecContext(ctx, query, key, string(data)); err != nil {
		return fmt.Errorf("failed to store setting %q: %w", key, err)
	}
	return nil
}

// GetString returns a string setting, or "" if unset.
func (s *Settings) GetString(ctx context.Context, key string) (string, error) {
	var value string
	err := s.Get(ctx, key, &value)
	if err == ErrNotFound {
		return "", nil
	}
	return value, err
}

// GetInt64 returns an integer setting, or 0 if unset.
func (s *Settings) GetInt64(ctx context.Context, key string) (int64, error) {
	var value int64
	err := s.Get(ctx, key, &value)
	if err == ErrNotFound {
		return 0, nil
	}
	return value, err
}

// GetBool returns a boolean setting, or false if unset.
func (s *Settings) GetBool(ctx context.Context, key string) (bool, error) {
	var value bool
	err := s.Get(ctx, key, &value)
	if err == ErrNotFound {
		return false, nil
	}
	return value, err
}
