package contextdrift

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists device profiles and cached context in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile and context store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var (
	_ ProfileStore = (*PostgresStore)(nil)
	_ ContextCache = (*PostgresStore)(nil)
)

// Migrate creates the device_profiles and context_cache tables if they
// don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS device_profiles (
			user_id      TEXT PRIMARY KEY,
			os           TEXT NOT NULL DEFAULT '',
			os_version   TEXT NOT NULL DEFAULT '',
			device_model TEXT NOT NULL DEFAULT '',
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS context_cache (
			user_id    TEXT PRIMARY KEY,
			sample     JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (s *PostgresStore) GetDeviceProfile(ctx context.Context, userID string) (*DeviceProfile, error) {
	var p DeviceProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT os, os_version, device_model FROM device_profiles WHERE user_id = $1
	`, userID).Scan(&p.OS, &p.OSVersion, &p.DeviceModel)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) SaveDeviceProfile(ctx context.Context, userID string, profile *DeviceProfile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_profiles (user_id, os, os_version, device_model, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			os = EXCLUDED.os,
			os_version = EXCLUDED.os_version,
			device_model = EXCLUDED.device_model,
			updated_at = NOW()
	`, userID, profile.OS, profile.OSVersion, profile.DeviceModel)
	if err != nil {
		return fmt.Errorf("failed to save device profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDeviceProfile(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_profiles WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete device profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetContext(ctx context.Context, userID string) (*Sample, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT sample FROM context_cache WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached context: %w", err)
	}
	var sample Sample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return nil, fmt.Errorf("failed to decode cached context: %w", err)
	}
	return &sample, nil
}

func (s *PostgresStore) SaveContext(ctx context.Context, userID string, sample *Sample) error {
	raw, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO context_cache (user_id, sample, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET sample = EXCLUDED.sample, updated_at = NOW()
	`, userID, raw)
	if err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteContext(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM context_cache WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete cached context: %w", err)
	}
	return nil
}
