package risk

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore persists risk logs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk log store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the risk_log table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_log (
			id                    BIGSERIAL PRIMARY KEY,
			user_id               TEXT NOT NULL,
			logged_at             TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			risk                  DOUBLE PRECISION NOT NULL,
			geo_shift_score       DOUBLE PRECISION NOT NULL DEFAULT 0,
			network_shift_score   DOUBLE PRECISION NOT NULL DEFAULT 0,
			device_mismatch_score DOUBLE PRECISION NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_risk_log_user
			ON risk_log (user_id, id DESC);
	`)
	return err
}

// Append inserts entry and trims older rows in the same transaction.
func (s *PostgresStore) Append(ctx context.Context, userID string, entry LogEntry, limit int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Serializes concurrent appends for the same user across processes.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "risk_log:"+userID); err != nil {
		return fmt.Errorf("failed to lock risk log: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_log (user_id, logged_at, risk, geo_shift_score, network_shift_score, device_mismatch_score)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		userID,
		entry.Timestamp,
		entry.Risk,
		entry.GeoShiftScore,
		entry.NetworkShiftScore,
		entry.DeviceMismatchScore,
	)
	if err != nil {
		return fmt.Errorf("failed to append risk log: %w", err)
	}

	if limit > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM risk_log
			WHERE user_id = $1 AND id NOT IN (
				SELECT id FROM risk_log WHERE user_id = $1 ORDER BY id DESC LIMIT $2
			)
		`, userID, limit)
		if err != nil {
			return fmt.Errorf("failed to trim risk log: %w", err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) List(ctx context.Context, userID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT logged_at, risk, geo_shift_score, network_shift_score, device_mismatch_score
		FROM risk_log
		WHERE user_id = $1
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Risk, &e.GeoShiftScore, &e.NetworkShiftScore, &e.DeviceMismatchScore); err != nil {
			return nil, fmt.Errorf("failed to scan risk log: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM risk_log WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to delete risk log: %w", err)
	}
	return nil
}
