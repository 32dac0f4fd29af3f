package model

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/behavauth/internal/features"
)

// PostgresStore persists sessions and models in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session and model store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the session and model tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_counters (
			user_id  TEXT NOT NULL,
			kind     TEXT NOT NULL CHECK (kind IN ('accepted', 'quarantined')),
			last_seq INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, kind)
		);

		CREATE TABLE IF NOT EXISTS sessions (
			user_id    TEXT NOT NULL,
			kind       TEXT NOT NULL CHECK (kind IN ('accepted', 'quarantined')),
			seq        INTEGER NOT NULL CHECK (seq > 0),
			rows       JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, kind, seq)
		);

		CREATE TABLE IF NOT EXISTS models (
			user_id    TEXT PRIMARY KEY,
			version    INTEGER NOT NULL,
			artifact   BYTEA NOT NULL,
			metadata   JSONB NOT NULL,
			trained_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// AppendSession bumps the per-kind counter and inserts the session in one
// transaction, so concurrent appends never share or skip a number.
func (s *PostgresStore) AppendSession(ctx context.Context, userID string, kind SessionKind, rows []features.Vector) (int, error) {
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal session rows: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int
	err = tx.QueryRowContext(ctx, `
		INSERT INTO session_counters (user_id, kind, last_seq)
		VALUES ($1, $2, 1)
		ON CONFLICT (user_id, kind) DO UPDATE SET last_seq = session_counters.last_seq + 1
		RETURNING last_seq
	`, userID, string(kind)).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate session number: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (user_id, kind, seq, rows, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, userID, string(kind), seq, rowsJSON)
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit session: %w", err)
	}
	return seq, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, userID string, kind SessionKind) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, rows, created_at
		FROM sessions
		WHERE user_id = $1 AND kind = $2
		ORDER BY seq ASC
	`, userID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []SessionRecord
	for rows.Next() {
		rec := SessionRecord{UserID: userID, Kind: kind}
		var rowsJSON []byte
		if err := rows.Scan(&rec.Seq, &rowsJSON, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if err := json.Unmarshal(rowsJSON, &rec.Rows); err != nil {
			return nil, fmt.Errorf("failed to decode session %d: %w", rec.Seq, err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountSessions(ctx context.Context, userID string, kind SessionKind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND kind = $2
	`, userID, string(kind)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) GetModel(ctx context.Context, userID string) ([]byte, error) {
	var artifact []byte
	err := s.db.QueryRowContext(ctx, `SELECT artifact FROM models WHERE user_id = $1`, userID).Scan(&artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return artifact, nil
}

func (s *PostgresStore) GetMetadata(ctx context.Context, userID string) (*Metadata, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT metadata FROM models WHERE user_id = $1`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode model metadata: %w", err)
	}
	return &meta, nil
}

func (s *PostgresStore) ListMetadata(ctx context.Context) ([]*Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT metadata FROM models ORDER BY user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list model metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Metadata
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan model metadata: %w", err)
		}
		var meta Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("failed to decode model metadata: %w", err)
		}
		result = append(result, &meta)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveModel(ctx context.Context, userID string, artifact []byte, meta *Metadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal model metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO models (user_id, version, artifact, metadata, trained_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			version = EXCLUDED.version,
			artifact = EXCLUDED.artifact,
			metadata = EXCLUDED.metadata,
			trained_at = EXCLUDED.trained_at
	`, userID, meta.ModelVersion, artifact, metaJSON, meta.LastTrained)
	if err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM sessions WHERE user_id = $1`,
		`DELETE FROM session_counters WHERE user_id = $1`,
		`DELETE FROM models WHERE user_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, userID); err != nil {
			return fmt.Errorf("failed to delete user data: %w", err)
		}
	}
	return tx.Commit()
}
