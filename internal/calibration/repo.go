package calibration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresHistory persists committed profile versions so calibration drift
// is auditable and the active profile survives restarts.
type PostgresHistory struct {
	db      *sqlx.DB
	timeout time.Duration
}

const historySchema = `
CREATE TABLE IF NOT EXISTS calibration_profiles (
    strategy   TEXT NOT NULL,
    version    BIGINT NOT NULL,
    document   JSONB NOT NULL,
    active     BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (strategy, version)
);
`

// NewPostgresHistory ensures the schema and returns the sink.
func NewPostgresHistory(db *sqlx.DB, timeout time.Duration) (*PostgresHistory, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		return nil, fmt.Errorf("ensure calibration schema: %w", err)
	}
	return &PostgresHistory{db: db, timeout: timeout}, nil
}

// SaveVersion appends a committed version and moves the active pointer.
func (h *PostgresHistory) SaveVersion(strategy string, p Profile) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal calibration profile: %w", err)
	}

	tx, err := h.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin calibration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE calibration_profiles SET active = false WHERE strategy = $1 AND active`, strategy); err != nil {
		return fmt.Errorf("retire previous version: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO calibration_profiles (strategy, version, document, active)
		 VALUES ($1, $2, $3, true)
		 ON CONFLICT (strategy, version) DO UPDATE SET document = EXCLUDED.document, active = true`,
		strategy, p.Version, doc); err != nil {
		return fmt.Errorf("save calibration version: %w", err)
	}
	return tx.Commit()
}

// LoadActive returns the persisted active profile for strategy, or nil
// when none exists.
func (h *PostgresHistory) LoadActive(ctx context.Context, strategy string) (*Profile, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var doc []byte
	err := h.db.GetContext(ctx, &doc,
		`SELECT document FROM calibration_profiles WHERE strategy = $1 AND active
		 ORDER BY version DESC LIMIT 1`, strategy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active calibration: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode calibration document: %w", err)
	}
	return &p, nil
}
