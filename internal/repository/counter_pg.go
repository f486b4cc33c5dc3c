package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostgresCounterStore keeps daily quota counters in one row per key and day.
// The increment is a conditional upsert, so concurrent consumers can never
// push a counter past its limit.
type PostgresCounterStore struct {
	db *sqlx.DB
}

func NewPostgresCounterStore(db *sqlx.DB) *PostgresCounterStore {
	repo := &PostgresCounterStore{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

func (r *PostgresCounterStore) Consume(ctx context.Context, key, day string, limit int, _ time.Time) (int, bool, error) {
	var used int
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO quota_daily_usage (counter_key, day, used)
		VALUES ($1, $2, 1)
		ON CONFLICT (counter_key, day)
		DO UPDATE SET used = quota_daily_usage.used + 1
		WHERE quota_daily_usage.used < $3
		RETURNING used
	`, key, day, limit).Scan(&used)
	if err == nil {
		return used, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}

	// conflict row was at the limit
	err = r.db.QueryRowxContext(ctx,
		`SELECT used FROM quota_daily_usage WHERE counter_key = $1 AND day = $2`, key, day).Scan(&used)
	if err != nil {
		return 0, false, err
	}
	return used, false, nil
}

func (r *PostgresCounterStore) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS quota_daily_usage (
			counter_key TEXT NOT NULL,
			day TEXT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (counter_key, day)
		)
	`)
	return err
}

// Cleanup drops counters of days before the cutoff.
func (r *PostgresCounterStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	_, err := r.db.ExecContext(ctx, `DELETE FROM quota_daily_usage WHERE day < $1`, cutoff.Format("2006-01-02"))
	return err
}
