package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/pkg/logger"
	"github.com/jmoiron/sqlx"
)

type PostgresIdempotencyStore struct {
	db  *sqlx.DB
	ttl time.Duration
}

func NewPostgresIdempotencyStore(db *sqlx.DB, ttl time.Duration) *PostgresIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	store := &PostgresIdempotencyStore{db: db, ttl: ttl}
	_ = store.ensureSchema(context.Background())
	return store
}

func (s *PostgresIdempotencyStore) GetOrLock(ctx context.Context, key string) (*model.IdempotencyRecord, bool) {
	now := time.Now().UTC()
	// an expired key is taken over by the new request
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, processing, created_at)
		VALUES ($1, true, $2)
		ON CONFLICT (key) DO UPDATE
		SET status_code = 0, response_body = NULL, processing = true, created_at = $2
		WHERE idempotency_keys.created_at < $3
	`, key, now, now.Add(-s.ttl))
	if err != nil {
		logger.LogError(ctx, err, "idempotency lock failed", "key", key)
		return nil, false
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil, false
	}

	var rec model.IdempotencyRecord
	err = s.db.QueryRowxContext(ctx, `
		SELECT status_code, response_body, created_at, processing
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(&rec.Status, &rec.Body, &rec.CreatedAt, &rec.Processing)
	if err != nil {
		return nil, false
	}
	return &rec, true
}

func (s *PostgresIdempotencyStore) Save(ctx context.Context, key string, status int, body []byte) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status_code = $2, response_body = $3, processing = false
		WHERE key = $1
	`, key, status, body)
	if err != nil {
		logger.LogError(ctx, err, "idempotency save failed", "key", key)
	}
}

func (s *PostgresIdempotencyStore) Unlock(ctx context.Context, key string) {
	_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
}

func (s *PostgresIdempotencyStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			status_code INTEGER NOT NULL DEFAULT 0,
			response_body BYTEA,
			processing BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	return err
}

func (s *PostgresIdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	return err
}
