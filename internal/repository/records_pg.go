package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/GoPolymarket/batchgate/internal/service"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// ErrDuplicateRecord is the engine's duplicate sentinel so retries can tell
// it apart from transient store errors.
var ErrDuplicateRecord = service.ErrDuplicateRecord

const pgUniqueViolation = "23505"

// PostgresRecordRepo keeps business records as JSONB documents in a single
// table. Filters use JSONB containment.
type PostgresRecordRepo struct {
	db    *sqlx.DB
	table string
}

func NewPostgresRecordRepo(db *sqlx.DB, table string) *PostgresRecordRepo {
	if table == "" {
		table = "records"
	}
	repo := &PostgresRecordRepo{db: db, table: pgx.Identifier{table}.Sanitize()}
	_ = repo.ensureSchema(context.Background())
	return repo
}

type recordDB struct {
	ID     string `db:"id"`
	Entity string `db:"entity"`
	Fields []byte `db:"fields"`
}

func (r *PostgresRecordRepo) Fetch(ctx context.Context, filter model.RecordFilter) ([]model.Record, error) {
	equals := filter.Equals
	if equals == nil {
		equals = map[string]string{}
	}
	containment, err := json.Marshal(equals)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT id, entity, fields FROM %s
		WHERE ($1 = '' OR entity = $1) AND fields @> $2::jsonb
		ORDER BY created_at, id`, r.table)
	args := []any{filter.Entity, string(containment)}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var rd recordDB
		if err := rows.StructScan(&rd); err != nil {
			return nil, err
		}
		rec := model.Record{ID: rd.ID, Entity: rd.Entity}
		if err := json.Unmarshal(rd.Fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", rd.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertMany writes each record in its own statement so one bad row does not
// abort the others. A connection-level failure is returned as err.
func (r *PostgresRecordRepo) InsertMany(ctx context.Context, records []model.Record) ([]model.InsertResult, error) {
	query := fmt.Sprintf(`INSERT INTO %s (id, entity, fields, created_at) VALUES ($1, $2, $3::jsonb, $4)`, r.table)
	results := make([]model.InsertResult, len(records))
	for i, rec := range records {
		id := rec.ID
		if id == "" {
			id = uuid.New().String()
		}
		results[i].ID = id

		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			results[i].Err = err
			continue
		}
		_, err = r.db.ExecContext(ctx, query, id, rec.Entity, string(fields), time.Now().UTC())
		if err == nil {
			continue
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) {
			return nil, err
		}
		if pgErr.Code == pgUniqueViolation {
			results[i].Err = ErrDuplicateRecord
		} else {
			results[i].Err = fmt.Errorf("%w: %s", service.ErrRecordRejected, pgErr.Message)
		}
	}
	return results, nil
}

func (r *PostgresRecordRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			entity TEXT NOT NULL DEFAULT '',
			fields JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, r.table))
	return err
}
