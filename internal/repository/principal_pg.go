package repository

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"github.com/GoPolymarket/batchgate/internal/model"
	"github.com/jmoiron/sqlx"
)

var ErrPrincipalNotFound = errors.New("principal not found")

// PostgresPrincipalRepo stores principals keyed by a SHA-256 digest of their
// API key; the plain key is never written.
type PostgresPrincipalRepo struct {
	db *sqlx.DB
}

func NewPostgresPrincipalRepo(db *sqlx.DB) *PostgresPrincipalRepo {
	repo := &PostgresPrincipalRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

type principalDB struct {
	ID   string `db:"id"`
	Name string `db:"name"`
	Role string `db:"role"`
}

func (r *PostgresPrincipalRepo) GetByAPIKey(ctx context.Context, apiKey string) (*model.Principal, error) {
	var pd principalDB
	query := `SELECT id, name, role FROM principals WHERE api_key_hash = $1 LIMIT 1`
	err := r.db.GetContext(ctx, &pd, query, hashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPrincipalNotFound
		}
		return nil, err
	}
	return &model.Principal{ID: pd.ID, Name: pd.Name, Role: pd.Role, APIKey: apiKey}, nil
}

func (r *PostgresPrincipalRepo) Create(ctx context.Context, p *model.Principal) error {
	query := `INSERT INTO principals (id, name, role, api_key_hash, created_at)
	          VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, query, p.ID, p.Name, p.Role, hashAPIKey(p.APIKey), time.Now().UTC())
	return err
}

func (r *PostgresPrincipalRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM principals WHERE id = $1`, id)
	return err
}

func (r *PostgresPrincipalRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS principals (
			id TEXT PRIMARY KEY,
			name TEXT,
			role TEXT NOT NULL,
			api_key_hash TEXT UNIQUE NOT NULL,
			created_at TIMESTAMPTZ
		)
	`)
	return err
}

func hashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
