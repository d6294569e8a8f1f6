package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied by Migrate. Documents are JSONB keyed by kind and id;
// fixed-point fields are encoded as integer strings so NUMERIC precision is
// never lost.
const schema = `
CREATE TABLE IF NOT EXISTS entities (
	kind       TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	data       JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (kind, id)
)`

// PostgresBackend implements Backend using PostgreSQL as the source of truth.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a new PostgreSQL-backed backend.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Migrate creates the entities table if it does not exist.
func (s *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresBackend) Load(ctx context.Context, kind, id string) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM entities WHERE kind = $1 AND id = $2`, kind, id).
		Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	return data, nil
}

func (s *PostgresBackend) Save(ctx context.Context, kind, id string, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities (kind, id, data, updated_at)
		 VALUES ($1, $2, $3::JSONB, now())
		 ON CONFLICT (kind, id) DO UPDATE
		 SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		kind, id, string(data),
	)
	if err != nil {
		return fmt.Errorf("save %s %s: %w", kind, id, err)
	}
	return nil
}

func (s *PostgresBackend) List(ctx context.Context, kind, prefix string) ([][]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM entities
		 WHERE kind = $1 AND starts_with(id, $2)
		 ORDER BY id`, kind, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

func (s *PostgresBackend) Delete(ctx context.Context, kind, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM entities WHERE kind = $1 AND id = $2`, kind, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	return nil
}

// pgxRows is the subset of pgx.Rows used by scanDocuments.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanDocuments(rows pgxRows) ([][]byte, error) {
	var docs [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		docs = append(docs, data)
	}
	return docs, rows.Err()
}
