package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend keeps sets and maps in two tables keyed by
// (collection, member).
type PostgresBackend struct {
	pool *pgxpool.Pool
}

func ConnectPostgres(ctx context.Context, url string) (*PostgresBackend, error) {
	pgConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL URL: %w", err)
	}
	// N.B. Use QueryExecModeExec because the default uses statement
	// caching, which doesn't work with pgbouncer.
	pgConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	pgConfig.ConnConfig.ConnectTimeout = 2 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	return &PostgresBackend{pool: pool}, nil
}

func (p *PostgresBackend) Name() string { return "postgres" }

func (p *PostgresBackend) Setup(ctx context.Context) error {
	query := `
CREATE TABLE IF NOT EXISTS cellar_sets (
  collection TEXT NOT NULL,
  member TEXT NOT NULL,
  PRIMARY KEY (collection, member)
);

CREATE TABLE IF NOT EXISTS cellar_maps (
  collection TEXT NOT NULL,
  field TEXT NOT NULL,
  value TEXT NOT NULL,
  PRIMARY KEY (collection, field)
);`

	if _, err := p.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create collection tables: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Set(key string) Set {
	return &postgresSet{pool: p.pool, collection: key}
}

func (p *PostgresBackend) Map(key string) Map {
	return &postgresMap{pool: p.pool, collection: key}
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	var n int
	if err := p.pool.QueryRow(ctx, "SELECT 1").Scan(&n); err != nil {
		return fmt.Errorf("query error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unexpected result from SELECT 1")
	}
	return nil
}

func (p *PostgresBackend) Close(ctx context.Context) error {
	p.pool.Close()
	return nil
}

type postgresSet struct {
	pool       *pgxpool.Pool
	collection string
}

func (s *postgresSet) Add(ctx context.Context, member string) error {
	query := `INSERT INTO cellar_sets (collection, member) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := s.pool.Exec(ctx, query, s.collection, member); err != nil {
		return fmt.Errorf("failed to add %q to set %s: %w", member, s.collection, err)
	}
	return nil
}

func (s *postgresSet) Remove(ctx context.Context, member string) error {
	query := `DELETE FROM cellar_sets WHERE collection = $1 AND member = $2`
	if _, err := s.pool.Exec(ctx, query, s.collection, member); err != nil {
		return fmt.Errorf("failed to remove %q from set %s: %w", member, s.collection, err)
	}
	return nil
}

func (s *postgresSet) Contains(ctx context.Context, member string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM cellar_sets WHERE collection = $1 AND member = $2)`
	if err := s.pool.QueryRow(ctx, query, s.collection, member).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up %q in set %s: %w", member, s.collection, err)
	}
	return exists, nil
}

func (s *postgresSet) Members(ctx context.Context) ([]string, error) {
	query := `SELECT member FROM cellar_sets WHERE collection = $1 ORDER BY member`
	rows, err := s.pool.Query(ctx, query, s.collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list set %s: %w", s.collection, err)
	}

	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan set %s: %w", s.collection, err)
	}
	return members, nil
}

type postgresMap struct {
	pool       *pgxpool.Pool
	collection string
}

func (m *postgresMap) Put(ctx context.Context, field string, value string) error {
	query := `
INSERT INTO cellar_maps (collection, field, value) VALUES ($1, $2, $3)
ON CONFLICT (collection, field) DO UPDATE SET value = EXCLUDED.value`
	if _, err := m.pool.Exec(ctx, query, m.collection, field, value); err != nil {
		return fmt.Errorf("failed to put %q in map %s: %w", field, m.collection, err)
	}
	return nil
}

func (m *postgresMap) Get(ctx context.Context, field string) (string, bool, error) {
	var value string
	query := `SELECT value FROM cellar_maps WHERE collection = $1 AND field = $2`
	err := m.pool.QueryRow(ctx, query, m.collection, field).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %q from map %s: %w", field, m.collection, err)
	}
	return value, true, nil
}

func (m *postgresMap) Delete(ctx context.Context, field string) error {
	query := `DELETE FROM cellar_maps WHERE collection = $1 AND field = $2`
	if _, err := m.pool.Exec(ctx, query, m.collection, field); err != nil {
		return fmt.Errorf("failed to delete %q from map %s: %w", field, m.collection, err)
	}
	return nil
}

func (m *postgresMap) Entries(ctx context.Context) (map[string]string, error) {
	query := `SELECT field, value FROM cellar_maps WHERE collection = $1`
	rows, err := m.pool.Query(ctx, query, m.collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list map %s: %w", m.collection, err)
	}
	defer rows.Close()

	entries := map[string]string{}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("scan map %s row: %w", m.collection, err)
		}
		entries[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate map %s: %w", m.collection, err)
	}
	return entries, nil
}
