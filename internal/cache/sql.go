package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	sqlCreateTable = `CREATE TABLE IF NOT EXISTS ocsp_cache (
	key   TEXT PRIMARY KEY,
	entry BYTEA NOT NULL
)`
	sqlSelect = `SELECT entry FROM ocsp_cache WHERE key = $1`
	sqlUpsert = `INSERT INTO ocsp_cache (key, entry) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET entry = EXCLUDED.entry`
)

// SQLStore is a Store on a PostgreSQL table shared by several fetchers.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLStore connects to PostgreSQL and creates the cache table.
func OpenSQLStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the cache table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqlCreateTable); err != nil {
		return fmt.Errorf("failed to create cache table: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, sqlSelect, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sql get: %w", err)
	}
	return value, nil
}

// Put implements Store. The ttl is not enforced.
func (s *SQLStore) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if _, err := s.db.ExecContext(ctx, sqlUpsert, key, value); err != nil {
		return fmt.Errorf("sql put: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
