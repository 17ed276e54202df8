package cache

import (
	"context"
	"database/sql"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key           TEXT PRIMARY KEY,
	value         BLOB NOT NULL,
	expires_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries (expires_at_ms);
`

// SQLite is the persisted cache variant. The layout is one row per key:
// (key, serialized value, absolute expiry in epoch milliseconds). A missing
// or corrupt store is treated as a cold empty cache, never a fatal error.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewSQLite opens (or creates) the cache database at path. If the existing
// file cannot be opened or migrated it is removed and recreated cold.
func NewSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("sqlite_cache")

	db, err := openAndMigrate(path)
	if err != nil {
		// Corrupt store: start cold rather than failing the layer.
		logger.Warn("cache store unusable, recreating cold",
			zap.String("path", path),
			zap.Error(err),
		)
		if db != nil {
			db.Close()
		}
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, rmErr
		}
		db, err = openAndMigrate(path)
		if err != nil {
			return nil, err
		}
	}

	return &SQLite{db: db, logger: logger}, nil
}

func openAndMigrate(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return db, err
	}
	return db, nil
}

func (c *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAtMs int64

	row := c.db.QueryRowContext(ctx,
		`SELECT value, expires_at_ms FROM cache_entries WHERE key = ?`, key)
	if err := row.Scan(&value, &expiresAtMs); err != nil {
		if err == sql.ErrNoRows {
			c.misses.Add(1)
			return nil, false, nil
		}
		// Unreadable row: self-heal by dropping it and reporting a miss.
		c.logger.Warn("dropping unreadable cache row", zap.String("key", key), zap.Error(err))
		_, _ = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		c.misses.Add(1)
		return nil, false, nil
	}

	if time.Now().UnixMilli() >= expiresAtMs {
		_, _ = c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		c.misses.Add(1)
		return nil, false, nil
	}

	c.hits.Add(1)
	return value, true, nil
}

func (c *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAtMs := time.Now().Add(ttl).UnixMilli()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at_ms = excluded.expires_at_ms`,
		key, value, expiresAtMs)
	return err
}

func (c *SQLite) Invalidate(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return err
		}
	}
	return nil
}

// Stats iterates the full table to split live from expired entries.
func (c *SQLite) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}

	rows, err := c.db.QueryContext(ctx, `SELECT expires_at_ms FROM cache_entries`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	nowMs := time.Now().UnixMilli()
	for rows.Next() {
		var expiresAtMs int64
		if err := rows.Scan(&expiresAtMs); err != nil {
			continue
		}
		if nowMs >= expiresAtMs {
			stats.Expired++
		} else {
			stats.Entries++
		}
	}
	return stats, rows.Err()
}

func (c *SQLite) Close() error {
	return c.db.Close()
}
