package kv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLite is a Store backed by a single blob table in a SQLite database,
// WAL-mode per the teacher's store_init.go DSN convention.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite-backed Store at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &Error{Class: ClassPermanent, Op: "sqlite.Open", Err: err}
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(2 * time.Hour)

	const schema = `
	CREATE TABLE IF NOT EXISTS kv_blobs (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, &Error{Class: ClassPermanent, Op: "sqlite.Open", Err: err}
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database connection pool.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_blobs WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &Error{Class: ClassTransient, Op: "sqlite.Get", Err: err}
	}
	return value, true, nil
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_blobs(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return &Error{Class: ClassTransient, Op: "sqlite.Put", Err: err}
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_blobs WHERE key = ?`, key); err != nil {
		return &Error{Class: ClassTransient, Op: "sqlite.Delete", Err: err}
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, prefix string, maxKeys int, cursor string) ([]string, string, error) {
	likePrefix := escapeLike(prefix) + "%"
	query := `SELECT key FROM kv_blobs WHERE key LIKE ? ESCAPE '\' AND key > ? ORDER BY key`
	args := []any{likePrefix, cursor}
	if maxKeys > 0 {
		query += ` LIMIT ?`
		args = append(args, maxKeys+1)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", &Error{Class: ClassTransient, Op: "sqlite.List", Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, "", &Error{Class: ClassTransient, Op: "sqlite.List", Err: err}
		}
		keys = append(keys, k)
	}

	next := ""
	if maxKeys > 0 && len(keys) > maxKeys {
		next = keys[maxKeys-1]
		keys = keys[:maxKeys]
	}
	return keys, next, nil
}

func (s *SQLite) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	return BatchBySizingPolicy(ctx, keys, s.Get, s.scan)
}

func (s *SQLite) scan(ctx context.Context, keys []string) (map[string][]byte, error) {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv_blobs`)
	if err != nil {
		return nil, &Error{Class: ClassTransient, Op: "sqlite.scan", Err: err}
	}
	defer rows.Close()

	results := make(map[string][]byte, len(keys))
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, &Error{Class: ClassTransient, Op: "sqlite.scan", Err: err}
		}
		if _, ok := want[k]; ok {
			results[k] = v
		}
	}
	return results, nil
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
