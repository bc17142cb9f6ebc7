package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_stores (
    name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cache_entries (
    store TEXT NOT NULL,
    method TEXT NOT NULL,
    url TEXT NOT NULL,
    status INTEGER NOT NULL,
    header BLOB NOT NULL,
    body BLOB NOT NULL,
    stored_at INTEGER NOT NULL,
    PRIMARY KEY (store, method, url)
);
`

const upsertEntrySQL = `
INSERT INTO cache_entries (store, method, url, status, header, body, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (store, method, url) DO UPDATE SET
    status = excluded.status,
    header = excluded.header,
    body = excluded.body,
    stored_at = excluded.stored_at`

// SQLiteStorage implements Storage on a SQLite database.
// Every write runs in a transaction, which gives per-key and batch atomicity.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLiteStorage opens (or creates) a SQLite database at path.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Open returns the named store, inserting its row if needed.
func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("store name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_stores (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create store %s: %w", name, err)
	}
	return &sqliteCache{db: s.db, name: name}, nil
}

// Has reports whether the named store row exists.
func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM cache_stores WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup store %s: %w", name, err)
	}
	return true, nil
}

// Keys returns the store names, sorted.
func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan store name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete removes the named store and its entries in one transaction.
func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE store = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_stores WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete store %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

type sqliteCache struct {
	db   *sql.DB
	name string
}

// Name returns the store name.
func (c *sqliteCache) Name() string { return c.name }

// Match returns the entry stored under key, or nil.
func (c *sqliteCache) Match(ctx context.Context, key Key) (*Entry, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt int64
	)
	err := c.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE store = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL,
	).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("match %s: %w", key, err)
	}

	var h http.Header
	if err := msgpack.Unmarshal(header, &h); err != nil {
		return nil, fmt.Errorf("decode header of %s: %w", key, err)
	}
	if body == nil {
		body = []byte{}
	}
	return &Entry{
		Key:      key,
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}, nil
}

func (c *sqliteCache) put(ctx context.Context, tx *sql.Tx, e *Entry) error {
	header, err := msgpack.Marshal(e.Header)
	if err != nil {
		return fmt.Errorf("encode header of %s: %w", e.Key, err)
	}
	body := e.Body
	if body == nil {
		body = []byte{}
	}
	if _, err := tx.ExecContext(ctx, upsertEntrySQL,
		c.name, e.Key.Method, e.Key.URL, e.Status, header, body, e.StoredAt.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("put %s: %w", e.Key, err)
	}
	return nil
}

// Put stores entry, replacing any previous entry for its key.
func (c *sqliteCache) Put(ctx context.Context, entry *Entry) error {
	return c.PutAll(ctx, []*Entry{entry})
}

// PutAll stores entries in one transaction. The store row is checked in the
// same transaction so a deleted store never gets orphan entries.
func (c *sqliteCache) PutAll(ctx context.Context, entries []*Entry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM cache_stores WHERE name = ?`, c.name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStoreDeleted
	}
	if err != nil {
		return fmt.Errorf("lookup store %s: %w", c.name, err)
	}

	for _, e := range entries {
		if err := c.put(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes the entry stored under key.
func (c *sqliteCache) Delete(ctx context.Context, key Key) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE store = ? AND method = ? AND url = ?`,
		c.name, key.Method, key.URL)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys returns the keys of the store ordered by URL.
func (c *sqliteCache) Keys(ctx context.Context) ([]Key, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT method, url FROM cache_entries WHERE store = ? ORDER BY url, method`, c.name)
	if err != nil {
		return nil, fmt.Errorf("list keys of %s: %w", c.name, err)
	}
	defer rows.Close()

	keys := []Key{}
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.Method, &k.URL); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
