package etag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	cachekey "github.com/always-cache/assetcache/pkg/cache-key"

	_ "github.com/glebarez/go-sqlite"
)

// MemoryDSN is a shared in-memory SQLite database.
const MemoryDSN = "file::memory:?cache=shared"

type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens the database with the given DSN.
// If the DSN is empty, a shared in-memory db is opened.
// Any entries left over from a previous process are dropped on open.
func NewSQLiteStore(dsn string) (SQLiteStore, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return SQLiteStore{}, fmt.Errorf("open sqlite: %w", err)
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS etags (
			key TEXT PRIMARY KEY,
			cdn_base TEXT NOT NULL,
			etag TEXT NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS cdn_base_idx ON etags (cdn_base)",
		"DELETE FROM etags",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStore{}, fmt.Errorf("init sqlite: %w", err)
		}
	}
	return SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStore) Get(ctx context.Context, key cachekey.Key) (string, bool, error) {
	var tag string
	err := s.db.QueryRowContext(ctx, "SELECT etag FROM etags WHERE key = ?", key.String()).Scan(&tag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return tag, true, nil
}

func (s SQLiteStore) Put(ctx context.Context, key cachekey.Key, etag string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO etags (key, cdn_base, etag) VALUES (?, ?, ?)",
		key.String(), key.CDNBase, etag)
	return err
}

func (s SQLiteStore) Purge(ctx context.Context, cdnBase string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM etags WHERE cdn_base = ?", cdnBase)
	return err
}

func (s SQLiteStore) Close() error {
	return s.db.Close()
}
