package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	dbFile   = "fitsync.db"
	lockFile = "fitsync.lock"

	// lockTimeout bounds how long a write waits for another process.
	lockTimeout = 500 * time.Millisecond
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);`

// SQLite is a Store backed by a single SQLite database file. Writes from
// separate processes sharing the same directory are serialized by an OS file
// lock.
type SQLite struct {
	conn   *sql.DB
	locker *writeLocker
}

// OpenSQLite opens (creating if needed) the blob database under dir.
func OpenSQLite(dir string) (*SQLite, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	conn, err := sql.Open("sqlite", filepath.Join(dir, dbFile))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL keeps readers unblocked while a full-state snapshot is written.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{
		conn:   conn,
		locker: newWriteLocker(filepath.Join(dir, lockFile)),
	}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

func (s *SQLite) ReadBlob(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM blobs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read blob %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) WriteBlob(ctx context.Context, key, value string) error {
	return s.withWriteLock(func() error {
		_, err := s.conn.ExecContext(ctx,
			`INSERT INTO blobs (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value)
		if err != nil {
			return fmt.Errorf("write blob %s: %w", key, err)
		}
		return nil
	})
}

func (s *SQLite) RemoveBlob(ctx context.Context, key string) error {
	return s.RemoveBlobs(ctx, []string{key})
}

func (s *SQLite) RemoveBlobs(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.withWriteLock(func() error {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
		args := make([]any, len(keys))
		for i, k := range keys {
			args[i] = k
		}
		if _, err := s.conn.ExecContext(ctx, `DELETE FROM blobs WHERE key IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("remove blobs: %w", err)
		}
		return nil
	})
}

func (s *SQLite) withWriteLock(fn func() error) error {
	if err := s.locker.acquire(lockTimeout); err != nil {
		return err
	}
	defer s.locker.release()
	return fn()
}
