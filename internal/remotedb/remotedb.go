// Package remotedb is the server-side table store: every collection lives in
// one SQLite table keyed by (collection, id) with the row as a JSON document.
package remotedb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus/fitsync/internal/remote"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	data       TEXT NOT NULL,
	revision   INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_records_collection ON records(collection, seq);
`

// DB implements remote.Store over SQLite.
type DB struct {
	conn *sql.DB
}

var _ remote.Store = (*DB)(nil)

// Open opens (creating if needed) the database file at path.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	db, err := New(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// New wraps an already-open connection and ensures the schema exists.
func New(conn *sql.DB) (*DB, error) {
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Ping checks the database connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// Insert stores record. A record whose id already exists in the collection
// is left unchanged and the stored row is returned, so retried creates are
// harmless.
func (db *DB) Insert(ctx context.Context, collection string, record remote.Record) (remote.Record, error) {
	row := record.Clone()
	id := row.ID()
	if id == "" {
		id = uuid.NewString()
		row["id"] = id
	}
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}

	res, err := db.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO records (collection, id, data) VALUES (?, ?, ?)`,
		collection, id, string(data))
	if err != nil {
		return nil, fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := db.get(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		return existing, nil
	}
	return row, nil
}

// Update merges patch into the stored row. The id field is never rewritten.
func (db *DB) Update(ctx context.Context, collection, id string, patch remote.Record) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s/%s: %w", collection, id, remote.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", collection, id, err)
	}

	var row remote.Record
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		row[k] = v
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET data = ?, revision = revision + 1, updated_at = CURRENT_TIMESTAMP
		 WHERE collection = ? AND id = ?`, string(data), collection, id); err != nil {
		return fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	return tx.Commit()
}

// Delete removes a row. Deleting a missing row is not an error.
func (db *DB) Delete(ctx context.Context, collection, id string) error {
	if _, err := db.conn.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// SelectWhere returns rows matching filter in insertion order. A limit of
// zero or less means no limit.
func (db *DB) SelectWhere(ctx context.Context, collection string, filter remote.Filter, limit int) ([]remote.Record, error) {
	// An id condition can use the unique index directly.
	if id, ok := filter["id"]; ok {
		row, err := db.get(ctx, collection, remote.IDOf(id))
		if errors.Is(err, remote.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !filter.Matches(row) {
			return nil, nil
		}
		return []remote.Record{row}, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT data FROM records WHERE collection = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", collection, err)
	}
	defer rows.Close()

	var out []remote.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var row remote.Record
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("decode %s row: %w", collection, err)
		}
		if !filter.Matches(row) {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// Count returns the number of rows in a collection.
func (db *DB) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`, collection).Scan(&n)
	return n, err
}

// Revision returns how many times a row has been written.
func (db *DB) Revision(ctx context.Context, collection, id string) (int, error) {
	var rev int
	err := db.conn.QueryRowContext(ctx,
		`SELECT revision FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, remote.ErrNotFound
	}
	return rev, err
}

func (db *DB) get(ctx context.Context, collection, id string) (remote.Record, error) {
	var raw string
	err := db.conn.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, remote.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", collection, id, err)
	}
	var row remote.Record
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
	}
	return row, nil
}
