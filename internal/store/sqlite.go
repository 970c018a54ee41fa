package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every table as rows of a single records table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given path.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers so Mutate never sees SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Initialize creates the schema and registers the reserved and named tables.
func (s *SQLiteStore) Initialize(tables ...string) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tables (
		name TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS records (
		tbl TEXT NOT NULL,
		key TEXT NOT NULL,
		data BLOB NOT NULL,
		PRIMARY KEY (tbl, key)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	for _, name := range reservedTables(tables) {
		if _, err := s.db.Exec("INSERT OR IGNORE INTO tables (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("failed to register table %s: %w", name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkTable(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, table string) error {
	var name string
	err := q.QueryRowContext(ctx, "SELECT name FROM tables WHERE name = ?", table).Scan(&name)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return err
}

// Get returns the row, or nil if absent.
func (s *SQLiteStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	if err := s.checkTable(ctx, s.db, table); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM records WHERE tbl = ? AND key = ?", table, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return data, err
}

// Put stores the row.
func (s *SQLiteStore) Put(ctx context.Context, table, key string, data []byte) error {
	if err := s.checkTable(ctx, s.db, table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO records (tbl, key, data) VALUES (?, ?, ?) ON CONFLICT(tbl, key) DO UPDATE SET data = excluded.data",
		table, key, data,
	)
	return err
}

// Delete removes the row.
func (s *SQLiteStore) Delete(ctx context.Context, table, key string) error {
	if err := s.checkTable(ctx, s.db, table); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM records WHERE tbl = ? AND key = ?", table, key)
	return err
}

// Mutate runs fn inside a transaction.
func (s *SQLiteStore) Mutate(ctx context.Context, table, key string, fn MutateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.checkTable(ctx, tx, table); err != nil {
		return err
	}

	var current []byte
	err = tx.QueryRowContext(ctx, "SELECT data FROM records WHERE tbl = ? AND key = ?", table, key).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO records (tbl, key, data) VALUES (?, ?, ?) ON CONFLICT(tbl, key) DO UPDATE SET data = excluded.data",
		table, key, next,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// ForEach visits every row of the table in key order.
func (s *SQLiteStore) ForEach(ctx context.Context, table string, fn func(key string, data []byte) error) error {
	if err := s.checkTable(ctx, s.db, table); err != nil {
		return err
	}

	// Rows are collected first; the single connection is held by an open cursor.
	type row struct {
		key  string
		data []byte
	}
	rows, err := s.db.QueryContext(ctx, "SELECT key, data FROM records WHERE tbl = ? ORDER BY key", table)
	if err != nil {
		return err
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.key, &r.data); err != nil {
			rows.Close()
			return err
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, r := range all {
		if err := fn(r.key, r.data); err != nil {
			return err
		}
	}
	return nil
}
