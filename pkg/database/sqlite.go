package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the directory in a single SQLite file. Rewrites run
// in one transaction so a crash leaves either the old or the new collection.
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// applies pending migrations
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %w", ErrDirectoryIO, err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %w", ErrDirectoryIO, err)
	}

	// The Directory lock already serializes every call, so one connection
	// is enough and keeps the pragmas below bound to it.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		// Every mutation must be durable before it returns
		"PRAGMA synchronous = FULL",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrDirectoryIO, p, err)
		}
	}

	if err := runMigrations(conn, path); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %w", ErrDirectoryIO, err)
	}

	return &SQLiteStore{conn: conn}, nil
}

// Load implements Store
func (s *SQLiteStore) Load() ([]string, []PendingMessage, error) {
	rows, err := s.conn.Query("SELECT name FROM handle ORDER BY seq")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load handles: %w", ErrDirectoryIO, err)
	}
	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("%w: scan handle: %w", ErrDirectoryIO, err)
		}
		if len(h) > maxStoredHandleLength || !handlePattern.MatchString(h) {
			rows.Close()
			return nil, nil, fmt.Errorf("%w: handle table: invalid handle %q", ErrCorruptRecord, h)
		}
		handles = append(handles, h)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load handles: %w", ErrDirectoryIO, err)
	}

	rows, err = s.conn.Query("SELECT seq, sender, recipient, body FROM pending_message ORDER BY seq")
	if err != nil {
		return nil, nil, fmt.Errorf("%w: load pending messages: %w", ErrDirectoryIO, err)
	}
	defer rows.Close()

	var pending []PendingMessage
	for rows.Next() {
		var seq int64
		var m PendingMessage
		if err := rows.Scan(&seq, &m.Sender, &m.Recipient, &m.Body); err != nil {
			return nil, nil, fmt.Errorf("%w: scan pending message: %w", ErrDirectoryIO, err)
		}
		if !handlePattern.MatchString(m.Sender) || !handlePattern.MatchString(m.Recipient) {
			return nil, nil, fmt.Errorf("%w: pending_message row %d: invalid handle", ErrCorruptRecord, seq)
		}
		pending = append(pending, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: load pending messages: %w", ErrDirectoryIO, err)
	}

	return handles, pending, nil
}

// AppendHandle implements Store
func (s *SQLiteStore) AppendHandle(h string) error {
	if _, err := s.conn.Exec("INSERT INTO handle (name) VALUES (?)", h); err != nil {
		return fmt.Errorf("%w: insert handle: %w", ErrDirectoryIO, err)
	}
	return nil
}

// AppendPending implements Store
func (s *SQLiteStore) AppendPending(m PendingMessage) error {
	_, err := s.conn.Exec(
		"INSERT INTO pending_message (sender, recipient, body) VALUES (?, ?, ?)",
		m.Sender, m.Recipient, m.Body,
	)
	if err != nil {
		return fmt.Errorf("%w: insert pending message: %w", ErrDirectoryIO, err)
	}
	return nil
}

// RewriteHandles implements Store
func (s *SQLiteStore) RewriteHandles(handles []string) error {
	return s.rewrite("handle", "INSERT INTO handle (name) VALUES (?)", len(handles), func(stmt *sql.Stmt, i int) error {
		_, err := stmt.Exec(handles[i])
		return err
	})
}

// RewritePending implements Store
func (s *SQLiteStore) RewritePending(pending []PendingMessage) error {
	return s.rewrite("pending_message", "INSERT INTO pending_message (sender, recipient, body) VALUES (?, ?, ?)", len(pending), func(stmt *sql.Stmt, i int) error {
		m := pending[i]
		_, err := stmt.Exec(m.Sender, m.Recipient, m.Body)
		return err
	})
}

// rewrite replaces every row of table inside one transaction
func (s *SQLiteStore) rewrite(table, insert string, n int, exec func(stmt *sql.Stmt, i int) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin rewrite of %s: %w", ErrDirectoryIO, table, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM " + table); err != nil {
		return fmt.Errorf("%w: clear %s: %w", ErrDirectoryIO, table, err)
	}

	stmt, err := tx.Prepare(insert)
	if err != nil {
		return fmt.Errorf("%w: prepare %s insert: %w", ErrDirectoryIO, table, err)
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if err := exec(stmt, i); err != nil {
			return fmt.Errorf("%w: insert into %s: %w", ErrDirectoryIO, table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit rewrite of %s: %w", ErrDirectoryIO, table, err)
	}
	return nil
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
