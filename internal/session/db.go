package session

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// OpenDB opens the session database with WAL mode and foreign keys
// enabled, creating the schema if it does not exist yet.
func OpenDB(path string) (*Store, error) {
	// The pragmas ride on the DSN so they apply to every connection in
	// the database/sql pool, not just the one a plain Exec would hit:
	// WAL for concurrent readers (sibling nodes update their own rows
	// while the parent reads), and a busy timeout to serialize writers
	// instead of failing fast on lock contention.
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{conn: conn, Path: path, alive: ProcessAlive}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Conn returns the underlying sql.DB for custom queries.
func (s *Store) Conn() *sql.DB {
	return s.conn
}
