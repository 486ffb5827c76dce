// Package store caches immutable gateway payloads for the life of one
// process. Nothing is written to disk.
package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// Store is an in-memory payload cache keyed by kind and transaction id
type Store struct {
	db *sql.DB
}

// New opens a private in-memory database
func New() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// each connection to :memory: is its own database
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database and everything cached in it
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the cached payload, ok is false on a miss
func (s *Store) Get(kind, id string) ([]byte, bool, error) {
	var payload []byte
	err := s.db.QueryRow(
		"SELECT payload FROM payloads WHERE kind = ? AND id = ?",
		kind, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get payload: %w", err)
	}
	return payload, true, nil
}

// Put stores a payload. Payloads are immutable, so an existing entry is kept.
func (s *Store) Put(kind, id string, payload []byte) error {
	_, err := s.db.Exec(
		"INSERT OR IGNORE INTO payloads (kind, id, payload, created_at) VALUES (?, ?, ?, ?)",
		kind, id, payload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert payload: %w", err)
	}
	return nil
}

// Len counts cached payloads
func (s *Store) Len() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM payloads").Scan(&n); err != nil {
		return 0, fmt.Errorf("count payloads: %w", err)
	}
	return n, nil
}

// Purge drops entries cached before the cutoff and returns how many went
func (s *Store) Purge(before time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM payloads WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge payloads: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge payloads: %w", err)
	}
	return n, nil
}
