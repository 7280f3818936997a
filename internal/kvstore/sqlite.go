package kvstore

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// entriesSchema holds one row per key. Deadlines are unix nanoseconds so that
// expiry comparisons stay in SQL.
const entriesSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	entry_key TEXT PRIMARY KEY NOT NULL,
	value BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_kv_entries_expires_at ON kv_entries(expires_at);
`

// SQLiteStore is a Store persisted in a SQLite database, so job state survives
// restarts of the worker process.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	path      string
	cfg       settings
	reaper    *reaper
	closeOnce sync.Once
	closeErr  error
}

// NewSQLiteStore opens (creating if needed) the database at dbPath and starts its reaper.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	cfg := defaultSettings()
	for _, opt := range opts {
		opt(&cfg)
	}
	if dbPath == "" {
		dbPath = "./shelfmatch.db"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	// A single connection serializes writers and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		closeErr := db.Close()
		return nil, errors.Join(fmt.Errorf("failed to connect to store database: %w", err), closeErr)
	}

	if _, err := db.Exec(entriesSchema); err != nil {
		closeErr := db.Close()
		return nil, errors.Join(fmt.Errorf("failed to create store table: %w", err), closeErr)
	}

	s := &SQLiteStore{
		db:   db,
		path: dbPath,
		cfg:  cfg,
	}
	s.reaper = startReaper(cfg.reapInterval, func() {
		n, err := s.Sweep()
		if err != nil {
			slog.Warn("Failed to reap expired store entries", "backend", BackendSQLite, "database", s.path, "error", err)
			return
		}
		if n > 0 {
			slog.Debug("Reaped expired store entries", "backend", BackendSQLite, "database", s.path, "count", n)
		}
	})
	return s, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin store write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM kv_entries WHERE entry_key = ?`, key); err != nil {
		return fmt.Errorf("failed to remove previous entry: %w", err)
	}
	expiresAt := s.cfg.now().Add(s.cfg.ttl).UnixNano()
	if _, err := tx.Exec(`INSERT INTO kv_entries (entry_key, value, expires_at) VALUES (?, ?, ?)`, key, value, expiresAt); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit store write: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRow(
		`SELECT value FROM kv_entries WHERE entry_key = ? AND expires_at > ?`,
		key, s.cfg.now().UnixNano(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query store: %w", err)
	}
	return value, true, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin store delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		value     []byte
		expiresAt int64
	)
	err = tx.QueryRow(`SELECT value, expires_at FROM kv_entries WHERE entry_key = ?`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query store: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM kv_entries WHERE entry_key = ?`, key); err != nil {
		return nil, false, fmt.Errorf("failed to delete entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit store delete: %w", err)
	}

	if expiresAt <= s.cfg.now().UnixNano() {
		return nil, false, nil
	}
	return value, true, nil
}

// Sweep implements Store.
func (s *SQLiteStore) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM kv_entries WHERE expires_at <= ?`, s.cfg.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired entries: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(rows), nil
}

// Close stops the reaper and closes the database. It is safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.closeOnce.Do(func() {
		s.reaper.shutdown()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}
