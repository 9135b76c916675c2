package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"funnelbot/internal/identity"
	"funnelbot/internal/logging"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// SQLStore keeps identities in a single SQLite table.
type SQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	closed bool
}

// NewSQLStore opens (creating if needed) the SQLite database at path using the
// registered database/sql driver name ("sqlite" or "sqlite3").
func NewSQLStore(driver, path string) (*SQLStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "NewSQLStore")
	defer timer.Stop()

	logging.Store("Opening %s identity store at %s", driver, path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreWarn("%s failed: %v", pragma, err)
		}
	}

	s := &SQLStore{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initialize() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS identities (
		key TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, key string) (identity.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return identity.State{}, false, ErrClosed
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT state_json FROM identities WHERE key = ?", key).Scan(&raw)
	if err == sql.ErrNoRows {
		return identity.State{}, false, nil
	}
	if err != nil {
		return identity.State{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	state, err := identity.Unmarshal([]byte(raw))
	if err != nil {
		return identity.State{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	return state, true, nil
}

// Set implements Store.
func (s *SQLStore) Set(ctx context.Context, key string, state identity.State) error {
	b, err := identity.Marshal(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (key, state_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		key, string(b), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, prefix string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	query, args := "SELECT key, state_json FROM identities WHERE key >= ?", []any{prefix}
	if end, ok := prefixEnd(prefix); ok {
		query += " AND key < ?"
		args = append(args, end)
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY key", args...)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("list %q: %w", prefix, err)
		}
		state, err := identity.Unmarshal([]byte(raw))
		if err != nil {
			logging.StoreWarn("Skipping undecodable identity %s: %v", key, err)
			continue
		}
		out = append(out, Record{Key: key, State: state})
	}
	return out, rows.Err()
}

// prefixEnd returns the smallest string greater than every string starting with
// prefix, compared bytewise as SQLite's BINARY collation does. ok is false when
// no such bound exists.
func prefixEnd(prefix string) (end string, ok bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database location.
func (s *SQLStore) Path() string {
	return s.dbPath
}
