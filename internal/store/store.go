// Package store persists browsing identities between session runs.
//
// The store is a plain key-value map from session ID to identity.State. There are
// no transactions: two runs that pick the same session ID race and the last write
// wins.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"funnelbot/internal/identity"
)

// Driver names accepted by Open.
const (
	DriverSQLite  = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3 = "sqlite3" // github.com/mattn/go-sqlite3, needs cgo
	DriverMemory  = "memory"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is the identity persistence collaborator.
type Store interface {
	// Get returns the saved state for key. ok is false when nothing is saved.
	Get(ctx context.Context, key string) (state identity.State, ok bool, err error)
	// Set replaces the saved state for key.
	Set(ctx context.Context, key string, state identity.State) error
	// List returns every saved record whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Record, error)
	Close() error
}

// Record is one saved identity.
type Record struct {
	Key   string         `json:"key"`
	State identity.State `json:"state"`
}

// Open returns the store for driver. path is ignored by the memory driver.
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", DriverSQLite:
		return NewSQLStore(DriverSQLite, path)
	case DriverSQLite3:
		return NewSQLStore(DriverSQLite3, path)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}
