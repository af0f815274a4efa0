// Package repository implements the local catalog store: downloads, queue,
// per-user ownership, and channel exclusions, backed by the SQLite catalog.
//
// The store is the single source of truth for queue ordering. All mutations
// serialize through one writer mutex; readers go straight to the database and
// observe committed state (WAL). The pending→downloading claim and the
// downloading→terminal transitions are the linearization points that enforce
// "at most one concurrent fetch per video".
package repository

import (
	"context"
	"sync"

	"github.com/vidarr/vidarr/internal/database"
)

// Store is the catalog store. Create with New.
type Store struct {
	db *database.DB

	// writeMu serializes every logical mutation. SQLite WAL already allows
	// only one writer; the mutex keeps read-modify-write sequences (claims,
	// merges) atomic at the application level as well.
	writeMu sync.Mutex
}

// New creates a Store over an opened catalog database.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

// Init creates or upgrades the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	return s.db.Migrate(nil)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the catalog connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Ensure Store implements Catalog at compile time.
var _ Catalog = (*Store)(nil)
