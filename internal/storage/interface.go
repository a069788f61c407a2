// Package storage persists user position buckets in a single JSON document.
//
// The file is the source of truth: every operation re-reads it, applies the
// mutation in memory, writes a temporary file and atomically renames it over
// the destination. A corrupt or missing file is treated as an empty store so
// a bad write can never take the bot down.
package storage

import "github.com/premiumpilot/bot/internal/models"

// Interface defines the contract for position persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe. The provided JSONStorage implementation uses a
// mutex to serialize the read-modify-write cycle against the backing file.
type Interface interface {
	// Add validates and appends a new open position, returning its allocated ID.
	Add(userID string, kind models.PositionKind, pos models.Position) (int, error)
	// Remove deletes an open position by ID without archiving it.
	// Returns false when the ID is not found.
	Remove(userID string, id int) (bool, error)
	// Edit applies a partial update to an open position by ID.
	// Returns false when the ID is not found.
	Edit(userID string, id int, patch models.PositionPatch) (bool, error)
	// Close archives an open position, computing profit percentage when a
	// buy-to-close price is supplied. Returns nil when the ID is not found.
	Close(userID string, id int, btcPrice *float64) (*models.ClosedPosition, error)
	// Find returns a copy of an open position by ID, or nil.
	Find(userID string, id int) (*models.Position, models.PositionKind)

	ListOpen(userID string, kind models.PositionKind) []models.Position
	ListClosed(userID string, limit int) []models.ClosedPosition

	// Users returns every user ID present in the store.
	Users() []string
	// Snapshot returns a deep copy of the whole document for report builders
	// and the subscription reconciler.
	Snapshot() map[string]Bucket

	// OnChange registers a hook invoked after every successful mutation.
	// The stream client uses it to request a subscription refresh; the hook
	// must be non-blocking.
	OnChange(fn func())
}

// NewStorage creates the default JSON-file-backed implementation.
func NewStorage(filepath string) Interface {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface.
var _ Interface = (*JSONStorage)(nil)
