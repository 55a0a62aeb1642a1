// Package cloud defines the remote store every device synchronizes against
// and provides two implementations of it.
//
// The remote store keeps one table of records per resource ("orders",
// "customers", "menu_items", ...). Records carry an opaque JSON body plus the
// metadata sync needs: an update timestamp, an optional tombstone, and an
// optional secondary unique key (an order's business day and number).
//
// # Backends
//
//   - SQLite (NewSQLite): a shared database file acting as an embedded hub.
//     Realtime changes are delivered by polling a change log.
//   - Postgres (NewPostgres): a hosted database reached through pgx.
//     Realtime changes are delivered through LISTEN/NOTIFY.
//
// Both backends report a duplicate write as ErrConflict and a rejected
// credential as *AuthError so callers can classify outcomes without
// inspecting error text.
package cloud

import (
	"context"
	"encoding/json"
	"time"
)

// Well-known resources outside the catalog.
const (
	ResourceOrders    = "orders"
	ResourceCustomers = "customers"
)

// Record is one remote row.
type Record struct {
	ID        string          `json:"id"`
	UniqueKey string          `json:"unique_key,omitempty"`
	Body      json.RawMessage `json:"body"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
}

// ConflictKey selects how Upsert treats an existing row.
type ConflictKey int

const (
	// ConflictNone inserts only. An existing ID yields ErrConflict.
	ConflictNone ConflictKey = iota
	// ConflictID inserts or overwrites by ID.
	ConflictID

	// Under either key, a unique key held by a different ID yields ErrKeyTaken.
)

func (k ConflictKey) String() string {
	switch k {
	case ConflictNone:
		return "none"
	case ConflictID:
		return "id"
	default:
		return "unknown"
	}
}

// Filter selects rows for Delete.
type Filter struct {
	ID string
}

// ChangeKind describes a realtime change.
type ChangeKind string

const (
	ChangeUpsert ChangeKind = "upsert"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is delivered to subscribers after a row changes remotely.
// For deletes only Record.ID is set.
type ChangeEvent struct {
	Resource string
	Kind     ChangeKind
	Record   Record
}

// Client is the remote store contract consumed by the queue processor,
// the catalog engine and the daemon.
type Client interface {
	// Upsert writes rec under resource according to key.
	Upsert(ctx context.Context, resource string, rec Record, key ConflictKey) error

	// FetchAll returns every row of resource, tombstones included.
	FetchAll(ctx context.Context, resource string) ([]Record, error)

	// FetchSince returns rows with UpdatedAt >= since, oldest first.
	FetchSince(ctx context.Context, resource string, since time.Time) ([]Record, error)

	// MaxUpdatedAt returns the newest UpdatedAt of resource, or nil when empty.
	MaxUpdatedAt(ctx context.Context, resource string) (*time.Time, error)

	// Delete removes rows matching filter. No match is not an error.
	Delete(ctx context.Context, resource string, filter Filter) error

	// Subscribe streams changes to resource until ctx is done or the client
	// is closed, after which the channel is closed.
	Subscribe(ctx context.Context, resource string) (<-chan ChangeEvent, error)

	// Close releases connections and ends every subscription.
	Close() error
}
