package store

import "errors"

// ErrNotFound is returned when a requested entry does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store is the durable storage consumed by the state cache and the
// management surface.
type Store interface {
	// Entity state bags: a flat mapping from entity identity to its
	// last-known attribute bag.
	SaveState(bags map[string]map[string]any) error
	LoadState() (map[string]map[string]any, error)
	DeleteState(id string) error

	// Operator-assigned aliases, keyed by entity identity.
	SetAlias(id, alias string) error
	Alias(id string) (string, error)
	Aliases() (map[string]string, error)
	DeleteAlias(id string) error

	// Block-list of device identities refused on join.
	AddBlock(id string) error
	RemoveBlock(id string) error
	Blocklist() ([]string, error)
	IsBlocked(id string) (bool, error)

	Close() error
}
