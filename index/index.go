// Package index defines the contract the sync engine expects from the
// external message index (spec.md §1: "out of scope, named by interface
// only") and ships a reference implementation, LevelIndex, backed by
// github.com/syndtr/goleveldb for use in tests and by the
// notmuch-sync-indextest helper.
package index

import mapset "github.com/deckarep/golang-set"

// Record is the message-index record observed by the core engine: a
// message-id, its tag set, and its non-empty set of store-root-relative
// file paths. A Record with an empty Paths set is a ghost message (e.g. a
// thread-parent stub) and is reported by Find as absent.
type Record struct {
	MessageID string
	Tags      mapset.Set // of string
	Paths     mapset.Set // of string
}

// Index is the contract the engine needs from the external message-index
// handle: message lookup by id, indexing/removing files, querying by
// lastmod window, per-message tag mutation, and the monotonic
// (revision, uuid) pair that anchors delta extraction.
type Index interface {
	// Find returns the record for id, or ok=false if the message does not
	// exist or is a ghost (no stored files).
	Find(id string) (rec Record, ok bool, err error)

	// IndexFile adds path, relative to Root() (the engine always passes a
	// root-relative path), to the index, creating or updating the message
	// it belongs to.
	IndexFile(path string) error

	// RemoveMessage removes path from the index; if it was the message's
	// last path, the message itself is removed.
	RemoveMessage(path string) error

	// Query returns every message whose lastmod revision falls in the
	// half-open-then-closed window (lo, hi], i.e. lo exclusive, hi
	// inclusive, except that wildcard=true requests every message
	// regardless of revision (used for the "no prior sync" case and for
	// phase-4 id enumeration).
	Query(lo, hi uint64, wildcard bool) ([]Record, error)

	// SetTags replaces a message's tag set wholesale (remove-all-current
	// then add-all-desired). Implementations should also best-effort
	// propagate the change to maildir flags and must not fail the sync
	// when that propagation fails.
	SetTags(id string, tags mapset.Set) error

	// AddTag and RemoveTag mutate a single tag, used by the deletion
	// phase's unsafe-delete deferral to bump a message's lastmod
	// revision via a throwaway tag add+remove.
	AddTag(id, tag string) error
	RemoveTag(id, tag string) error

	// Revision returns the current monotonic database revision together
	// with the store's UUID.
	Revision() (revision uint64, uuid string, err error)

	// Root returns the store root path; all Record.Paths are relative to
	// it.
	Root() string
}
