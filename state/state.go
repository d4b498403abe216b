// Package state persists the per-peer SyncState file: the last-synced
// revision and store UUID, at <root>/.notmuch/notmuch-sync-<peer_uuid>
// (spec.md §3).
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SyncState is the persisted pair of spec.md §3: the last local revision
// synced with a peer, and the local store's UUID at the time.
type SyncState struct {
	Revision uint64
	UUID     string
}

// UUIDMismatchError is returned when a persisted sync-state file's UUID no
// longer matches the local database's UUID -- the database was replaced.
type UUIDMismatchError struct {
	Stored, Current string
}

func (e *UUIDMismatchError) Error() string {
	return fmt.Sprintf("last sync with UUID %s, but local DB has UUID %s, aborting", e.Stored, e.Current)
}

// RevisionRegressionError is returned when a persisted sync-state file's
// revision exceeds the database's current revision -- the database looks
// older than what we last synced, i.e. corrupted or restored from backup.
type RevisionRegressionError struct {
	Stored, Current uint64
}

func (e *RevisionRegressionError) Error() string {
	return fmt.Sprintf("last sync revision %d larger than current DB revision %d, aborting", e.Stored, e.Current)
}

// CorruptError is returned when a sync-state file exists but cannot be
// parsed.
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("sync state file %q corrupted (%s), delete it to sync from scratch", e.Path, e.Reason)
}

// Path computes the peer-specific sync-state file path for root and a peer
// UUID: <root>/.notmuch/notmuch-sync-<peer_uuid>.
func Path(root, peerUUID string) string {
	return filepath.Join(root, ".notmuch", "notmuch-sync-"+peerUUID)
}

// Load reads and parses the sync-state file at path. ok is false (with a
// nil error) if the file does not exist, signalling a first-ever sync.
func Load(path string) (SyncState, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, errors.Wrapf(err, "reading sync state %s", path)
	}

	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return SyncState{}, false, &CorruptError{Path: path, Reason: "expected \"<revision> <uuid>\""}
	}
	rev, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return SyncState{}, false, &CorruptError{Path: path, Reason: "revision is not a number"}
	}
	return SyncState{Revision: rev, UUID: fields[1]}, true, nil
}

// Save writes st to path, creating parent directories as needed. Per
// spec.md §9's open question on atomicity, this is a direct (non-atomic)
// write, the same as the source it was ported from; callers that need a
// stronger guarantee can wrap Save with a temp-file-then-rename themselves.
func Save(path string, st SyncState) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for sync state %s", path)
	}
	content := fmt.Sprintf("%d %s", st.Revision, st.UUID)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return errors.Wrapf(err, "writing sync state %s", path)
	}
	return nil
}
