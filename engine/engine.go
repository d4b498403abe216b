// Package engine implements the peer-to-peer sync protocol engine of
// spec.md §2: the phase-sequential handshake, tag merge, file
// reconciliation, body transfer, deletion propagation, and auxiliary
// mbsync file sync, plus the tail stats exchange.
package engine

import (
	"github.com/kothoff/notmuch-sync/changeset"
	"github.com/kothoff/notmuch-sync/index"
	"github.com/kothoff/notmuch-sync/logging"
	"github.com/kothoff/notmuch-sync/state"
	"github.com/kothoff/notmuch-sync/wire"
)

// Role determines exchange ordering at every step (spec.md §2): the
// initiator writes first then reads; the responder reads first then
// writes. Phase 4's id exchange is the exception: there the responder
// sends its id list first.
type Role bool

const (
	Initiator Role = true
	Responder Role = false
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Options configures the optional phases (spec.md §6). Phase 2's
// move-vs-copy tie-break is not configured here; it follows the Role.
type Options struct {
	Delete        bool
	DeleteNoCheck bool
	Mbsync        bool
}

// Stats mirrors the six tail counters exchanged in spec.md §4.9, in their
// documented order.
type Stats struct {
	TagChanges      uint32
	FileMovesCopies uint32
	FileDeletes     uint32
	NewMessages     uint32
	MessageDeletes  uint32
	NewFiles        uint32
}

// session carries the per-sync state threaded through the phase functions,
// grounded on the teacher's pattern of a single long-lived struct
// (ProtocolManager) passed by reference to phase helpers; here it is
// exclusively owned by one call to Run (spec.md §9: "no cyclic references
// or shared ownership required").
type session struct {
	stream *wire.Stream
	idx    index.Index
	role   Role
	opts   Options

	statePath string
	current   state.SyncState

	changesMine   changeset.ChangeSet
	changesTheirs changeset.ChangeSet

	// renamedFrom records, for this session only, every source path moved
	// away during phase 2 (old path -> new path). Phase 3 may still be
	// asked by the peer to send content from the old path, since the two
	// sides classify move/copy/true-missing independently; sendFiles
	// consults this to find the content's current location.
	renamedFrom map[string]string

	stats Stats
}

// Run drives one full sync: phases 1-5 (4 and 5 conditionally) followed by
// the tail stats exchange, per spec.md §2 and §4.9. Any phase error is
// fatal; the tail stats block is still attempted (responder side emits
// unconditionally; initiator side still tries to read it) before the
// original error is returned, so neither peer deadlocks. Run always returns
// this side's own counters: the initiator logs the remote side's tally from
// the tail exchange at debug level, and does not replace the local tally
// with it.
func Run(stream *wire.Stream, idx index.Index, role Role, opts Options) (Stats, error) {
	s := &session{stream: stream, idx: idx, role: role, opts: opts}

	syncErr := s.runPhases()

	if role == Initiator {
		remote, tailErr := readTailStats(stream)
		if tailErr != nil && syncErr == nil {
			syncErr = newSyncError(ErrTransport, tailErr)
		} else if tailErr == nil {
			logging.Debug("remote sync stats", "tag_changes", remote.TagChanges,
				"file_moves_copies", remote.FileMovesCopies, "file_deletes", remote.FileDeletes,
				"new_messages", remote.NewMessages, "message_deletes", remote.MessageDeletes,
				"new_files", remote.NewFiles)
		}
		return s.stats, syncErr
	}

	// Responder always attempts to emit the tail so the initiator never
	// blocks waiting on it, even when an earlier phase failed.
	if tailErr := writeTailStats(stream, s.stats); tailErr != nil && syncErr == nil {
		syncErr = newSyncError(ErrTransport, tailErr)
	}
	return s.stats, syncErr
}

func (s *session) runPhases() error {
	if err := s.phase1HandshakeAndTagMerge(); err != nil {
		return err
	}
	missing, err := s.phase2Reconcile()
	if err != nil {
		return err
	}
	if err := s.phase3TransferBodies(missing); err != nil {
		return err
	}
	if err := s.persistSyncState(); err != nil {
		return err
	}
	if s.opts.Delete {
		if err := s.phase4DeletePropagation(); err != nil {
			return err
		}
	}
	if s.opts.Mbsync {
		if err := s.phase5Mbsync(); err != nil {
			return err
		}
	}
	return nil
}
