package engine

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/pborman/uuid"

	"github.com/kothoff/notmuch-sync/changeset"
	"github.com/kothoff/notmuch-sync/logging"
	"github.com/kothoff/notmuch-sync/state"
)

// phase1HandshakeAndTagMerge implements spec.md §4.4: UUID exchange,
// change-set exchange, and the symmetric tag-merge rule.
func (s *session) phase1HandshakeAndTagMerge() error {
	_, localUUID, err := s.idx.Revision()
	if err != nil {
		return newSyncError(ErrTransport, err)
	}
	if uuid.Parse(localUUID) == nil {
		// Not a canonical UUID; the index is still the source of truth,
		// so proceed but note it for diagnosis.
		logging.Debug("local index uuid does not parse as a canonical UUID", "uuid", localUUID)
	}

	peerUUID, err := s.exchangeUUID(localUUID)
	if err != nil {
		return newSyncError(ErrTransport, err)
	}

	s.statePath = state.Path(s.idx.Root(), peerUUID)

	mine, current, err := changeset.Extract(s.idx, s.statePath)
	if err != nil {
		return classifyExtractError(err)
	}
	s.current = current
	s.changesMine = mine

	// When delete propagation is enabled, a message already tagged
	// 'deleted' is withheld from the peer: otherwise phase 2/3 would
	// materialize it on the peer's side before phase 4 ever gets a chance
	// to observe the peer as lacking it, defeating the point of tagging a
	// message for removal.
	advertised := mine
	if s.opts.Delete {
		advertised = withoutDeletedTagged(mine)
	}

	theirs, err := s.exchangeChangeSet(advertised)
	if err != nil {
		return newSyncError(ErrTransport, err)
	}
	s.changesTheirs = theirs

	changes, err := s.mergeTags()
	if err != nil {
		return err
	}
	s.stats.TagChanges = changes
	return nil
}

// classifyExtractError maps the state.*Error sentinels returned by
// changeset.Extract onto the driver's error codes (spec.md §7); anything
// else reaching here came from the index itself, so it is a transport/IO
// failure as far as the sync is concerned.
func classifyExtractError(err error) error {
	var corrupt *state.CorruptError
	var uuidMismatch *state.UUIDMismatchError
	var revRegression *state.RevisionRegressionError
	switch {
	case errors.As(err, &corrupt):
		return newSyncError(ErrStateCorrupt, err)
	case errors.As(err, &uuidMismatch):
		return newSyncError(ErrUUIDMismatch, err)
	case errors.As(err, &revRegression):
		return newSyncError(ErrRevisionRegression, err)
	default:
		return newSyncError(ErrTransport, err)
	}
}

// withoutDeletedTagged returns a copy of cs omitting any message already
// carrying the deletedTag, per the delete-mode advertisement rule above.
func withoutDeletedTagged(cs changeset.ChangeSet) changeset.ChangeSet {
	out := make(changeset.ChangeSet, len(cs))
	for mid, info := range cs {
		tagged := false
		for _, t := range info.Tags {
			if t == deletedTag {
				tagged = true
				break
			}
		}
		if !tagged {
			out[mid] = info
		}
	}
	return out
}

// exchangeUUID implements wire step H1: initiator sends then receives;
// responder receives then sends.
func (s *session) exchangeUUID(local string) (string, error) {
	if s.role == Initiator {
		if err := s.stream.WriteUUID(local); err != nil {
			return "", err
		}
		return s.stream.ReadUUID()
	}
	peer, err := s.stream.ReadUUID()
	if err != nil {
		return "", err
	}
	if err := s.stream.WriteUUID(local); err != nil {
		return "", err
	}
	return peer, nil
}

// exchangeChangeSet implements wire step H2.
func (s *session) exchangeChangeSet(mine changeset.ChangeSet) (changeset.ChangeSet, error) {
	mineJSON, err := json.Marshal(mine)
	if err != nil {
		return nil, errors.Wrap(err, "encoding local change set")
	}

	var theirsJSON []byte
	if s.role == Initiator {
		if err := s.stream.WriteBlob(mineJSON); err != nil {
			return nil, err
		}
		if theirsJSON, err = s.stream.ReadBlob(); err != nil {
			return nil, err
		}
	} else {
		if theirsJSON, err = s.stream.ReadBlob(); err != nil {
			return nil, err
		}
		if err := s.stream.WriteBlob(mineJSON); err != nil {
			return nil, err
		}
	}

	var theirs changeset.ChangeSet
	if err := json.Unmarshal(theirsJSON, &theirs); err != nil {
		return nil, errors.Wrap(err, "decoding peer change set")
	}
	return theirs, nil
}

// mergeTags applies the tag-merge rule of spec.md §4.4 on each side
// independently: for every message the peer reports a change for, the
// desired tag set is the union of their tags and (if we also changed this
// message) our tags. Messages with no local counterpart are deferred to
// phase 2/3.
func (s *session) mergeTags() (uint32, error) {
	var changes uint32
	for mid, theirInfo := range s.changesTheirs {
		desired := theirInfo.TagSet()
		if mine, ok := s.changesMine[mid]; ok {
			desired = desired.Union(mine.TagSet())
		}

		rec, ok, err := s.idx.Find(mid)
		if err != nil {
			logging.Warn("looking up message for tag merge failed", "mid", mid, "err", err)
			continue
		}
		if !ok {
			continue // no local counterpart yet; phase 2/3 will create it
		}
		if rec.Tags.Equal(desired) {
			continue
		}
		logging.Info("setting tags", "mid", mid, "tags", desired.ToSlice())
		if err := s.idx.SetTags(mid, desired); err != nil {
			logging.Warn("setting tags failed, will retry next sync", "mid", mid, "err", err)
			continue
		}
		changes++
	}
	return changes, nil
}

// persistSyncState rewrites the peer sync-state file with the revision and
// uuid captured at the start of phase 1, per spec.md §3's lifecycle note:
// rewritten at end of phase 3 so that a phase 4/5 failure still leaves
// phase-1-3 progress durable.
func (s *session) persistSyncState() error {
	logging.Debug("writing sync state", "path", s.statePath, "revision", s.current.Revision)
	return state.Save(s.statePath, s.current)
}
