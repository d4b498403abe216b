package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/kothoff/notmuch-sync/logging"
)

const deletedTag = "deleted"

// phase4DeletePropagation implements spec.md §4.7: enumerate local message
// ids, exchange them with the peer, and for every id the peer no longer
// has, delete it locally if safe to do so; otherwise bump its lastmod
// revision with a throwaway tag so the next sync re-propagates it.
func (s *session) phase4DeletePropagation() error {
	localIDs, err := s.allLocalMessageIDs()
	if err != nil {
		return newSyncError(ErrTransport, err)
	}

	toDeleteLocally, err := s.exchangeIDsAndDeletions(localIDs)
	if err != nil {
		return newSyncError(ErrTransport, err)
	}

	for v := range toDeleteLocally.Iter() {
		mid := v.(string)
		if err := s.maybeDeleteLocal(mid); err != nil {
			logging.Warn("deletion handling failed for message", "mid", mid, "err", err)
		}
	}
	return nil
}

func (s *session) allLocalMessageIDs() (mapset.Set, error) {
	records, err := s.idx.Query(0, 0, true)
	if err != nil {
		return nil, err
	}
	ids := mapset.NewSet()
	for _, r := range records {
		ids.Add(r.MessageID)
	}
	return ids, nil
}

// exchangeIDsAndDeletions implements wire step H7. The initiator receives
// the peer's id list first and is therefore the side that computes both
// to_delete_locally (for itself) and to_delete_remotely (sent to the
// responder, who adopts it directly as its own local-deletion list rather
// than recomputing it): the initiator's "remote" is the responder's
// "local". The responder sends its id list first, then receives that
// local-deletion list.
func (s *session) exchangeIDsAndDeletions(localIDs mapset.Set) (toDeleteLocally mapset.Set, err error) {
	if s.role == Initiator {
		peerList, err := s.readJSONStringSlice()
		if err != nil {
			return nil, err
		}
		peerIDs := mapset.NewSetFromSlice(stringsToAny(peerList))
		toDeleteRemotely := peerIDs.Difference(localIDs)
		if err := s.writeJSONBlob(toStringSlice(toDeleteRemotely)); err != nil {
			return nil, err
		}
		return localIDs.Difference(peerIDs), nil
	}

	if err := s.writeJSONBlob(toStringSlice(localIDs)); err != nil {
		return nil, err
	}
	remoteDeleteList, err := s.readJSONStringSlice()
	if err != nil {
		return nil, err
	}
	return mapset.NewSetFromSlice(stringsToAny(remoteDeleteList)), nil
}

func stringsToAny(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// maybeDeleteLocal implements the unsafe-delete guard of spec.md §4.7 and
// §8 property 7: a message absent from the peer is only deleted if it
// carries the 'deleted' tag or delete-no-check was requested; otherwise it
// is touched with a throwaway tag add+remove so its lastmod revision
// advances and the next sync re-propagates it.
func (s *session) maybeDeleteLocal(mid string) error {
	rec, ok, err := s.idx.Find(mid)
	if err != nil || !ok {
		return err
	}

	if s.opts.DeleteNoCheck || rec.Tags.Contains(deletedTag) {
		for p := range rec.Paths.Iter() {
			path := p.(string)
			if err := os.Remove(filepath.Join(s.idx.Root(), path)); err != nil && !os.IsNotExist(err) {
				logging.Warn("failed to delete file for deleted message", "mid", mid, "path", path, "err", err)
				continue
			}
			if err := s.idx.RemoveMessage(path); err != nil {
				logging.Warn("failed to remove deleted message from index", "mid", mid, "path", path, "err", err)
			}
		}
		s.stats.MessageDeletes++
		return nil
	}

	throwaway := fmt.Sprintf("notmuch-sync-tmp-%d", time.Now().UnixNano())
	if err := s.idx.AddTag(mid, throwaway); err != nil {
		return err
	}
	return s.idx.RemoveTag(mid, throwaway)
}
