// Package changeset derives per-side change sets from a store's last-known
// sync revision and its current revision (spec.md §4.3), and defines the
// wire-exchanged MessageInfo and ChangeSet types (spec.md §3).
package changeset

import (
	"math"

	mapset "github.com/deckarep/golang-set"

	"github.com/kothoff/notmuch-sync/index"
	"github.com/kothoff/notmuch-sync/state"
)

// MessageInfo is the wire-exchanged per-message delta: its tag set and its
// root-relative file set.
type MessageInfo struct {
	Tags  []string `json:"tags"`
	Files []string `json:"files"`
}

// TagSet returns Tags as a mapset.Set for set-algebra convenience.
func (m MessageInfo) TagSet() mapset.Set {
	return mapset.NewSetFromSlice(stringsToInterfaces(m.Tags))
}

// FileSet returns Files as a mapset.Set for set-algebra convenience.
func (m MessageInfo) FileSet() mapset.Set {
	return mapset.NewSetFromSlice(stringsToInterfaces(m.Files))
}

func stringsToInterfaces(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func setToStrings(s mapset.Set) []string {
	out := make([]string, 0, s.Cardinality())
	for v := range s.Iter() {
		out = append(out, v.(string))
	}
	return out
}

// ChangeSet maps message-id to the MessageInfo describing every message
// whose lastmod revision fell in the extraction window.
type ChangeSet map[string]MessageInfo

// allHistory is the wrap-around sentinel from spec.md §9: "first-ever sync"
// uses the maximum uint64 as rev_prev so that rev_prev+1 wraps to 0 and the
// query covers the full history.
const allHistory = math.MaxUint64

// Extract implements spec.md §4.3: read the peer-specific sync-state file,
// validate it against idx's current (revision, uuid), and query idx for
// every message changed since. Returns the ChangeSet and the current
// revision/uuid pair so the caller can persist a fresh SyncState later.
func Extract(idx index.Index, statePath string) (ChangeSet, state.SyncState, error) {
	currentRev, uuid, err := idx.Revision()
	if err != nil {
		return nil, state.SyncState{}, err
	}
	current := state.SyncState{Revision: currentRev, UUID: uuid}

	prevRev, wildcard, err := readPrevRevision(statePath, uuid, currentRev)
	if err != nil {
		return nil, state.SyncState{}, err
	}

	lo := prevRev
	if wildcard {
		lo = 0
	}
	records, err := idx.Query(lo, currentRev, wildcard)
	if err != nil {
		return nil, state.SyncState{}, err
	}

	cs := make(ChangeSet, len(records))
	for _, rec := range records {
		cs[rec.MessageID] = MessageInfo{
			Tags:  setToStrings(rec.Tags),
			Files: setToStrings(rec.Paths),
		}
	}
	return cs, current, nil
}

// readPrevRevision loads the persisted sync state (if any) and validates it
// per spec.md §3/§4.3, returning the previous revision (meaningless when
// wildcard is true) and whether this is a first-ever sync.
func readPrevRevision(statePath, currentUUID string, currentRev uint64) (prev uint64, wildcard bool, err error) {
	st, ok, err := state.Load(statePath)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return allHistory, true, nil
	}
	if st.UUID != currentUUID {
		return 0, false, &state.UUIDMismatchError{Stored: st.UUID, Current: currentUUID}
	}
	if st.Revision > currentRev {
		return 0, false, &state.RevisionRegressionError{Stored: st.Revision, Current: currentRev}
	}
	return st.Revision, false, nil
}
