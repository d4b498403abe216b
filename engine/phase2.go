package engine

import (
	"encoding/json"
	"os"
	"path/filepath"

	mapset "github.com/deckarep/golang-set"
	"github.com/pkg/errors"

	"github.com/kothoff/notmuch-sync/changeset"
	"github.com/kothoff/notmuch-sync/digest"
	"github.com/kothoff/notmuch-sync/logging"
)

// messageStatus tracks, per peer-reported message, what phase 2 needs to
// remember between step A (missing-candidate detection) and step C (the
// hash-match pass), per spec.md §4.5.
type messageStatus struct {
	existsLocally bool
	localPaths    mapset.Set // set<string>, only meaningful when existsLocally
	missingFiles  mapset.Set // set<string>, their_info.files minus local paths
}

// phase2Reconcile implements spec.md §4.5: builds the missing-file map,
// performs any local rename/copy matches found via hash round-trip, and
// deletes files the peer has dropped for messages we did not ourselves
// touch this window.
func (s *session) phase2Reconcile() (changeset.ChangeSet, error) {
	statuses := make(map[string]*messageStatus, len(s.changesTheirs))
	missing := make(changeset.ChangeSet)

	var hashRequest []string
	seenRequest := mapset.NewSet()

	for mid, theirInfo := range s.changesTheirs {
		rec, ok, err := s.idx.Find(mid)
		if err != nil {
			return nil, newSyncError(ErrTransport, err)
		}
		if !ok {
			// No local counterpart: the whole message is needed, no hash
			// request is possible (nothing local to match against).
			missing[mid] = theirInfo
			statuses[mid] = &messageStatus{existsLocally: false}
			continue
		}

		missingFiles := theirInfo.FileSet().Difference(rec.Paths)
		st := &messageStatus{existsLocally: true, localPaths: rec.Paths, missingFiles: missingFiles}
		statuses[mid] = st

		if missingFiles.Cardinality() > 0 {
			for _, f := range theirInfo.Files {
				if !seenRequest.Contains(f) {
					seenRequest.Add(f)
					hashRequest = append(hashRequest, f)
				}
			}
		}
	}

	peerDigests, err := s.exchangeHashRequests(hashRequest)
	if err != nil {
		return nil, newSyncError(ErrTransport, err)
	}

	for mid, theirInfo := range s.changesTheirs {
		st := statuses[mid]
		if !st.existsLocally || st.missingFiles.Cardinality() == 0 {
			continue
		}

		localDigests, err := s.digestLocalPaths(st.localPaths)
		if err != nil {
			return nil, err
		}

		trueMissing := mapset.NewSet()
		for f := range st.missingFiles.Iter() {
			missingFile := f.(string)
			peerDigest, known := peerDigests[missingFile]
			srcPath, matched := "", false
			if known {
				for path, d := range localDigests {
					if d == peerDigest {
						srcPath, matched = path, true
						break
					}
				}
			}
			if !matched {
				trueMissing.Add(missingFile)
				continue
			}

			_, inMine := s.changesMine[mid]
			moveOnChange := s.role == Initiator
			var op string
			switch {
			case theirInfo.FileSet().Contains(srcPath):
				op = "copy"
			case !inMine || moveOnChange:
				op = "move"
			default:
				trueMissing.Add(missingFile)
				continue
			}

			if err := s.applyFileOp(op, srcPath, missingFile); err != nil {
				return nil, newSyncError(ErrTransport, err)
			}
			s.stats.FileMovesCopies++
		}

		if trueMissing.Cardinality() > 0 {
			// Tags here must be the same phase-1-merged union mergeTags()
			// already wrote to the index, not the peer's raw tag list: if
			// mid also has a concurrent local edit, theirInfo.Tags alone
			// would be stale and phase 3's SetTags would clobber the
			// locally-added tags mergeTags() just converged on.
			tags := theirInfo.Tags
			if mine, ok := s.changesMine[mid]; ok {
				tags = toStringSlice(theirInfo.TagSet().Union(mine.TagSet()))
			}
			missing[mid] = changeset.MessageInfo{
				Tags:  tags,
				Files: toStringSlice(trueMissing),
			}
		}
	}

	if err := s.deleteDroppedFiles(statuses); err != nil {
		return nil, err
	}

	return missing, nil
}

// exchangeHashRequests implements wire steps H3-H4: exchange lists of
// paths to hash, then exchange the digests for the peer's requested paths.
// Returns a map from peer path to peer digest, aligned to our own sent
// request list.
func (s *session) exchangeHashRequests(ours []string) (map[string]string, error) {
	var theirRequest []string
	var err error

	if s.role == Initiator {
		if err = s.writeJSONBlob(ours); err != nil {
			return nil, err
		}
		if theirRequest, err = s.readJSONStringSlice(); err != nil {
			return nil, err
		}
	} else {
		if theirRequest, err = s.readJSONStringSlice(); err != nil {
			return nil, err
		}
		if err = s.writeJSONBlob(ours); err != nil {
			return nil, err
		}
	}

	ourDigests := make([]string, len(theirRequest))
	for i, path := range theirRequest {
		d, err := s.digestLocalFile(path)
		if err != nil {
			logging.Debug("could not digest requested file, reporting empty digest", "path", path, "err", err)
			ourDigests[i] = ""
			continue
		}
		ourDigests[i] = d
	}

	var theirDigests []string
	if s.role == Initiator {
		if err = s.writeJSONBlob(ourDigests); err != nil {
			return nil, err
		}
		if theirDigests, err = s.readJSONStringSlice(); err != nil {
			return nil, err
		}
	} else {
		if theirDigests, err = s.readJSONStringSlice(); err != nil {
			return nil, err
		}
		if err = s.writeJSONBlob(ourDigests); err != nil {
			return nil, err
		}
	}

	result := make(map[string]string, len(ours))
	for i, path := range ours {
		if i < len(theirDigests) && theirDigests[i] != "" {
			result[path] = theirDigests[i]
		}
	}
	return result, nil
}

func (s *session) digestLocalFile(relPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.idx.Root(), relPath))
	if err != nil {
		return "", err
	}
	return digest.Digest(data), nil
}

func (s *session) digestLocalPaths(paths mapset.Set) (map[string]string, error) {
	out := make(map[string]string, paths.Cardinality())
	for p := range paths.Iter() {
		path := p.(string)
		d, err := s.digestLocalFile(path)
		if err != nil {
			logging.Debug("could not digest local file", "path", path, "err", err)
			continue
		}
		out[path] = d
	}
	return out, nil
}

// applyFileOp performs a rename (move) or copy from src to dst, both
// root-relative, creating missing parent directories first.
func (s *session) applyFileOp(op, src, dst string) error {
	root := s.idx.Root()
	dstAbs := filepath.Join(root, dst)
	if err := os.MkdirAll(filepath.Dir(dstAbs), 0o755); err != nil {
		return errors.Wrapf(err, "creating parent directory for %s", dst)
	}
	srcAbs := filepath.Join(root, src)

	switch op {
	case "move":
		logging.Debug("renaming file", "src", src, "dst", dst)
		if err := os.Rename(srcAbs, dstAbs); err != nil {
			return errors.Wrapf(err, "renaming %s to %s", src, dst)
		}
		if s.renamedFrom == nil {
			s.renamedFrom = make(map[string]string)
		}
		s.renamedFrom[src] = dst
	case "copy":
		logging.Debug("copying file", "src", src, "dst", dst)
		data, err := os.ReadFile(srcAbs)
		if err != nil {
			return errors.Wrapf(err, "reading %s to copy", src)
		}
		if err := os.WriteFile(dstAbs, data, 0o644); err != nil {
			return errors.Wrapf(err, "writing copy %s", dst)
		}
	}
	return nil
}

// deleteDroppedFiles implements spec.md §4.5 step D: for every locally
// present message that is not in our own change set, files we hold that
// the peer no longer lists are deleted, since the peer's file list is
// authoritative when we made no concurrent local edit.
func (s *session) deleteDroppedFiles(statuses map[string]*messageStatus) error {
	for mid, theirInfo := range s.changesTheirs {
		st := statuses[mid]
		if !st.existsLocally {
			continue
		}
		if _, editedLocally := s.changesMine[mid]; editedLocally {
			continue
		}
		toDelete := st.localPaths.Difference(theirInfo.FileSet())
		for p := range toDelete.Iter() {
			path := p.(string)
			logging.Debug("deleting file dropped by peer", "mid", mid, "path", path)
			if err := os.Remove(filepath.Join(s.idx.Root(), path)); err != nil && !os.IsNotExist(err) {
				logging.Warn("failed to delete dropped file", "path", path, "err", err)
				continue
			}
			if err := s.idx.RemoveMessage(path); err != nil {
				logging.Warn("failed to remove dropped file from index", "path", path, "err", err)
				continue
			}
			s.stats.FileDeletes++
		}
	}
	return nil
}

func toStringSlice(s mapset.Set) []string {
	out := make([]string, 0, s.Cardinality())
	for v := range s.Iter() {
		out = append(out, v.(string))
	}
	return out
}

func (s *session) writeJSONBlob(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding wire value")
	}
	return s.stream.WriteBlob(data)
}

func (s *session) readJSONStringSlice() ([]string, error) {
	data, err := s.stream.ReadBlob()
	if err != nil {
		return nil, err
	}
	var v []string
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, errors.Wrap(err, "decoding wire string slice")
	}
	return v, nil
}
