package engine

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/kothoff/notmuch-sync/changeset"
	"github.com/kothoff/notmuch-sync/digest"
	"github.com/kothoff/notmuch-sync/logging"
)

// phase3TransferBodies implements spec.md §4.6: exchange the needed/send
// file lists, transfer raw bodies in the exchanged order, then index and
// tag every newly received file.
func (s *session) phase3TransferBodies(missing changeset.ChangeSet) error {
	filesNeeded := unionFiles(missing)

	filesToSend, err := s.exchangeFileLists(filesNeeded)
	if err != nil {
		return newSyncError(ErrTransport, err)
	}

	if s.role == Initiator {
		if err := s.sendFiles(filesToSend); err != nil {
			return newSyncError(ErrTransport, err)
		}
		if err := s.receiveFiles(filesNeeded); err != nil {
			return err
		}
	} else {
		if err := s.receiveFiles(filesNeeded); err != nil {
			return err
		}
		if err := s.sendFiles(filesToSend); err != nil {
			return newSyncError(ErrTransport, err)
		}
	}

	s.applyMissingTagsAndIndex(missing)
	return nil
}

func unionFiles(cs changeset.ChangeSet) []string {
	var out []string
	for _, info := range cs {
		out = append(out, info.Files...)
	}
	return out
}

// exchangeFileLists implements wire step H5: each side sends the files it
// needs and receives the peer's files-needed list, which is what this side
// must send.
func (s *session) exchangeFileLists(needed []string) ([]string, error) {
	if s.role == Initiator {
		if err := s.writeJSONBlob(needed); err != nil {
			return nil, err
		}
		return s.readJSONStringSlice()
	}
	toSend, err := s.readJSONStringSlice()
	if err != nil {
		return nil, err
	}
	if err := s.writeJSONBlob(needed); err != nil {
		return nil, err
	}
	return toSend, nil
}

// sendFiles implements wire step H6 (one direction): raw blobs, in order,
// not re-encoded. A requested path may have been renamed away by this
// side's own phase 2 (the two peers classify move/copy/true-missing
// independently, so the peer can still ask for a path we already moved);
// renamedFrom resolves those to the content's current location.
func (s *session) sendFiles(paths []string) error {
	for _, p := range paths {
		abs := filepath.Join(s.idx.Root(), p)
		data, err := os.ReadFile(abs)
		if os.IsNotExist(err) {
			if newPath, moved := s.renamedFrom[p]; moved {
				data, err = os.ReadFile(filepath.Join(s.idx.Root(), newPath))
			}
		}
		if err != nil {
			return errors.Wrapf(err, "reading %s to send", p)
		}
		if err := s.stream.WriteBlob(data); err != nil {
			return err
		}
	}
	return nil
}

// receiveFiles implements wire step H6 (the other direction): one blob per
// path in paths, in order. Pre-existing files are integrity-checked rather
// than overwritten.
func (s *session) receiveFiles(paths []string) error {
	for _, p := range paths {
		data, err := s.stream.ReadBlob()
		if err != nil {
			return newSyncError(ErrTransport, err)
		}
		if err := s.writeReceivedFile(p, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) writeReceivedFile(relPath string, data []byte) error {
	abs := filepath.Join(s.idx.Root(), relPath)
	if existing, err := os.ReadFile(abs); err == nil {
		if digest.Digest(existing) != digest.Digest(data) {
			return newSyncError(ErrIntegrity, &IntegrityError{Path: relPath})
		}
		logging.Debug("received file already present with matching content", "path", relPath)
		return nil
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "checking existing file %s", relPath)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errors.Wrapf(err, "creating parent directory for %s", relPath)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing received file %s", relPath)
	}
	s.stats.NewFiles++
	return nil
}

// applyMissingTagsAndIndex implements the tail of spec.md §4.6: after all
// files are received, index every path and apply the message's tag set.
// Index-mutation failures are logged but not fatal (spec.md §7): the
// bytes are already on disk and were counted in NewFiles when received.
func (s *session) applyMissingTagsAndIndex(missing changeset.ChangeSet) {
	for mid, info := range missing {
		inserted := false
		for _, path := range info.Files {
			// The bytes are already on disk (written during receiveFiles)
			// regardless of whether indexing succeeds, per spec.md §7:
			// index-mutation failures are logged but not fatal; the
			// message is then not counted in NewMessages.
			if err := s.idx.IndexFile(path); err != nil {
				logging.Warn("indexing received file failed", "mid", mid, "path", path, "err", err)
				continue
			}
			inserted = true
		}
		if !inserted {
			continue
		}
		s.stats.NewMessages++
		if err := s.idx.SetTags(mid, changeset.MessageInfo{Tags: info.Tags}.TagSet()); err != nil {
			logging.Warn("tagging new message failed", "mid", mid, "err", err)
		}
	}
}
