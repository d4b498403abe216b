package engine

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/kothoff/notmuch-sync/logging"
)

// phase5Mbsync implements spec.md §4.8: enumerate .uidvalidity and
// .mbsyncstate files, exchange modification times, and transfer whichever
// side is stale.
func (s *session) phase5Mbsync() error {
	local, err := s.scanMbsyncFiles()
	if err != nil {
		return newSyncError(ErrTransport, err)
	}

	peer, err := s.exchangeMbsyncStats(local)
	if err != nil {
		return newSyncError(ErrTransport, err)
	}

	pull, push := diffMbsyncStats(local, peer)

	pull, push, err = s.exchangePullPush(pull, push)
	if err != nil {
		return newSyncError(ErrTransport, err)
	}

	if s.role == Initiator {
		if err := s.sendMbsyncFiles(push); err != nil {
			return newSyncError(ErrTransport, err)
		}
		if err := s.receiveMbsyncFiles(pull); err != nil {
			return newSyncError(ErrTransport, err)
		}
	} else {
		if err := s.receiveMbsyncFiles(pull); err != nil {
			return newSyncError(ErrTransport, err)
		}
		if err := s.sendMbsyncFiles(push); err != nil {
			return newSyncError(ErrTransport, err)
		}
	}
	return nil
}

// scanMbsyncFiles walks the store root for **/.uidvalidity and
// **/.mbsyncstate files, returning root-relative path -> mtime (seconds,
// as a float64 to match the wire format).
func (s *session) scanMbsyncFiles() (map[string]float64, error) {
	root := s.idx.Root()
	out := make(map[string]float64)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logging.Warn("mbsync scan error, skipping", "path", path, "err", err)
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name != ".uidvalidity" && name != ".mbsyncstate" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			logging.Warn("mbsync stat error, skipping", "path", path, "err", err)
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		out[rel] = float64(info.ModTime().UnixNano()) / 1e9
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walking store root for mbsync files")
	}
	return out, nil
}

// exchangeMbsyncStats implements wire step H8: JSON map path -> mtime,
// local first on initiator, peer first on responder.
func (s *session) exchangeMbsyncStats(local map[string]float64) (map[string]float64, error) {
	var peer map[string]float64
	if s.role == Initiator {
		if err := s.writeJSONBlob(local); err != nil {
			return nil, err
		}
		if err := s.readJSONBlob(&peer); err != nil {
			return nil, err
		}
	} else {
		if err := s.readJSONBlob(&peer); err != nil {
			return nil, err
		}
		if err := s.writeJSONBlob(local); err != nil {
			return nil, err
		}
	}
	return peer, nil
}

// diffMbsyncStats implements spec.md §4.8's pull/push computation:
// pull = peer-newer ∪ peer-only; push = local-newer ∪ local-only.
func diffMbsyncStats(local, peer map[string]float64) (pull, push []string) {
	for path, peerMtime := range peer {
		localMtime, haveLocal := local[path]
		if !haveLocal || peerMtime > localMtime {
			pull = append(pull, path)
		}
	}
	for path, localMtime := range local {
		peerMtime, havePeer := peer[path]
		if !havePeer || localMtime > peerMtime {
			push = append(push, path)
		}
	}
	return pull, push
}

// exchangePullPush implements wire step H9: only the initiator computes
// and sends pull/push (derived from its own perspective); the responder's
// push is the initiator's pull and vice versa.
func (s *session) exchangePullPush(pull, push []string) (myPull, myPush []string, err error) {
	if s.role == Initiator {
		if err := s.writeJSONBlob(pull); err != nil {
			return nil, nil, err
		}
		if err := s.writeJSONBlob(push); err != nil {
			return nil, nil, err
		}
		return pull, push, nil
	}
	theirPull, err := s.readJSONStringSlice()
	if err != nil {
		return nil, nil, err
	}
	theirPush, err := s.readJSONStringSlice()
	if err != nil {
		return nil, nil, err
	}
	// What the initiator pulls is what this side must push, and vice
	// versa.
	return theirPush, theirPull, nil
}

// sendMbsyncFiles implements wire step H10 (one direction): 8-byte mtime
// then blob, per path, in order.
func (s *session) sendMbsyncFiles(paths []string) error {
	root := s.idx.Root()
	for _, p := range paths {
		abs := filepath.Join(root, p)
		info, err := os.Stat(abs)
		if err != nil {
			logging.Warn("mbsync file vanished before send, skipping", "path", p, "err", err)
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			logging.Warn("mbsync file unreadable, skipping", "path", p, "err", err)
			continue
		}
		mtime := float64(info.ModTime().UnixNano()) / 1e9
		if err := s.stream.WriteFloat64(mtime); err != nil {
			return err
		}
		if err := s.stream.WriteBlob(data); err != nil {
			return err
		}
	}
	return nil
}

// receiveMbsyncFiles implements wire step H10 (the other direction): one
// (mtime, blob) pair per path in order; the file is written and its
// mtime/atime set to the received value.
func (s *session) receiveMbsyncFiles(paths []string) error {
	root := s.idx.Root()
	for _, p := range paths {
		mtime, err := s.stream.ReadFloat64()
		if err != nil {
			return err
		}
		data, err := s.stream.ReadBlob()
		if err != nil {
			return err
		}
		abs := filepath.Join(root, p)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			logging.Warn("mbsync could not create directory, skipping", "path", p, "err", err)
			continue
		}
		if err := os.WriteFile(abs, data, 0o644); err != nil {
			logging.Warn("mbsync could not write file, skipping", "path", p, "err", err)
			continue
		}
		t := time.Unix(0, int64(mtime*1e9))
		if err := os.Chtimes(abs, t, t); err != nil {
			logging.Warn("mbsync could not set file times", "path", p, "err", err)
		}
	}
	return nil
}

func (s *session) readJSONBlob(v interface{}) error {
	data, err := s.stream.ReadBlob()
	if err != nil {
		return err
	}
	return errors.Wrap(json.Unmarshal(data, v), "decoding wire JSON value")
}
