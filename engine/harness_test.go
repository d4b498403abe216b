package engine

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kothoff/notmuch-sync/index"
	"github.com/kothoff/notmuch-sync/wire"
)

// harness wires two temp-directory LevelIndex stores together with a pair of
// io.Pipe connections standing in for the ssh transport, grounded on the
// teacher's downloadTester pattern of a paired in-process harness for
// exercising a two-sided protocol without real sockets.
type harness struct {
	t *testing.T

	initRoot, respRoot string
	initIdx, respIdx   *index.LevelIndex
	initStream         *wire.Stream
	respStream         *wire.Stream
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	initRoot := t.TempDir()
	respRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(initRoot, "cur"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(respRoot, "cur"), 0o755))

	initIdx, err := index.OpenLevelIndex(initRoot, filepath.Join(t.TempDir(), "init-db"))
	require.NoError(t, err)
	respIdx, err := index.OpenLevelIndex(respRoot, filepath.Join(t.TempDir(), "resp-db"))
	require.NoError(t, err)
	t.Cleanup(func() { initIdx.Close(); respIdx.Close() })

	// initToResp carries bytes the initiator writes and the responder
	// reads; respToInit carries the other direction.
	initToRespR, initToRespW := io.Pipe()
	respToInitR, respToInitW := io.Pipe()

	return &harness{
		t:          t,
		initRoot:   initRoot,
		respRoot:   respRoot,
		initIdx:    initIdx,
		respIdx:    respIdx,
		initStream: wire.New(respToInitR, initToRespW),
		respStream: wire.New(initToRespR, respToInitW),
	}
}

// removeOutOfBand simulates a side losing a message through some means
// other than notmuch-sync itself (e.g. the user expunged it with another
// tool): every on-disk path is removed and the index entry dropped,
// without going through the engine.
func (h *harness) removeOutOfBand(idx *index.LevelIndex, root, messageID string) {
	h.t.Helper()
	rec, ok, err := idx.Find(messageID)
	require.NoError(h.t, err)
	if !ok {
		return
	}
	for p := range rec.Paths.Iter() {
		path := p.(string)
		require.NoError(h.t, os.Remove(filepath.Join(root, path)))
		require.NoError(h.t, idx.RemoveMessage(path))
	}
}

func (h *harness) writeMessage(root, relPath, messageID, body string) {
	h.t.Helper()
	content := "Message-Id: <" + messageID + ">\nSubject: hi\n\n" + body
	require.NoError(h.t, os.MkdirAll(filepath.Dir(filepath.Join(root, relPath)), 0o755))
	require.NoError(h.t, os.WriteFile(filepath.Join(root, relPath), []byte(content), 0o644))
}

// run drives both sides of one sync concurrently and returns each side's
// observed stats and error.
func (h *harness) run(opts Options) (initStats, respStats Stats, initErr, respErr error) {
	done := make(chan struct{}, 2)
	go func() {
		initStats, initErr = Run(h.initStream, h.initIdx, Initiator, opts)
		done <- struct{}{}
	}()
	go func() {
		respStats, respErr = Run(h.respStream, h.respIdx, Responder, opts)
		done <- struct{}{}
	}()
	<-done
	<-done
	return
}
