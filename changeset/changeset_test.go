package changeset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kothoff/notmuch-sync/index"
	"github.com/kothoff/notmuch-sync/state"
)

func newTestIndex(t *testing.T) *index.LevelIndex {
	t.Helper()
	root := t.TempDir()
	idx, err := index.OpenLevelIndex(root, filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func writeAndIndex(t *testing.T, idx *index.LevelIndex, relPath, messageID string) {
	t.Helper()
	content := "Message-Id: <" + messageID + ">\n\nbody\n"
	require.NoError(t, os.MkdirAll(filepath.Join(idx.Root(), filepath.Dir(relPath)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(idx.Root(), relPath), []byte(content), 0o644))
	require.NoError(t, idx.IndexFile(relPath))
}

func TestExtractFirstSyncCoversFullHistory(t *testing.T) {
	idx := newTestIndex(t)
	writeAndIndex(t, idx, "cur/1.eml", "m1@example.com")

	statePath := filepath.Join(t.TempDir(), "notmuch-sync-peer")
	cs, current, err := Extract(idx, statePath)
	require.NoError(t, err)
	require.Contains(t, cs, "m1@example.com")
	require.EqualValues(t, 1, current.Revision)
}

func TestExtractOnlyReturnsChangesSincePrevRevision(t *testing.T) {
	idx := newTestIndex(t)
	writeAndIndex(t, idx, "cur/1.eml", "m1@example.com")

	_, uuid, err := idx.Revision()
	require.NoError(t, err)
	statePath := filepath.Join(t.TempDir(), "notmuch-sync-peer")
	require.NoError(t, state.Save(statePath, state.SyncState{Revision: 1, UUID: uuid}))

	writeAndIndex(t, idx, "cur/2.eml", "m2@example.com")

	cs, _, err := Extract(idx, statePath)
	require.NoError(t, err)
	require.NotContains(t, cs, "m1@example.com", "already synced as of revision 1")
	require.Contains(t, cs, "m2@example.com")
}

func TestExtractUUIDMismatch(t *testing.T) {
	idx := newTestIndex(t)
	writeAndIndex(t, idx, "cur/1.eml", "m1@example.com")

	statePath := filepath.Join(t.TempDir(), "notmuch-sync-peer")
	require.NoError(t, state.Save(statePath, state.SyncState{Revision: 0, UUID: "some-other-uuid"}))

	_, _, err := Extract(idx, statePath)
	require.Error(t, err)
	var mismatch *state.UUIDMismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestExtractRevisionRegression(t *testing.T) {
	idx := newTestIndex(t)
	writeAndIndex(t, idx, "cur/1.eml", "m1@example.com")

	_, uuid, err := idx.Revision()
	require.NoError(t, err)
	statePath := filepath.Join(t.TempDir(), "notmuch-sync-peer")
	require.NoError(t, state.Save(statePath, state.SyncState{Revision: 99, UUID: uuid}))

	_, _, err = Extract(idx, statePath)
	require.Error(t, err)
	var regression *state.RevisionRegressionError
	require.ErrorAs(t, err, &regression)
}

func TestMessageInfoSetConversions(t *testing.T) {
	m := MessageInfo{Tags: []string{"inbox", "a"}, Files: []string{"cur/1.eml"}}
	require.True(t, m.TagSet().Contains("inbox"))
	require.True(t, m.FileSet().Contains("cur/1.eml"))
}
