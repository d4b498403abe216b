package index

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) (*LevelIndex, string) {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cur"), 0o755))
	idx, err := OpenLevelIndex(root, filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx, root
}

func writeMessage(t *testing.T, root, relPath, messageID, body string) {
	t.Helper()
	content := "Message-Id: <" + messageID + ">\nSubject: hi\n\n" + body
	require.NoError(t, os.WriteFile(filepath.Join(root, relPath), []byte(content), 0o644))
}

func TestIndexFileAndFind(t *testing.T) {
	idx, root := newTestIndex(t)
	writeMessage(t, root, "cur/1.eml", "m1@example.com", "hello\n")

	require.NoError(t, idx.IndexFile("cur/1.eml"))

	rec, ok, err := idx.Find("m1@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.Paths.Contains("cur/1.eml"))
}

func TestFindMissingIsGhost(t *testing.T) {
	idx, _ := newTestIndex(t)
	_, ok, err := idx.Find("nope@example.com")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveMessageDropsPathAndGhosts(t *testing.T) {
	idx, root := newTestIndex(t)
	writeMessage(t, root, "cur/1.eml", "m1@example.com", "hello\n")
	require.NoError(t, idx.IndexFile("cur/1.eml"))

	require.NoError(t, idx.RemoveMessage("cur/1.eml"))

	_, ok, err := idx.Find("m1@example.com")
	require.NoError(t, err)
	require.False(t, ok, "message with no remaining paths must be reported as a ghost")
}

func TestRevisionAdvancesOnEachMutation(t *testing.T) {
	idx, root := newTestIndex(t)
	rev0, uuid0, err := idx.Revision()
	require.NoError(t, err)
	require.Zero(t, rev0)

	writeMessage(t, root, "cur/1.eml", "m1@example.com", "hello\n")
	require.NoError(t, idx.IndexFile("cur/1.eml"))

	rev1, uuid1, err := idx.Revision()
	require.NoError(t, err)
	require.Greater(t, rev1, rev0)
	require.Equal(t, uuid0, uuid1)
}

func TestQueryWindowAndWildcard(t *testing.T) {
	idx, root := newTestIndex(t)
	writeMessage(t, root, "cur/1.eml", "m1@example.com", "one\n")
	require.NoError(t, idx.IndexFile("cur/1.eml"))
	rev1, _, _ := idx.Revision()

	writeMessage(t, root, "cur/2.eml", "m2@example.com", "two\n")
	require.NoError(t, idx.IndexFile("cur/2.eml"))
	rev2, _, _ := idx.Revision()

	recs, err := idx.Query(rev1, rev2, false)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "m2@example.com", recs[0].MessageID)

	all, err := idx.Query(0, 0, true)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
