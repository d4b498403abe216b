package engine

import (
	"os"
	"path/filepath"
	"testing"

	mapset "github.com/deckarep/golang-set"
	"github.com/stretchr/testify/require"
)

// TestS1NewMessageFromPeer is spec.md §8 scenario S1: an empty local store
// receives one new message from the peer.
func TestS1NewMessageFromPeer(t *testing.T) {
	h := newHarness(t)
	h.writeMessage(h.respRoot, "cur/1.eml", "m1@example.com", "hi\n\n")
	require.NoError(t, h.respIdx.IndexFile("cur/1.eml"))
	require.NoError(t, h.respIdx.SetTags("m1@example.com", mapset.NewSetWith("inbox")))

	initStats, respStats, initErr, respErr := h.run(Options{})
	require.NoError(t, initErr)
	require.NoError(t, respErr)

	data, err := os.ReadFile(filepath.Join(h.initRoot, "cur/1.eml"))
	require.NoError(t, err)
	require.Contains(t, string(data), "hi\n\n")

	rec, ok, err := h.initIdx.Find("m1@example.com")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rec.Tags.Contains("inbox"))

	require.EqualValues(t, 1, initStats.NewMessages)
	require.EqualValues(t, 1, initStats.NewFiles)
	require.Zero(t, respStats.NewFiles, "responder only sent the file, it received nothing")
}

// TestS2ConcurrentTagAdditions is spec.md §8 scenario S2: both sides add a
// different tag to the same message since the last sync; after syncing,
// both converge to the union.
func TestS2ConcurrentTagAdditions(t *testing.T) {
	h := newHarness(t)
	h.writeMessage(h.initRoot, "cur/1.eml", "m1@example.com", "body\n")
	require.NoError(t, h.initIdx.IndexFile("cur/1.eml"))
	require.NoError(t, h.initIdx.SetTags("m1@example.com", mapset.NewSetWith("inbox")))

	h.writeMessage(h.respRoot, "cur/1.eml", "m1@example.com", "body\n")
	require.NoError(t, h.respIdx.IndexFile("cur/1.eml"))
	require.NoError(t, h.respIdx.SetTags("m1@example.com", mapset.NewSetWith("inbox")))

	// First sync converges both to the shared baseline {inbox}.
	_, _, err1, err2 := h.run(Options{})
	require.NoError(t, err1)
	require.NoError(t, err2)

	// Now each side independently adds a different tag.
	require.NoError(t, h.initIdx.AddTag("m1@example.com", "a"))
	require.NoError(t, h.respIdx.AddTag("m1@example.com", "b"))

	initStats, respStats, err1, err2 := h.run(Options{})
	require.NoError(t, err1)
	require.NoError(t, err2)

	want := mapset.NewSetWith("inbox", "a", "b")
	initRec, _, err := h.initIdx.Find("m1@example.com")
	require.NoError(t, err)
	require.True(t, initRec.Tags.Equal(want))

	respRec, _, err := h.respIdx.Find("m1@example.com")
	require.NoError(t, err)
	require.True(t, respRec.Tags.Equal(want))

	require.EqualValues(t, 1, initStats.TagChanges)
	require.EqualValues(t, 1, respStats.TagChanges)
}

// TestConcurrentTagEditWithTrueMissingFile guards against a regression
// where a message has both a concurrent local tag edit and a true-missing
// file in the same sync round: phase 2 must carry forward the phase-1
// tag-merged union, not the peer's raw tag list, or phase 3's SetTags call
// for the newly-received file clobbers the local tag back to the peer's
// stale view.
func TestConcurrentTagEditWithTrueMissingFile(t *testing.T) {
	h := newHarness(t)
	h.writeMessage(h.initRoot, "cur/1.eml", "m1@example.com", "body\n")
	require.NoError(t, h.initIdx.IndexFile("cur/1.eml"))
	require.NoError(t, h.initIdx.SetTags("m1@example.com", mapset.NewSetWith("inbox")))

	h.writeMessage(h.respRoot, "cur/1.eml", "m1@example.com", "body\n")
	require.NoError(t, h.respIdx.IndexFile("cur/1.eml"))
	require.NoError(t, h.respIdx.SetTags("m1@example.com", mapset.NewSetWith("inbox")))

	_, _, err1, err2 := h.run(Options{})
	require.NoError(t, err1)
	require.NoError(t, err2)

	// Initiator independently adds a tag, while the responder independently
	// adds a brand-new file (content the initiator has no local match for)
	// to the same message plus its own independent tag.
	require.NoError(t, h.initIdx.AddTag("m1@example.com", "a"))
	h.writeMessage(h.respRoot, "cur/2.eml", "m1@example.com", "second part\n")
	require.NoError(t, h.respIdx.IndexFile("cur/2.eml"))
	require.NoError(t, h.respIdx.AddTag("m1@example.com", "b"))

	initStats, _, err1, err2 := h.run(Options{})
	require.NoError(t, err1)
	require.NoError(t, err2)

	require.EqualValues(t, 1, initStats.NewFiles, "cur/2.eml's content has no local match")

	want := mapset.NewSetWith("inbox", "a", "b")
	initRec, _, err := h.initIdx.Find("m1@example.com")
	require.NoError(t, err)
	require.True(t, initRec.Tags.Equal(want), "true-missing-file handling must not clobber the phase-1 tag merge")
}

// TestS3RenamePropagation is spec.md §8 scenario S3: identical content at
// different paths on each side results in a rename, not a body transfer.
func TestS3RenamePropagation(t *testing.T) {
	h := newHarness(t)
	h.writeMessage(h.initRoot, "cur/1:2,S", "m1@example.com", "same body\n")
	require.NoError(t, h.initIdx.IndexFile("cur/1:2,S"))

	h.writeMessage(h.respRoot, "cur/1:2,RS", "m1@example.com", "same body\n")
	require.NoError(t, h.respIdx.IndexFile("cur/1:2,RS"))

	initStats, _, err1, err2 := h.run(Options{})
	require.NoError(t, err1)
	require.NoError(t, err2)

	_, err := os.Stat(filepath.Join(h.initRoot, "cur/1:2,RS"))
	require.NoError(t, err, "local file should have been renamed to the peer's path")
	_, err = os.Stat(filepath.Join(h.initRoot, "cur/1:2,S"))
	require.True(t, os.IsNotExist(err), "old path should no longer exist after a move")

	require.EqualValues(t, 1, initStats.FileMovesCopies)
	require.Zero(t, initStats.NewFiles, "no bytes should have been transferred for a pure rename")
}

// TestS4IntegrityViolation is spec.md §8 scenario S4: the sync aborts
// rather than overwrite a local file whose content differs from the
// incoming file of the same name.
func TestS4IntegrityViolation(t *testing.T) {
	h := newHarness(t)
	h.writeMessage(h.respRoot, "cur/x.eml", "m1@example.com", "remote-content\n")
	require.NoError(t, h.respIdx.IndexFile("cur/x.eml"))

	require.NoError(t, os.WriteFile(filepath.Join(h.initRoot, "cur/x.eml"), []byte("totally-different-content!"), 0o644))

	_, _, initErr, _ := h.run(Options{})
	require.Error(t, initErr)
	var syncErr *SyncError
	require.ErrorAs(t, initErr, &syncErr)
	require.Equal(t, ErrIntegrity, syncErr.Code)

	data, err := os.ReadFile(filepath.Join(h.initRoot, "cur/x.eml"))
	require.NoError(t, err)
	require.Equal(t, "totally-different-content!", string(data))
}

// TestS5SafeDeletion is spec.md §8 scenario S5: a message tagged 'deleted'
// locally and absent from the peer is removed from disk and the index.
//
// The peer's absence is established by first letting both sides converge
// normally, then dropping the message from the peer out-of-band (as if
// some other tool had expunged it there) before tagging it 'deleted'
// locally and syncing again with --delete: tagging it 'deleted' keeps it
// out of this round's advertisement to the peer (see phase1's
// withoutDeletedTagged), so phase 2/3 never re-creates it there first.
func TestS5SafeDeletion(t *testing.T) {
	h := newHarness(t)
	h.writeMessage(h.initRoot, "cur/1.eml", "m1@example.com", "body\n")
	require.NoError(t, h.initIdx.IndexFile("cur/1.eml"))
	require.NoError(t, h.initIdx.SetTags("m1@example.com", mapset.NewSetWith("inbox")))

	_, _, err1, err2 := h.run(Options{})
	require.NoError(t, err1)
	require.NoError(t, err2)
	h.removeOutOfBand(h.respIdx, h.respRoot, "m1@example.com")

	require.NoError(t, h.initIdx.SetTags("m1@example.com", mapset.NewSetWith("deleted")))

	initStats, _, err1, err2 := h.run(Options{Delete: true})
	require.NoError(t, err1)
	require.NoError(t, err2)

	_, ok, err := h.initIdx.Find("m1@example.com")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = os.Stat(filepath.Join(h.initRoot, "cur/1.eml"))
	require.True(t, os.IsNotExist(err))
	require.EqualValues(t, 1, initStats.MessageDeletes)
}

// TestS6UnsafeDeleteDeferral is spec.md §8 scenario S6: without
// --delete-no-check, a message absent from the peer but not tagged
// 'deleted' survives, and its lastmod revision strictly increases so a
// second sync will push it to the peer.
//
// As in TestS5SafeDeletion, the peer's absence is established by dropping
// the message from the peer out-of-band after an initial converging sync;
// since the message's own tags are not touched afterward, it falls outside
// the next round's change window and is never re-advertised, so phase 4's
// full-id enumeration is what discovers the asymmetry.
func TestS6UnsafeDeleteDeferral(t *testing.T) {
	h := newHarness(t)
	h.writeMessage(h.initRoot, "cur/2.eml", "m2@example.com", "body\n")
	require.NoError(t, h.initIdx.IndexFile("cur/2.eml"))
	require.NoError(t, h.initIdx.SetTags("m2@example.com", mapset.NewSetWith("inbox")))

	_, _, err1, err2 := h.run(Options{})
	require.NoError(t, err1)
	require.NoError(t, err2)
	h.removeOutOfBand(h.respIdx, h.respRoot, "m2@example.com")

	revBefore, _, err := h.initIdx.Revision()
	require.NoError(t, err)

	_, _, err1, err2 = h.run(Options{Delete: true})
	require.NoError(t, err1)
	require.NoError(t, err2)

	rec, ok, err := h.initIdx.Find("m2@example.com")
	require.NoError(t, err)
	require.True(t, ok, "message must survive an unsafe delete")
	require.True(t, rec.Tags.Equal(mapset.NewSetWith("inbox")))

	revAfter, _, err := h.initIdx.Revision()
	require.NoError(t, err)
	require.Greater(t, revAfter, revBefore)
}

// TestIdempotence is spec.md §8 property 5: syncing twice against an
// unchanged peer produces zero new messages, files, and tag changes on
// the second run.
func TestIdempotence(t *testing.T) {
	h := newHarness(t)
	h.writeMessage(h.respRoot, "cur/1.eml", "m1@example.com", "hi\n")
	require.NoError(t, h.respIdx.IndexFile("cur/1.eml"))
	require.NoError(t, h.respIdx.SetTags("m1@example.com", mapset.NewSetWith("inbox")))

	_, _, err1, err2 := h.run(Options{})
	require.NoError(t, err1)
	require.NoError(t, err2)

	initStats, respStats, err1, err2 := h.run(Options{})
	require.NoError(t, err1)
	require.NoError(t, err2)

	require.Zero(t, initStats.NewMessages)
	require.Zero(t, initStats.NewFiles)
	require.Zero(t, initStats.TagChanges)
	require.Zero(t, respStats.NewMessages)
	require.Zero(t, respStats.NewFiles)
	require.Zero(t, respStats.TagChanges)
}
