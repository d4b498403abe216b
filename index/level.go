package index

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/kothoff/notmuch-sync/digest"
)

// storedMessage is the on-disk representation of a message record inside
// LevelIndex's leveldb handle.
type storedMessage struct {
	Tags    []string `json:"tags"`
	Paths   []string `json:"paths"`
	Lastmod uint64   `json:"lastmod"`
}

// LevelIndex is a reference Index implementation backed by
// github.com/syndtr/goleveldb, the same embedded key-value store the
// teacher repository uses for its chain database. It is not a notmuch
// binding: it exists so the sync engine can be exercised end-to-end in
// tests and by the notmuch-sync-indextest helper without a real notmuch
// database.
type LevelIndex struct {
	mu   sync.Mutex
	db   *leveldb.DB
	root string
	uuid string
	rev  uint64
}

const (
	keyMessagePrefix = "msg:"
	keyPathPrefix    = "path:"
	keyRevision      = "meta:revision"
	keyUUID          = "meta:uuid"
)

// OpenLevelIndex opens (creating if necessary) a LevelIndex rooted at root,
// with its leveldb data stored in dbDir. A fresh index is assigned a random
// UUID on first open.
func OpenLevelIndex(root, dbDir string) (*LevelIndex, error) {
	db, err := leveldb.OpenFile(dbDir, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening index leveldb")
	}
	idx := &LevelIndex{db: db, root: root}

	if v, err := db.Get([]byte(keyUUID), nil); err == nil {
		idx.uuid = string(v)
	} else if errors.Is(err, leveldb.ErrNotFound) {
		idx.uuid = uuid.New()
		if err := db.Put([]byte(keyUUID), []byte(idx.uuid), nil); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "persisting new index uuid")
		}
	} else {
		db.Close()
		return nil, errors.Wrap(err, "reading index uuid")
	}

	if v, err := db.Get([]byte(keyRevision), nil); err == nil {
		idx.rev = decodeUint64(v)
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		db.Close()
		return nil, errors.Wrap(err, "reading index revision")
	}

	return idx, nil
}

// Close releases the underlying leveldb handle.
func (idx *LevelIndex) Close() error { return idx.db.Close() }

func (idx *LevelIndex) Root() string { return idx.root }

func (idx *LevelIndex) Revision() (uint64, string, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.rev, idx.uuid, nil
}

func (idx *LevelIndex) bumpRevision() (uint64, error) {
	idx.rev++
	if err := idx.db.Put([]byte(keyRevision), encodeUint64(idx.rev), nil); err != nil {
		return 0, errors.Wrap(err, "persisting bumped revision")
	}
	return idx.rev, nil
}

func (idx *LevelIndex) getMessage(id string) (storedMessage, bool, error) {
	v, err := idx.db.Get([]byte(keyMessagePrefix+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return storedMessage{}, false, nil
	}
	if err != nil {
		return storedMessage{}, false, errors.Wrapf(err, "reading message %s", id)
	}
	var m storedMessage
	if err := json.Unmarshal(v, &m); err != nil {
		return storedMessage{}, false, errors.Wrapf(err, "decoding message %s", id)
	}
	return m, true, nil
}

func (idx *LevelIndex) putMessage(id string, m storedMessage) error {
	v, err := json.Marshal(m)
	if err != nil {
		return errors.Wrapf(err, "encoding message %s", id)
	}
	return idx.db.Put([]byte(keyMessagePrefix+id), v, nil)
}

// Find implements Index. A message with no paths is a ghost and reported
// absent.
func (idx *LevelIndex) Find(id string) (Record, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	m, ok, err := idx.getMessage(id)
	if err != nil || !ok || len(m.Paths) == 0 {
		return Record{}, false, err
	}
	return toRecord(id, m), true, nil
}

func toRecord(id string, m storedMessage) Record {
	return Record{
		MessageID: id,
		Tags:      mapset.NewSetFromSlice(toInterfaceSlice(m.Tags)),
		Paths:     mapset.NewSetFromSlice(toInterfaceSlice(m.Paths)),
	}
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// messageIDFromContent extracts the Message-Id header value if present,
// falling back to the content digest so every file can be indexed even
// without a well-formed header -- this is a test-fixture convenience, real
// notmuch always has a Message-Id.
func messageIDFromContent(data []byte) string {
	for _, line := range bytes.Split(data, []byte("\n")) {
		s := string(bytes.TrimRight(line, "\r"))
		low := strings.ToLower(s)
		if strings.HasPrefix(low, "message-id:") {
			v := strings.TrimSpace(s[len("message-id:"):])
			v = strings.Trim(v, "<>")
			if v != "" {
				return v
			}
		}
		if s == "" {
			break // end of headers
		}
	}
	return digest.Digest(data)
}

// IndexFile implements Index: path is root-relative. The file is read from
// disk to determine (or confirm) which message it belongs to.
func (idx *LevelIndex) IndexFile(relPath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(idx.root, relPath))
	if err != nil {
		return errors.Wrapf(err, "reading %s to index", relPath)
	}
	id := messageIDFromContent(data)

	m, _, err := idx.getMessage(id)
	if err != nil {
		return err
	}
	if !containsString(m.Paths, relPath) {
		m.Paths = append(m.Paths, relPath)
	}
	rev, err := idx.bumpRevision()
	if err != nil {
		return err
	}
	m.Lastmod = rev
	if err := idx.putMessage(id, m); err != nil {
		return err
	}
	return idx.db.Put([]byte(keyPathPrefix+relPath), []byte(id), nil)
}

// RemoveMessage implements Index: removes relPath from its message's path
// set. Once the path set is empty the record stays behind as a ghost, which
// Find and Query report as absent.
func (idx *LevelIndex) RemoveMessage(relPath string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idBytes, err := idx.db.Get([]byte(keyPathPrefix+relPath), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "looking up message for %s", relPath)
	}
	id := string(idBytes)

	m, ok, err := idx.getMessage(id)
	if err != nil || !ok {
		return err
	}
	m.Paths = removeString(m.Paths, relPath)
	rev, err := idx.bumpRevision()
	if err != nil {
		return err
	}
	m.Lastmod = rev
	if err := idx.putMessage(id, m); err != nil {
		return err
	}
	return idx.db.Delete([]byte(keyPathPrefix+relPath), nil)
}

// Query implements Index.
func (idx *LevelIndex) Query(lo, hi uint64, wildcard bool) ([]Record, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	iter := idx.db.NewIterator(nil, nil)
	defer iter.Release()

	var out []Record
	prefix := []byte(keyMessagePrefix)
	for iter.Seek(prefix); iter.Valid() && bytes.HasPrefix(iter.Key(), prefix); iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), keyMessagePrefix)
		var m storedMessage
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, errors.Wrapf(err, "decoding message %s during query", id)
		}
		if len(m.Paths) == 0 {
			continue // ghost
		}
		if wildcard || (m.Lastmod > lo && m.Lastmod <= hi) {
			out = append(out, toRecord(id, m))
		}
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "iterating index")
	}
	return out, nil
}

// SetTags implements Index.
func (idx *LevelIndex) SetTags(id string, tags mapset.Set) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m, ok, err := idx.getMessage(id)
	if err != nil || !ok {
		return err
	}
	m.Tags = setToSortedSlice(tags)
	rev, err := idx.bumpRevision()
	if err != nil {
		return err
	}
	m.Lastmod = rev
	return idx.putMessage(id, m)
}

// AddTag implements Index.
func (idx *LevelIndex) AddTag(id, tag string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m, ok, err := idx.getMessage(id)
	if err != nil || !ok {
		return errors.Errorf("message %s not found", id)
	}
	if !containsString(m.Tags, tag) {
		m.Tags = append(m.Tags, tag)
	}
	rev, err := idx.bumpRevision()
	if err != nil {
		return err
	}
	m.Lastmod = rev
	return idx.putMessage(id, m)
}

// RemoveTag implements Index.
func (idx *LevelIndex) RemoveTag(id, tag string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	m, ok, err := idx.getMessage(id)
	if err != nil || !ok {
		return errors.Errorf("message %s not found", id)
	}
	m.Tags = removeString(m.Tags, tag)
	rev, err := idx.bumpRevision()
	if err != nil {
		return err
	}
	m.Lastmod = rev
	return idx.putMessage(id, m)
}

func containsString(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(ss []string, v string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func setToSortedSlice(s mapset.Set) []string {
	out := make([]string, 0, s.Cardinality())
	for v := range s.Iter() {
		out = append(out, v.(string))
	}
	sort.Strings(out)
	return out
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
