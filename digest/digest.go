// Package digest computes the content-addressing hash used to detect
// identical messages across stores: SHA-256 of the message bytes with the
// first "X-TUID: <...>\n" header stripped, so that mbsync's per-node
// progress annotation does not defeat deduplication of messages fetched
// independently on both sides.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

const tuidMarker = "X-TUID: "

// Digest returns the lowercase hex SHA-256 of data after stripping the first
// "X-TUID: <value>\n" line, if present. If the marker is found but not
// terminated by a newline, the trailer is left in place and the raw bytes
// are digested as-is.
func Digest(data []byte) string {
	sum := sha256.Sum256(stripTUID(data))
	return hex.EncodeToString(sum[:])
}

// stripTUID removes the first occurrence of "X-TUID: <value>\n" from data,
// returning a new slice. data is never mutated.
func stripTUID(data []byte) []byte {
	start := bytes.Index(data, []byte(tuidMarker))
	if start < 0 {
		return data
	}
	searchFrom := start + len(tuidMarker)
	nl := bytes.IndexByte(data[searchFrom:], '\n')
	if nl < 0 {
		return data
	}
	end := searchFrom + nl

	out := make([]byte, 0, len(data)-(end+1-start))
	out = append(out, data[:start]...)
	out = append(out, data[end+1:]...)
	return out
}
