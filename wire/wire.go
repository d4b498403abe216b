// Package wire implements the length-prefixed framing layer used by the
// notmuch-sync protocol: blob read/write plus the handful of fixed-size raw
// primitives (UUID, float64, uint32) exchanged at known protocol positions.
package wire

import (
	"encoding/binary"
	"io"
	"math"
	"sync/atomic"

	"github.com/pkg/errors"
)

// UUIDSize is the wire size of a store UUID (36-byte textual representation,
// e.g. "6ba7b810-9dad-11d1-80b4-00c04fd430c8").
const UUIDSize = 36

// maxBlobSize guards against a corrupt or hostile peer claiming an
// unreasonable length prefix; the protocol itself has no documented cap, but
// an unbounded allocation on a 4-byte attacker-controlled length is a
// self-inflicted DoS, so read_blob is bounded the way a duplex stream reader
// ordinarily bounds attacker-controlled sizes.
const maxBlobSize = 1 << 31

// Stream is a duplex byte-stream endpoint: exact-length reads, buffered
// writes, and a flush after every write (the framing layer never pipelines).
// It keeps process-wide-style byte counters, mirroring the teacher's
// atomic diagnostic counters, but scoped per stream rather than as package
// globals so that tests can run two peers in one process without counters
// bleeding into each other.
type Stream struct {
	r io.Reader
	w io.Writer
	f flusher

	bytesRead    uint64
	bytesWritten uint64
}

type flusher interface {
	Flush() error
}

// nopFlusher is used when the underlying writer has no Flush method.
type nopFlusher struct{}

func (nopFlusher) Flush() error { return nil }

// New wraps an io.Reader/io.Writer pair (e.g. a child process's stdout and
// stdin) into a Stream. If w also implements Flush() error, it is used to
// flush after every write; otherwise writes are assumed unbuffered.
func New(r io.Reader, w io.Writer) *Stream {
	s := &Stream{r: r, w: w}
	if fl, ok := w.(flusher); ok {
		s.f = fl
	} else {
		s.f = nopFlusher{}
	}
	return s
}

// BytesRead returns the number of bytes read so far, for diagnostics.
func (s *Stream) BytesRead() uint64 { return atomic.LoadUint64(&s.bytesRead) }

// BytesWritten returns the number of bytes written so far, for diagnostics.
func (s *Stream) BytesWritten() uint64 { return atomic.LoadUint64(&s.bytesWritten) }

func (s *Stream) readExact(buf []byte) error {
	if _, err := io.ReadFull(s.r, buf); err != nil {
		return errors.Wrap(err, "short read")
	}
	atomic.AddUint64(&s.bytesRead, uint64(len(buf)))
	return nil
}

func (s *Stream) writeExact(buf []byte) error {
	if _, err := s.w.Write(buf); err != nil {
		return errors.Wrap(err, "short write")
	}
	atomic.AddUint64(&s.bytesWritten, uint64(len(buf)))
	return nil
}

// WriteBlob emits a 4-byte big-endian length prefix followed by data, then
// flushes.
func (s *Stream) WriteBlob(data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if err := s.writeExact(lenBuf[:]); err != nil {
		return err
	}
	if err := s.writeExact(data); err != nil {
		return err
	}
	return s.f.Flush()
}

// ReadBlob reads a 4-byte big-endian length prefix followed by exactly that
// many bytes.
func (s *Stream) ReadBlob() ([]byte, error) {
	var lenBuf [4]byte
	if err := s.readExact(lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxBlobSize {
		return nil, errors.Errorf("blob length %d exceeds maximum %d", n, maxBlobSize)
	}
	data := make([]byte, n)
	if err := s.readExact(data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteUUID writes the raw 36-byte UUID string, unframed (its length is
// known by protocol position).
func (s *Stream) WriteUUID(uuid string) error {
	if len(uuid) != UUIDSize {
		return errors.Errorf("uuid %q is not %d bytes", uuid, UUIDSize)
	}
	if err := s.writeExact([]byte(uuid)); err != nil {
		return err
	}
	return s.f.Flush()
}

// ReadUUID reads the raw 36-byte UUID string.
func (s *Stream) ReadUUID() (string, error) {
	buf := make([]byte, UUIDSize)
	if err := s.readExact(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteFloat64 writes an IEEE-754 double as 8 raw big-endian bytes.
func (s *Stream) WriteFloat64(v float64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	if err := s.writeExact(buf[:]); err != nil {
		return err
	}
	return s.f.Flush()
}

// ReadFloat64 reads an IEEE-754 double from 8 raw big-endian bytes.
func (s *Stream) ReadFloat64() (float64, error) {
	var buf [8]byte
	if err := s.readExact(buf[:]); err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(buf[:])), nil
}

// WriteUint32 writes a raw 4-byte big-endian uint32.
func (s *Stream) WriteUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	if err := s.writeExact(buf[:]); err != nil {
		return err
	}
	return s.f.Flush()
}

// ReadUint32 reads a raw 4-byte big-endian uint32.
func (s *Stream) ReadUint32() (uint32, error) {
	var buf [4]byte
	if err := s.readExact(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
