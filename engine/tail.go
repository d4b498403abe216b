package engine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/kothoff/notmuch-sync/wire"
)

// tailTimeout is the 30-second guard of spec.md §4.9/§5 around the
// initiator's read of the responder's tail stats block, protecting against
// a responder crash leaving the initiator blocked forever.
const tailTimeout = 30 * time.Second

// writeTailStats implements the responder side of spec.md §4.9: six
// big-endian uint32 counters in a fixed order. Attempted even when an
// earlier phase failed, so the initiator never deadlocks waiting on it.
func writeTailStats(stream *wire.Stream, stats Stats) error {
	values := [...]uint32{
		stats.TagChanges,
		stats.FileMovesCopies,
		stats.FileDeletes,
		stats.NewMessages,
		stats.MessageDeletes,
		stats.NewFiles,
	}
	for _, v := range values {
		if err := stream.WriteUint32(v); err != nil {
			return err
		}
	}
	return nil
}

// readTailStats implements the initiator side of spec.md §4.9, guarded by
// tailTimeout: the standard library has no deadline-aware io.Reader here
// (the duplex stream may be a plain os.Pipe-backed child process stdout),
// so the read runs on its own goroutine and the result is raced against a
// timer, the idiomatic Go substitute for a cooperative-runtime
// select-on-deadline.
func readTailStats(stream *wire.Stream) (Stats, error) {
	type result struct {
		stats Stats
		err   error
	}
	done := make(chan result, 1)

	go func() {
		var values [6]uint32
		var err error
		for i := range values {
			if values[i], err = stream.ReadUint32(); err != nil {
				done <- result{err: err}
				return
			}
		}
		done <- result{stats: Stats{
			TagChanges:      values[0],
			FileMovesCopies: values[1],
			FileDeletes:     values[2],
			NewMessages:     values[3],
			MessageDeletes:  values[4],
			NewFiles:        values[5],
		}}
	}()

	select {
	case r := <-done:
		return r.stats, r.err
	case <-time.After(tailTimeout):
		return Stats{}, errors.New("timed out waiting for tail stats from responder")
	}
}
