// Package transport spawns the remote peer process (ssh, or an explicit
// remote command) and wires its stdin/stdout into a wire.Stream, per
// spec.md §6's external-interfaces note that the transport is an external
// collaborator named only by interface. No precedent in the retrieved
// corpus spawns a child process directly, so this follows the teacher's
// general idiom elsewhere (github.com/pkg/errors wrapping, the package
// logger) rather than a specific file.
package transport

import (
	"io"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/kothoff/notmuch-sync/config"
	"github.com/kothoff/notmuch-sync/logging"
	"github.com/kothoff/notmuch-sync/wire"
)

// Peer is a spawned remote process with its duplex stream already wired
// up. Close waits for the process to exit and reports its status.
type Peer struct {
	cmd    *exec.Cmd
	Stream *wire.Stream
}

// CommandLine builds the remote command line per spec.md §6: RemoteCmd, if
// set, replaces the ssh-cmd/remote/user/path combination entirely, flags and
// all, so it is used verbatim; otherwise it assembles
// "<ssh-cmd> [-l <user>] <remote> <path>", appending --responder plus
// whichever of --delete/--delete-no-check/--mbsync are set on cfg, so the
// responder process parses the same engine.Options as the initiator instead
// of silently defaulting them all to false.
func CommandLine(cfg config.Config) []string {
	if cfg.RemoteCmd != "" {
		return splitWhitespace(cfg.RemoteCmd)
	}
	parts := splitWhitespace(cfg.SSHCmd)
	if cfg.User != "" {
		parts = append(parts, "-l", cfg.User)
	}
	parts = append(parts, cfg.Remote, cfg.RemoteBinary)
	parts = append(parts, responderFlags(cfg)...)
	return parts
}

// responderFlags returns the flags the remote invocation must carry so the
// peer, which always runs as Responder, adopts the same delete/mbsync mode
// as the initiator's own engine.Options.
func responderFlags(cfg config.Config) []string {
	flags := []string{"--responder"}
	if cfg.DeleteNoCheck {
		flags = append(flags, "--delete-no-check")
	} else if cfg.Delete {
		flags = append(flags, "--delete")
	}
	if cfg.Mbsync {
		flags = append(flags, "--mbsync")
	}
	return flags
}

// splitWhitespace splits on runs of whitespace with no shell-quoting
// awareness, per spec.md §9's documented open question: the original's own
// config parsing does no shell-aware splitting either, so this mirrors
// that texture rather than pulling in a shell-lexer dependency.
func splitWhitespace(s string) []string {
	return strings.Fields(s)
}

// Launch spawns argv[0] with argv[1:], connecting its stdin/stdout to a new
// wire.Stream and forwarding its stderr to the logger, one log entry per
// chunk read from the pipe.
func Launch(argv []string) (*Peer, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty remote command")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening remote stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening remote stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "opening remote stderr")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %s", strings.Join(argv, " "))
	}

	go forwardStderr(stderr)

	return &Peer{cmd: cmd, Stream: wire.New(stdout, stdin)}, nil
}

func forwardStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			logging.Warn("remote stderr", "output", strings.TrimRight(string(buf[:n]), "\n"))
		}
		if err != nil {
			return
		}
	}
}

// Close waits for the remote process to exit and returns an error if it
// exited with a non-zero status (spec.md §6: "non-zero propagates... a
// non-zero peer exit status").
func (p *Peer) Close() error {
	if err := p.cmd.Wait(); err != nil {
		return errors.Wrap(err, "remote process exited with an error")
	}
	return nil
}
