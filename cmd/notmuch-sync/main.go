// Command notmuch-sync is the CLI surface of spec.md §6: it resolves
// config, spawns (or adopts, as a responder) the peer connection, and
// drives one engine.Run. Grounded on the teacher's cmd/gabey command
// structure: a cli.App with a shared flag set, a dumpconfig subcommand,
// and cli.NewExitError for the process exit status.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/urfave/cli.v1"

	"github.com/kothoff/notmuch-sync/config"
	"github.com/kothoff/notmuch-sync/engine"
	"github.com/kothoff/notmuch-sync/index"
	"github.com/kothoff/notmuch-sync/logging"
	"github.com/kothoff/notmuch-sync/transport"
	"github.com/kothoff/notmuch-sync/wire"
)

var gitCommit = ""

// responderFlag is not part of config.Flags: it is a private wire between
// this binary and itself, appended by transport.CommandLine to the remote
// invocation so the spawned process knows to run as Responder instead of
// re-deriving that from context.
var responderFlag = cli.BoolFlag{
	Name:   "responder",
	Usage:  "internal: run as the responder side of a sync (set by the peer invocation)",
	Hidden: true,
}

func main() {
	app := cli.NewApp()
	app.Name = "notmuch-sync"
	app.Usage = "synchronize a notmuch mail store with a remote peer"
	app.Version = "0.1.0-" + gitCommit
	app.Flags = append(append([]cli.Flag{}, config.Flags...), responderFlag)
	app.Action = run
	app.Commands = []cli.Command{dumpConfigCommand}

	if err := app.Run(os.Args); err != nil {
		logging.Error("notmuch-sync failed", "err", err)
		os.Exit(1)
	}
}

var dumpConfigCommand = cli.Command{
	Name:        "dumpconfig",
	Usage:       "show the resolved configuration as TOML",
	Flags:       config.Flags,
	Description: "The dumpconfig command shows configuration values.",
	Action: func(ctx *cli.Context) error {
		cfg, err := config.FromContext(ctx)
		if err != nil {
			return cli.NewExitError(err.Error(), exitConfig)
		}
		return config.Dump(os.Stdout, cfg)
	},
}

// Exit codes: 0 success; a small fixed set of non-zero codes distinguishes
// configuration mistakes from sync failures from a failed peer process,
// per spec.md §6 ("non-zero propagates the first sync error or a
// non-zero peer exit status").
const (
	exitConfig = 1
	exitSync   = 2
	exitPeer   = 3
)

func run(ctx *cli.Context) error {
	cfg, err := config.FromContext(ctx)
	if err != nil {
		return cli.NewExitError(err.Error(), exitConfig)
	}
	logging.SetDefault(logging.New(os.Stderr, cfg.LogLevel()))

	root := cfg.Root
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return cli.NewExitError(err.Error(), exitConfig)
		}
	}
	idx, err := index.OpenLevelIndex(root, filepath.Join(root, ".notmuch", "notmuch-sync.leveldb"))
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("opening index at %s: %v", root, err), exitConfig)
	}
	defer idx.Close()

	opts := engine.Options{Delete: cfg.Delete, DeleteNoCheck: cfg.DeleteNoCheck, Mbsync: cfg.Mbsync}

	if ctx.Bool(responderFlag.Name) {
		return runResponder(idx, opts)
	}
	return runInitiator(cfg, idx, opts)
}

// runResponder is invoked on the remote host, wired directly to this
// process's own stdin/stdout by the initiator's transport.
func runResponder(idx index.Index, opts engine.Options) error {
	stream := wire.New(os.Stdin, os.Stdout)
	stats, err := engine.Run(stream, idx, engine.Responder, opts)
	logSummary(engine.Responder, stats)
	if err != nil {
		return cli.NewExitError(err.Error(), exitSync)
	}
	return nil
}

func runInitiator(cfg config.Config, idx index.Index, opts engine.Options) error {
	peer, err := transport.Launch(transport.CommandLine(cfg))
	if err != nil {
		return cli.NewExitError(err.Error(), exitConfig)
	}

	stats, syncErr := engine.Run(peer.Stream, idx, engine.Initiator, opts)
	logSummary(engine.Initiator, stats)

	peerErr := peer.Close()
	if syncErr != nil {
		return cli.NewExitError(syncErr.Error(), exitSync)
	}
	if peerErr != nil {
		return cli.NewExitError(peerErr.Error(), exitPeer)
	}
	return nil
}

func logSummary(role engine.Role, stats engine.Stats) {
	logging.Info("sync complete", "role", role.String(),
		"tag_changes", stats.TagChanges, "file_moves_copies", stats.FileMovesCopies,
		"file_deletes", stats.FileDeletes, "new_messages", stats.NewMessages,
		"message_deletes", stats.MessageDeletes, "new_files", stats.NewFiles)
}
