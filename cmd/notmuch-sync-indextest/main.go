// Command notmuch-sync-indextest drives a LevelIndex directly from the
// shell, for exercising the engine against two independently-manipulated
// stores without notmuch itself. Grounded on cmd/genKey's subcommand-per-
// operation cli.v1 structure in the teacher repository.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set"
	"gopkg.in/urfave/cli.v1"

	"github.com/kothoff/notmuch-sync/index"
)

func main() {
	app := cli.NewApp()
	app.Name = "notmuch-sync-indextest"
	app.Usage = "manipulate a LevelIndex reference store for manual protocol testing"
	app.Commands = []cli.Command{
		indexCommand,
		removeCommand,
		tagCommand,
		queryCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "notmuch-sync-indextest:", err)
		os.Exit(1)
	}
}

func dbPath(root string) string {
	return filepath.Join(root, ".notmuch", "notmuch-sync.leveldb")
}

func openIndex(root string) (*index.LevelIndex, error) {
	return index.OpenLevelIndex(root, dbPath(root))
}

var indexCommand = cli.Command{
	Name:      "index",
	Usage:     "index a file, creating or updating the message it belongs to",
	ArgsUsage: "ROOT RELPATH",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return cli.NewExitError("usage: index ROOT RELPATH", 1)
		}
		idx, err := openIndex(ctx.Args().Get(0))
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer idx.Close()
		if err := idx.IndexFile(ctx.Args().Get(1)); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	},
}

var removeCommand = cli.Command{
	Name:      "remove",
	Usage:     "remove a file from the index",
	ArgsUsage: "ROOT RELPATH",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 2 {
			return cli.NewExitError("usage: remove ROOT RELPATH", 1)
		}
		idx, err := openIndex(ctx.Args().Get(0))
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer idx.Close()
		if err := idx.RemoveMessage(ctx.Args().Get(1)); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	},
}

var tagCommand = cli.Command{
	Name:      "tag",
	Usage:     "replace a message's tag set wholesale (comma-separated)",
	ArgsUsage: "ROOT MESSAGE-ID TAGS",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 3 {
			return cli.NewExitError("usage: tag ROOT MESSAGE-ID TAGS", 1)
		}
		idx, err := openIndex(ctx.Args().Get(0))
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer idx.Close()

		tags := mapset.NewSet()
		for _, t := range strings.Split(ctx.Args().Get(2), ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags.Add(t)
			}
		}
		if err := idx.SetTags(ctx.Args().Get(1), tags); err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		return nil
	},
}

var queryCommand = cli.Command{
	Name:      "query",
	Usage:     "print every message in the index, one line each: id, tags, paths",
	ArgsUsage: "ROOT",
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() != 1 {
			return cli.NewExitError("usage: query ROOT", 1)
		}
		idx, err := openIndex(ctx.Args().Get(0))
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		defer idx.Close()

		records, err := idx.Query(0, 0, true)
		if err != nil {
			return cli.NewExitError(err.Error(), 1)
		}
		for _, rec := range records {
			fmt.Printf("%s\ttags=%v\tpaths=%v\n", rec.MessageID, rec.Tags.ToSlice(), rec.Paths.ToSlice())
		}
		return nil
	},
}
