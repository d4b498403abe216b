// Package config resolves the command-line and optional TOML
// configuration surface of spec.md §6 into a single Config value, and
// derives the logging level it implies. Grounded on the teacher's
// cmd/gabey/config.go TOML+CLI pattern: flags populate a struct first,
// then an optional -config file is decoded over it with the teacher's
// field-name-preserving toml.Config settings.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"reflect"
	"unicode"

	"github.com/naoina/toml"
	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"

	"github.com/kothoff/notmuch-sync/logging"
)

// Config is the resolved set of options a sync run needs, gathered from
// CLI flags and (optionally) a TOML file.
type Config struct {
	Remote        string `toml:",omitempty"`
	User          string `toml:",omitempty"`
	SSHCmd        string
	RemoteBinary  string
	RemoteCmd     string `toml:",omitempty"`
	Verbosity     int
	Quiet         bool
	Delete        bool
	DeleteNoCheck bool
	Mbsync        bool
	Root          string `toml:",omitempty"`
}

// DefaultConfig mirrors the teacher's defaultNodeConfig: the zero-flag
// baseline spec.md §6 documents (ssh -CTaxq, remote binary "notmuch-sync").
var DefaultConfig = Config{
	SSHCmd:       "ssh -CTaxq",
	RemoteBinary: "notmuch-sync",
}

// tomlSettings mirrors the teacher's: TOML keys use the same names as the
// Go struct fields, no case-folding or renaming.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		hint := ""
		if unicode.IsUpper(rune(rt.Name()[0])) {
			hint = " (see the Config struct for available fields)"
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), hint)
	},
}

var (
	RemoteFlag = cli.StringFlag{
		Name:  "remote, r",
		Usage: "remote host to sync with",
	}
	UserFlag = cli.StringFlag{
		Name:  "user, u",
		Usage: "user to log into the remote host as",
	}
	SSHCmdFlag = cli.StringFlag{
		Name:  "ssh-cmd, s",
		Usage: "ssh command template",
		Value: DefaultConfig.SSHCmd,
	}
	PathFlag = cli.StringFlag{
		Name:  "path, p",
		Usage: "path to the notmuch-sync binary on the remote host",
		Value: DefaultConfig.RemoteBinary,
	}
	RemoteCmdFlag = cli.StringFlag{
		Name:  "remote-cmd, c",
		Usage: "explicit remote command, replacing ssh-cmd/remote/user/path entirely",
	}
	VerboseFlag = cli.IntFlag{
		Name:  "verbose, v",
		Usage: "verbosity level: 0=warn, 1=info, 2=debug",
	}
	QuietFlag = cli.BoolFlag{
		Name:  "quiet, q",
		Usage: "suppress all log output",
	}
	DeleteFlag = cli.BoolFlag{
		Name:  "delete, d",
		Usage: "propagate deletions",
	}
	DeleteNoCheckFlag = cli.BoolFlag{
		Name:  "delete-no-check, x",
		Usage: "propagate deletions without requiring the deleted tag",
	}
	MbsyncFlag = cli.BoolFlag{
		Name:  "mbsync, m",
		Usage: "also sync mbsync auxiliary state files",
	}
	ConfigFileFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
)

// Flags is the full flag set registered on the root command and shared
// with the dumpconfig subcommand.
var Flags = []cli.Flag{
	RemoteFlag, UserFlag, SSHCmdFlag, PathFlag, RemoteCmdFlag,
	VerboseFlag, QuietFlag, DeleteFlag, DeleteNoCheckFlag, MbsyncFlag, ConfigFileFlag,
}

// FromContext implements spec.md §6's resolution order: defaults, then an
// optional -config file, then explicit flags (flags always win, since a
// user invoking with an override expects it to take effect).
func FromContext(ctx *cli.Context) (Config, error) {
	cfg := DefaultConfig

	if file := ctx.String(ConfigFileFlag.Name); file != "" {
		if err := Load(file, &cfg); err != nil {
			return Config{}, errors.Wrap(err, "loading config file")
		}
	}

	if ctx.IsSet(RemoteFlag.Name) {
		cfg.Remote = ctx.String(RemoteFlag.Name)
	}
	if ctx.IsSet(UserFlag.Name) {
		cfg.User = ctx.String(UserFlag.Name)
	}
	if ctx.IsSet(SSHCmdFlag.Name) {
		cfg.SSHCmd = ctx.String(SSHCmdFlag.Name)
	}
	if ctx.IsSet(PathFlag.Name) {
		cfg.RemoteBinary = ctx.String(PathFlag.Name)
	}
	if ctx.IsSet(RemoteCmdFlag.Name) {
		cfg.RemoteCmd = ctx.String(RemoteCmdFlag.Name)
	}
	if ctx.Bool(QuietFlag.Name) {
		cfg.Quiet = true
	}
	if ctx.IsSet(VerboseFlag.Name) {
		cfg.Verbosity = ctx.Int(VerboseFlag.Name)
	}
	if ctx.Bool(DeleteFlag.Name) {
		cfg.Delete = true
	}
	if ctx.Bool(DeleteNoCheckFlag.Name) {
		cfg.DeleteNoCheck = true
		cfg.Delete = true // delete-no-check implies delete
	}
	if ctx.Bool(MbsyncFlag.Name) {
		cfg.Mbsync = true
	}

	if cfg.Remote == "" && cfg.RemoteCmd == "" {
		return Config{}, errConfig{"no --remote and no --remote-cmd given"}
	}
	return cfg, nil
}

// errConfig reports a configuration error (spec.md §7): no remote and no
// remote-cmd given, aborting before any transport is spawned.
type errConfig struct{ msg string }

func (e errConfig) Error() string { return e.msg }

// Load decodes file into cfg using the field-name-preserving TOML settings,
// the same shape as the teacher's loadConfig.
func Load(file string, cfg *Config) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = fmt.Errorf("%s, %s", file, err.Error())
	}
	return err
}

// Dump renders cfg as TOML to w, mirroring the teacher's dumpConfig
// command.
func Dump(w io.Writer, cfg Config) error {
	out, err := tomlSettings.Marshal(&cfg)
	if err != nil {
		return err
	}
	_, err = w.Write(out)
	return err
}

// LogLevel maps the verbosity/quiet flags onto a logging.Level the way the
// original CLI maps --verbose/--quiet onto a log level filter.
func (c Config) LogLevel() logging.Level {
	if c.Quiet {
		return logging.LevelOff
	}
	switch {
	case c.Verbosity >= 2:
		return logging.LevelDebug
	case c.Verbosity == 1:
		return logging.LevelInfo
	default:
		return logging.LevelWarn
	}
}
