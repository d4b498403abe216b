package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kothoff/notmuch-sync/config"
)

func TestCommandLineDefault(t *testing.T) {
	cfg := config.DefaultConfig
	cfg.Remote = "mail.example.com"

	got := CommandLine(cfg)
	require.Equal(t, []string{"ssh", "-CTaxq", "mail.example.com", "notmuch-sync", "--responder"}, got)
}

func TestCommandLineWithUser(t *testing.T) {
	cfg := config.DefaultConfig
	cfg.Remote = "mail.example.com"
	cfg.User = "alice"

	got := CommandLine(cfg)
	require.Equal(t, []string{"ssh", "-CTaxq", "-l", "alice", "mail.example.com", "notmuch-sync", "--responder"}, got)
}

func TestCommandLineForwardsDeleteAndMbsync(t *testing.T) {
	cfg := config.DefaultConfig
	cfg.Remote = "mail.example.com"
	cfg.Delete = true
	cfg.Mbsync = true

	got := CommandLine(cfg)
	require.Equal(t, []string{"ssh", "-CTaxq", "mail.example.com", "notmuch-sync", "--responder", "--delete", "--mbsync"}, got)
}

func TestCommandLineForwardsDeleteNoCheck(t *testing.T) {
	cfg := config.DefaultConfig
	cfg.Remote = "mail.example.com"
	cfg.Delete = true
	cfg.DeleteNoCheck = true

	got := CommandLine(cfg)
	require.Equal(t, []string{"ssh", "-CTaxq", "mail.example.com", "notmuch-sync", "--responder", "--delete-no-check"}, got)
}

func TestCommandLineExplicitRemoteCmdWins(t *testing.T) {
	cfg := config.DefaultConfig
	cfg.Remote = "mail.example.com"
	cfg.RemoteCmd = "doas -u mail notmuch-sync --responder"

	got := CommandLine(cfg)
	require.Equal(t, []string{"doas", "-u", "mail", "notmuch-sync", "--responder"}, got)
}

func TestLaunchAndRoundTrip(t *testing.T) {
	peer, err := Launch([]string{"cat"})
	require.NoError(t, err)

	require.NoError(t, peer.Stream.WriteUUID("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	got, err := peer.Stream.ReadUUID()
	require.NoError(t, err)
	require.Equal(t, "6ba7b810-9dad-11d1-80b4-00c04fd430c8", got)
}

func TestLaunchEmptyCommand(t *testing.T) {
	_, err := Launch(nil)
	require.Error(t, err)
}
