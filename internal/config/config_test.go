package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequiresTorrentPathAndPort(t *testing.T) {
	_, err := Parse([]string{"-p", "6881"})
	require.Error(t, err)

	_, err = Parse([]string{"-f", "x.torrent"})
	require.Error(t, err)
}

func TestParseMinimal(t *testing.T) {
	cfg, err := Parse([]string{"-f", "x.torrent", "-p", "6881"})
	require.NoError(t, err)
	require.Equal(t, "x.torrent", cfg.TorrentPath)
	require.EqualValues(t, 6881, cfg.ListenPort)
	require.Equal(t, 50, cfg.MaxPeers)
	require.False(t, cfg.DebugLog)
	require.Empty(t, cfg.SinglePeerAddr())
}

func TestParseSinglePeerOverrideRequiresBoth(t *testing.T) {
	_, err := Parse([]string{"-f", "x.torrent", "-p", "6881", "-A", "1.2.3.4"})
	require.Error(t, err)

	cfg, err := Parse([]string{"-f", "x.torrent", "-p", "6881", "-A", "1.2.3.4", "-P", "6882"})
	require.NoError(t, err)
	require.Equal(t, "1.2.3.4:6882", cfg.SinglePeerAddr())
}

func TestFileDefaultsFillUnsetFlagsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_port = 7000
max_peers = 10
debug_log = true
`), 0644))

	cfg, err := Parse([]string{"-f", "x.torrent", "-c", path})
	require.NoError(t, err)
	require.EqualValues(t, 7000, cfg.ListenPort, "file fills in -p when it was never passed explicitly")
	require.Equal(t, 10, cfg.MaxPeers)
	require.True(t, cfg.DebugLog)

	cfg, err = Parse([]string{"-f", "x.torrent", "-p", "9000", "-c", path})
	require.NoError(t, err)
	require.EqualValues(t, 9000, cfg.ListenPort, "an explicit -p overrides the file")
}

func TestMaxPeersMustBePositive(t *testing.T) {
	_, err := Parse([]string{"-f", "x.torrent", "-p", "6881", "-maxpeers", "0"})
	require.Error(t, err)
}
