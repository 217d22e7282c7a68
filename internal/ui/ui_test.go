package ui

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHumanizeBytes(t *testing.T) {
	require.Equal(t, "512 B", humanizeBytes(512))
	require.Equal(t, "1.0 KiB", humanizeBytes(1024))
	require.Equal(t, "1.5 KiB", humanizeBytes(1536))
	require.Equal(t, "1.0 MiB", humanizeBytes(1024*1024))
}

func TestClampWidth(t *testing.T) {
	require.Equal(t, 10, clampWidth(0))
	require.Equal(t, 10, clampWidth(30))
	require.Equal(t, 80, clampWidth(1000))
	require.Equal(t, 40, clampWidth(80))
}

func TestNewBarDoesNotPanicOutsideATerminal(t *testing.T) {
	require.NotPanics(t, func() {
		bar := NewBar("test.iso", 10)
		bar.Update(Progress{Name: "test.iso", PiecesHave: 3, PiecesTotal: 10, PeerCount: 2, DownloadBps: 8000})
	})
}
