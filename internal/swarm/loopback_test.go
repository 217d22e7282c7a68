package swarm

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"gotorrent/internal/piecestore"
	"gotorrent/internal/tracker"
	"gotorrent/internal/wire"
	"gotorrent/internal/xlog"
)

// TestLoopbackSeederToLeecherRoundTrip drives two real Swarm
// coordinators over a loopback TCP socket: one fully-seeded, one
// empty, sharing one tiny in-memory torrent. It is the one end-to-end
// check that a leecher can dial a seeder, exchange handshake/bitfield/
// interested/unchoke, request every block, and reassemble the exact
// original bytes — the unit tests elsewhere only ever exercise one
// side of a peerEntry against net.Pipe.
func TestLoopbackSeederToLeecherRoundTrip(t *testing.T) {
	content := make([]byte, wire.BlockLen*3+100)
	for i := range content {
		content[i] = byte(i)
	}
	tor := tinyTorrent(t, content, wire.BlockLen*2)

	seederPath := filepath.Join(t.TempDir(), "seed.bin")
	seederStore, err := piecestore.Open(tor, seederPath)
	require.NoError(t, err)
	defer seederStore.Close()
	for p := 0; p < tor.NumPieces(); p++ {
		start := int64(p) * tor.PieceLength
		end := start + tor.PieceLen(p)
		piece := content[start:end]
		for b := 0; int64(b)*wire.BlockLen < int64(len(piece)); b++ {
			begin := int64(b) * wire.BlockLen
			blen := wire.BlockLength(int64(len(piece)), b)
			require.NoError(t, seederStore.RecordBlock(p, begin, piece[begin:begin+blen]))
		}
	}
	require.True(t, seederStore.IsComplete())

	leecherPath := filepath.Join(t.TempDir(), "leech.bin")
	leecherStore, err := piecestore.Open(tor, leecherPath)
	require.NoError(t, err)
	defer leecherStore.Close()

	seeder := New(tor, seederStore, [20]byte{1}, nil, xlog.Nop(), Options{
		ListenPort:     0,
		SeedOnComplete: true,
	})
	require.NoError(t, seeder.Listen())
	_, portStr, err := net.SplitHostPort(seeder.listener.Addr().String())
	require.NoError(t, err)
	seederPort, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	done := make(chan struct{})
	leecher := New(tor, leecherStore, [20]byte{2}, nil, xlog.Nop(), Options{
		ListenPort: 0,
		OnProgress: func(snap Snapshot) {
			if snap.Complete {
				select {
				case <-done:
				default:
					close(done)
				}
			}
		},
	})

	// ChokeRotationInterval/OptimisticUnchokeWindow default to real
	// production durations; shrink them for the life of this test so
	// the seeder's first tick unchokes the leecher instead of the test
	// waiting out a real 10s interval.
	origRotation, origOptimistic := ChokeRotationInterval, OptimisticUnchokeWindow
	ChokeRotationInterval = 20 * time.Millisecond
	OptimisticUnchokeWindow = 20 * time.Millisecond
	defer func() {
		ChokeRotationInterval = origRotation
		OptimisticUnchokeWindow = origOptimistic
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return seeder.Run(egCtx, eg) })
	eg.Go(func() error { return leecher.Run(egCtx, eg) })

	leecher.Seed(egCtx, eg, []tracker.PeerAddr{{IP: net.ParseIP("127.0.0.1"), Port: uint16(seederPort)}})

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("leecher never reported completion within the test timeout")
	}

	cancel()
	err = eg.Wait()
	require.True(t, err == nil || err == context.Canceled, "unexpected error: %v", err)

	got, err := os.ReadFile(leecherPath)
	require.NoError(t, err)
	require.Equal(t, content, got)
}
