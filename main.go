package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gotorrent/internal/config"
	"gotorrent/internal/metainfo"
	"gotorrent/internal/peerid"
	"gotorrent/internal/piecestore"
	"gotorrent/internal/swarm"
	"gotorrent/internal/tracker"
	"gotorrent/internal/ui"
	"gotorrent/internal/xerr"
	"gotorrent/internal/xlog"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "gotorrent: %v\n", err)
		os.Exit(1)
	}

	debugPath := ""
	if cfg.DebugLog {
		debugPath = "debug.log"
	}

	log, err := xlog.New(debugPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gotorrent: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("fatal error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	t, err := metainfo.Parse(cfg.TorrentPath)
	if err != nil {
		return xerr.Wrap(xerr.ConfigInvalid, "parsing torrent file", err)
	}

	outPath := t.Name
	if outPath == "" {
		outPath = strings.TrimSuffix(filepath.Base(cfg.TorrentPath), filepath.Ext(cfg.TorrentPath))
	}

	store, err := piecestore.Open(t, outPath)
	if err != nil {
		return err
	}
	defer store.Close()

	id := peerid.Generate()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	singlePeerAddr := cfg.SinglePeerAddr()

	var tc *tracker.Client
	if singlePeerAddr == "" {
		tc = newTrackerClient(t, id, cfg)
	}

	bar := ui.NewBar(t.Name, t.NumPieces())

	sw := swarm.New(t, store, id, tc, log, swarm.Options{
		ListenPort:         cfg.ListenPort,
		MaxPeers:           cfg.MaxPeers,
		SeedOnComplete:     cfg.SeedAfterComplete,
		SinglePeerOverride: singlePeerAddr,
		OnProgress:         func(snap swarm.Snapshot) { bar.Update(toProgress(t.Name, snap)) },
	})

	if err := sw.Listen(); err != nil {
		return err
	}
	defer sw.Close()

	eg, ctx := errgroup.WithContext(ctx)

	if singlePeerAddr != "" {
		log.Info("restricting to single peer", zap.String("addr", singlePeerAddr))
		sw.Seed(ctx, eg, []tracker.PeerAddr{parseSinglePeer(cfg)})
	} else {
		initial, err := announceOnce(ctx, tc, uint64(t.TotalLength), log)
		if err != nil {
			log.Warn("initial tracker announce failed, will retry in the background", zap.Error(err))
		} else {
			sw.Seed(ctx, eg, initial)
		}
	}

	eg.Go(func() error { return sw.Run(ctx, eg) })

	err = eg.Wait()
	if err != nil && ctx.Err() == nil {
		ui.Failed(t.Name, err)
		return err
	}

	if store.IsComplete() {
		bar.Finish(toProgress(t.Name, swarm.Snapshot{
			PiecesHave:      t.NumPieces(),
			PiecesTotal:     t.NumPieces(),
			BytesDownloaded: store.BytesDownloaded(),
			TotalBytes:      uint64(t.TotalLength),
		}))
	}

	return nil
}

func toProgress(name string, snap swarm.Snapshot) ui.Progress {
	return ui.Progress{
		Name:            name,
		PiecesHave:      snap.PiecesHave,
		PiecesTotal:     snap.PiecesTotal,
		BytesDownloaded: snap.BytesDownloaded,
		TotalBytes:      snap.TotalBytes,
		PeerCount:       snap.PeerCount,
		DownloadBps:     snap.DownloadBps,
	}
}

func newTrackerClient(t *metainfo.Torrent, id [20]byte, cfg config.Config) *tracker.Client {
	return &tracker.Client{
		InfoHash:   t.InfoHash,
		PeerID:     id,
		ListenPort: cfg.ListenPort,
		Announce:   t.Announce,
		Fallback:   append(append([]string{}, t.AnnounceList...), tracker.PublicFallbacks...),
	}
}

func announceOnce(ctx context.Context, tc *tracker.Client, left uint64, log *zap.Logger) ([]tracker.PeerAddr, error) {
	resp, err := tc.Query(ctx, tracker.Stats{Left: left})
	if err != nil {
		return nil, err
	}
	log.Info("tracker announce", zap.Int("peers", len(resp.Peers)), zap.Int("interval", resp.Interval))
	return resp.Peers, nil
}

func parseSinglePeer(cfg config.Config) tracker.PeerAddr {
	return tracker.PeerAddr{IP: net.ParseIP(cfg.SinglePeerIP), Port: cfg.SinglePeerPort}
}
