// Package config resolves the CLI surface: flags parsed with the
// standard flag package, layered on top of an optional TOML defaults
// file so a user can pin a listen port, peer limit, debug switch or
// seed switch once instead of retyping it on every invocation.
package config

import (
	"flag"
	"fmt"

	"github.com/BurntSushi/toml"

	"gotorrent/internal/xerr"
)

// Config is the fully resolved set of knobs the App needs to run.
type Config struct {
	TorrentPath string
	ListenPort  uint16
	DebugLog    bool

	// SinglePeerIP/SinglePeerPort restrict the swarm to exactly one
	// peer and skip tracker discovery (-A/-P).
	SinglePeerIP   string
	SinglePeerPort uint16

	SeedAfterComplete bool
	MaxPeers           int
}

// fileDefaults is the optional TOML document loaded from -c. Every
// field is a pointer so "absent from the file" is distinguishable from
// "zero value in the file".
type fileDefaults struct {
	ListenPort *int    `toml:"listen_port"`
	MaxPeers   *int    `toml:"max_peers"`
	DebugLog   *bool   `toml:"debug_log"`
	Seed       *bool   `toml:"seed"`
}

// Parse reads args (normally os.Args[1:]) and, if -c points at a file,
// layers its values underneath whatever flags were explicitly set:
// flags always win over the file, and the file always wins over the
// package's own defaults.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("gotorrent", flag.ContinueOnError)

	torrentPath := fs.String("f", "", "path to the .torrent file (required)")
	listenPort := fs.Int("p", 0, "TCP port to listen on (required)")
	debug := fs.Bool("d", false, "enable debug logging to debug.log")
	singleIP := fs.String("A", "", "restrict to a single peer: its IP address")
	singlePort := fs.Int("P", 0, "restrict to a single peer: its port")
	seed := fs.Bool("s", false, "keep seeding after the download completes")
	maxPeers := fs.Int("maxpeers", 50, "maximum number of simultaneous peer connections")
	configPath := fs.String("c", "", "optional TOML file of defaults, overridden by any flag given explicitly")

	if err := fs.Parse(args); err != nil {
		return Config{}, xerr.Wrap(xerr.ConfigInvalid, "parsing flags", err)
	}

	cfg := Config{
		TorrentPath:        *torrentPath,
		ListenPort:         uint16(*listenPort),
		DebugLog:           *debug,
		SinglePeerIP:       *singleIP,
		SinglePeerPort:     uint16(*singlePort),
		SeedAfterComplete:  *seed,
		MaxPeers:           *maxPeers,
	}

	if *configPath != "" {
		var fd fileDefaults
		if _, err := toml.DecodeFile(*configPath, &fd); err != nil {
			return Config{}, xerr.Wrap(xerr.ConfigInvalid, "reading config file", err)
		}
		applyFileDefaults(&cfg, fd, fs)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyFileDefaults fills in a field from the TOML file only when the
// corresponding flag was never explicitly set on the command line.
func applyFileDefaults(cfg *Config, fd fileDefaults, fs *flag.FlagSet) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if fd.ListenPort != nil && !explicit["p"] {
		cfg.ListenPort = uint16(*fd.ListenPort)
	}
	if fd.MaxPeers != nil && !explicit["maxpeers"] {
		cfg.MaxPeers = *fd.MaxPeers
	}
	if fd.DebugLog != nil && !explicit["d"] {
		cfg.DebugLog = *fd.DebugLog
	}
	if fd.Seed != nil && !explicit["s"] {
		cfg.SeedAfterComplete = *fd.Seed
	}
}

func (c Config) validate() error {
	if c.TorrentPath == "" {
		return xerr.New(xerr.ConfigInvalid, "-f (torrent file path) is required")
	}
	if c.ListenPort == 0 {
		return xerr.New(xerr.ConfigInvalid, "-p (listen port) is required")
	}
	if (c.SinglePeerIP == "") != (c.SinglePeerPort == 0) {
		return xerr.New(xerr.ConfigInvalid, "-A and -P must be given together")
	}
	if c.MaxPeers <= 0 {
		return xerr.New(xerr.ConfigInvalid, fmt.Sprintf("-maxpeers must be positive, got %d", c.MaxPeers))
	}
	return nil
}

// SinglePeerAddr returns the "ip:port" override, or "" if none was given.
func (c Config) SinglePeerAddr() string {
	if c.SinglePeerIP == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.SinglePeerIP, c.SinglePeerPort)
}
