// Package swarm owns the peer table and listening socket, multiplexes
// all peer traffic, and implements the choking/unchoking, optimistic
// unchoke, and endgame policies. A single-threaded readiness loop is
// re-expressed here as one coordinator goroutine fed by per-peer
// reader goroutines over channels, rather than a select()/poll() loop.
package swarm

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gotorrent/internal/metainfo"
	"gotorrent/internal/peerlink"
	"gotorrent/internal/piecestore"
	"gotorrent/internal/tracker"
	"gotorrent/internal/wire"
	"gotorrent/internal/xerr"
)

// Tunables governing peer capacity and policy timing.
const (
	DefaultMaxPeers        = 50
	TickInterval           = 200 * time.Millisecond
	NumUnchokedDownloaders = 4
	DialTimeout            = 5 * time.Second
	readBufSize            = 64 * 1024
	socketBufTuneBytes     = 1 << 20
	defaultTrackerRefresh  = 30 * time.Minute
)

// ChokeRotationInterval and OptimisticUnchokeWindow are vars, not
// consts, solely so an integration test can shrink them and exercise
// a real rotation within its timeout instead of waiting out the
// production interval.
var (
	ChokeRotationInterval   = 10 * time.Second
	OptimisticUnchokeWindow = 30 * time.Second
)

// EndgameThreshold is the residual-bytes heuristic at which the
// endgame policy activates: 100 * MAX_IN_FLIGHT * BLOCK_LEN bytes
// remaining.
const EndgameThreshold = 100 * wire.MaxInFlight * wire.BlockLen

// PeerHandle is a stable identifier for a connected peer, used instead
// of a raw pointer or socket fd so request-replenishment can iterate a
// snapshot safely even if a peer is removed mid-iteration.
type PeerHandle uint64

type peerEntry struct {
	handle PeerHandle
	link   *peerlink.Link
	cancel context.CancelFunc
}

type peerEvent struct {
	handle PeerHandle
	data   []byte
	err    error
}

type dialResult struct {
	addr string
	conn net.Conn
	err  error
}

// Options configures a Swarm.
type Options struct {
	ListenPort     uint16
	MaxPeers       int
	SeedOnComplete bool
	// SinglePeerOverride restricts the swarm to exactly one peer
	// address, skipping tracker discovery entirely (CLI -A/-P).
	SinglePeerOverride string
	// OnProgress, if set, is invoked from the coordinator goroutine
	// itself on every progress tick, never from a separate goroutine,
	// since the piece store it reads from is exclusively owned here.
	OnProgress func(Snapshot)
}

// Snapshot is a point-in-time view of download progress, safe to hand
// to a renderer because it is a plain value copied out of the
// coordinator's own state.
type Snapshot struct {
	PiecesHave      int
	PiecesTotal     int
	BytesDownloaded uint64
	TotalBytes      uint64
	PeerCount       int
	DownloadBps     float64
	Complete        bool
}

const progressInterval = 500 * time.Millisecond

// Swarm coordinates every peer connection for one torrent download.
type Swarm struct {
	torrent *metainfo.Torrent
	store   *piecestore.Store
	log     *zap.Logger
	peerID  [20]byte
	opts    Options

	listener net.Listener

	trackerClient   *tracker.Client
	lastTrackerPoll time.Time
	trackerInterval time.Duration

	peers      map[PeerHandle]*peerEntry
	nextHandle PeerHandle

	events  chan peerEvent
	dialed  chan dialResult
	trkDone chan trackerOutcome

	lastChokeRotation time.Time
	lastOptimistic    time.Time
	endgame           bool

	uploaded uint64

	lastProgressAt    time.Time
	lastProgressBytes uint64
}

type trackerOutcome struct {
	resp *tracker.Response
	err  error
}

// New constructs a Swarm ready to Run.
func New(t *metainfo.Torrent, store *piecestore.Store, peerID [20]byte, tc *tracker.Client, log *zap.Logger, opts Options) *Swarm {
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = DefaultMaxPeers
	}

	return &Swarm{
		torrent:       t,
		store:         store,
		log:           log,
		peerID:        peerID,
		opts:          opts,
		trackerClient: tc,
		peers:         make(map[PeerHandle]*peerEntry),
		events:        make(chan peerEvent, 256),
		dialed:        make(chan dialResult, 16),
		trkDone:       make(chan trackerOutcome, 1),
	}
}

// Listen opens the listening socket peers connect to.
func (s *Swarm) Listen() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.ListenPort))
	if err != nil {
		return xerr.Wrap(xerr.ConfigInvalid, "listening", err)
	}
	s.listener = ln
	return nil
}

// Seed adds an initial peer list (e.g. the tracker's first response,
// or the CLI's single-peer override) to dial.
func (s *Swarm) Seed(ctx context.Context, eg *errgroup.Group, peers []tracker.PeerAddr) {
	for _, p := range peers {
		addr := p.String()
		eg.Go(func() error {
			s.dial(ctx, addr)
			return nil
		})
	}
}

func (s *Swarm) dial(ctx context.Context, addr string) {
	conn, err := net.DialTimeout("tcp", addr, DialTimeout)
	select {
	case s.dialed <- dialResult{addr: addr, conn: conn, err: err}:
	case <-ctx.Done():
		if conn != nil {
			conn.Close()
		}
	}
}

// Run is the coordinator loop: it owns every mutation of peer state,
// the piece store, and the choke/endgame policies, and returns when
// the download completes (and seeding is not requested) or ctx is
// canceled.
func (s *Swarm) Run(ctx context.Context, eg *errgroup.Group) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.listener != nil {
		eg.Go(func() error {
			s.acceptLoop(ctx)
			return nil
		})
	}

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	now := time.Now()
	s.lastChokeRotation = now
	s.lastOptimistic = now

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-s.events:
			s.handlePeerEvent(ev)

		case d := <-s.dialed:
			s.handleDialed(d)

		case out := <-s.trkDone:
			s.handleTrackerOutcome(out)

		case <-ticker.C:
			s.runPeriodicPolicies(ctx, eg, time.Now())
		}

		if s.store.IsComplete() && !s.opts.SeedOnComplete {
			// Report one last snapshot, bypassing the throttle, so an
			// OnProgress consumer sees Complete before Run returns.
			s.lastProgressAt = time.Time{}
			s.maybeReportProgress(time.Now())
			s.log.Info("download complete, shutting down")
			return nil
		}
	}
}

func (s *Swarm) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}

		select {
		case s.events <- peerEvent{handle: s.acceptAsPeer(conn)}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// acceptAsPeer registers an accepted connection as a new peer entry
// and starts its reader goroutine. It returns an invalid (zero) handle
// if the swarm is already at capacity, after closing the connection.
func (s *Swarm) acceptAsPeer(conn net.Conn) PeerHandle {
	if len(s.peers) >= s.opts.MaxPeers {
		conn.Close()
		return 0
	}

	tuneSocket(conn, socketBufTuneBytes)
	return s.addPeer(conn, conn.RemoteAddr().String(), peerlink.Inbound, peerlink.AwaitHandshake)
}

func (s *Swarm) handleDialed(d dialResult) {
	if d.err != nil {
		s.log.Debug("dial failed", zap.String("addr", d.addr), zap.Error(d.err))
		return
	}
	tuneSocket(d.conn, socketBufTuneBytes)
	handle := s.addPeer(d.conn, d.addr, peerlink.Outbound, peerlink.AwaitHandshake)
	if entry, ok := s.peers[handle]; ok {
		s.sendHandshake(entry)
	}
}

func (s *Swarm) addPeer(conn net.Conn, addr string, dir peerlink.Direction, initial peerlink.State) PeerHandle {
	s.nextHandle++
	handle := s.nextHandle

	link := peerlink.New(conn, addr, dir, initial)
	ctx, cancel := context.WithCancel(context.Background())

	entry := &peerEntry{handle: handle, link: link, cancel: cancel}
	s.peers[handle] = entry

	go s.readerLoop(ctx, handle, link)

	s.log.Debug("peer added", zap.Uint64("handle", uint64(handle)), zap.String("addr", addr), zap.String("dir", fmt.Sprint(dir)))

	return handle
}

func (s *Swarm) readerLoop(ctx context.Context, handle PeerHandle, link *peerlink.Link) {
	buf := make([]byte, readBufSize)
	for {
		n, err := link.Conn.Read(buf)
		if n > 0 {
			link.RecordBytesRecv(n)
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.events <- peerEvent{handle: handle, data: data}:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case s.events <- peerEvent{handle: handle, err: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

func (s *Swarm) removePeer(handle PeerHandle, reason error) {
	entry, ok := s.peers[handle]
	if !ok {
		return
	}

	if entry.link.PeerBitfield != nil {
		for i := 0; i < s.store.NumPieces(); i++ {
			if bitSet(entry.link.PeerBitfield, i) {
				s.store.PeerAnnouncedPiece(i, false)
			}
		}
	}

	entry.cancel()
	entry.link.Conn.Close()
	delete(s.peers, handle)

	if reason != nil {
		s.log.Debug("peer removed", zap.Uint64("handle", uint64(handle)), zap.Error(reason))
	}
}

func bitSet(bitfield []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitfield) {
		return false
	}
	return bitfield[byteIdx]>>uint(7-i%8)&1 == 1
}

func (s *Swarm) handlePeerEvent(ev peerEvent) {
	if ev.handle == 0 {
		return
	}
	entry, ok := s.peers[ev.handle]
	if !ok {
		return
	}

	if ev.err != nil {
		if ev.err == io.EOF {
			s.removePeer(ev.handle, fmt.Errorf("peer closed connection"))
		} else {
			s.removePeer(ev.handle, ev.err)
		}
		return
	}

	result, err := entry.link.Ingest(ev.data)
	if err != nil {
		s.removePeer(ev.handle, xerr.Wrap(xerr.PeerFatal, "ingest", err))
		return
	}

	if result.Handshake != nil {
		if !s.validateHandshake(entry, *result.Handshake) {
			s.removePeer(ev.handle, xerr.New(xerr.PeerFatal, "handshake mismatch"))
			return
		}
	}

	for _, msg := range result.Messages {
		if err := s.handleMessage(entry, msg); err != nil {
			s.removePeer(ev.handle, err)
			return
		}
	}

	s.replenishRequests(entry)
}

func (s *Swarm) validateHandshake(entry *peerEntry, hs wire.Handshake) bool {
	if hs.InfoHash != s.torrent.InfoHash {
		return false
	}

	entry.link.PeerID = hs.PeerID
	entry.link.State = peerlink.Operational

	if entry.link.Direction == peerlink.Inbound {
		s.sendHandshake(entry)
	}
	s.sendBitfield(entry)

	return true
}

func (s *Swarm) handleMessage(entry *peerEntry, msg wire.Message) error {
	if msg.IsKeepAlive {
		return nil
	}

	switch msg.ID {
	case wire.MsgChoke:
		entry.link.ChokedByPeer = true
		entry.link.ClearRequests()

	case wire.MsgUnchoke:
		entry.link.ChokedByPeer = false

	case wire.MsgInterested:
		entry.link.PeerInterestedInUs = true
		s.maybeUnchokeNewInterest(entry)

	case wire.MsgNotInterested:
		entry.link.PeerInterestedInUs = false

	case wire.MsgHave:
		piece, err := wire.DecodeHavePayload(msg.Payload)
		if err != nil {
			return xerr.Wrap(xerr.PeerFatal, "have", err)
		}
		s.onPeerHasPiece(entry, int(piece))

	case wire.MsgBitfield:
		if err := wire.ValidateBitfield(msg.Payload, s.store.NumPieces()); err != nil {
			return xerr.Wrap(xerr.PeerFatal, "bitfield", err)
		}
		entry.link.PeerBitfield = msg.Payload
		for i := 0; i < s.store.NumPieces(); i++ {
			if bitSet(msg.Payload, i) {
				s.store.PeerAnnouncedPiece(i, true)
			}
		}
		s.maybeSendInterested(entry)

	case wire.MsgRequest:
		rp, err := wire.DecodeRequestPayload(msg.Payload)
		if err != nil {
			return xerr.Wrap(xerr.PeerFatal, "request", err)
		}
		s.handleUploadRequest(entry, rp)

	case wire.MsgPiece:
		pp, err := wire.DecodePiecePayload(msg.Payload)
		if err != nil {
			return xerr.Wrap(xerr.PeerFatal, "piece", err)
		}
		s.handlePieceReceived(entry, pp)

	case wire.MsgCancel:
		// Nothing queued on our side to serve yet is dropped naturally;
		// no explicit bookkeeping needed beyond not sending it.

	case wire.MsgPort:
		// DHT port announcement; no DHT support, ignored.
	}

	return nil
}

func (s *Swarm) onPeerHasPiece(entry *peerEntry, piece int) {
	if entry.link.PeerBitfield == nil {
		entry.link.PeerBitfield = make([]byte, wire.BitfieldByteLen(s.store.NumPieces()))
	}
	byteIdx := piece / 8
	if byteIdx >= len(entry.link.PeerBitfield) {
		return
	}
	entry.link.PeerBitfield[byteIdx] |= 1 << uint(7-piece%8)
	s.store.PeerAnnouncedPiece(piece, true)
	s.maybeSendInterested(entry)
}

func (s *Swarm) maybeSendInterested(entry *peerEntry) {
	if entry.link.InterestingToPeer || entry.link.PeerBitfield == nil {
		return
	}
	for i := 0; i < s.store.NumPieces(); i++ {
		if s.store.State(i) != piecestore.Have && bitSet(entry.link.PeerBitfield, i) {
			s.writeMessage(entry, wire.Encode(wire.Message{ID: wire.MsgInterested}))
			entry.link.InterestingToPeer = true
			return
		}
	}
}

func (s *Swarm) maybeUnchokeNewInterest(entry *peerEntry) {
	// Conservative default: only the choke-rotation policy unchokes; a
	// freshly-interested peer waits for the next rotation or an
	// optimistic pick.
}

func (s *Swarm) handleUploadRequest(entry *peerEntry, rp wire.RequestPayload) {
	if entry.link.ChokingPeer {
		return
	}
	if rp.Length == 0 || rp.Length > wire.MaxBlockLen {
		return
	}
	if s.store.State(int(rp.Index)) != piecestore.Have {
		return
	}

	block, err := s.store.ReadBlock(int(rp.Index), int64(rp.Begin), int64(rp.Length))
	if err != nil {
		s.log.Debug("read_block failed", zap.Error(err))
		return
	}

	s.writeMessage(entry, wire.EncodePiece(rp.Index, rp.Begin, block))
	s.uploaded += uint64(len(block))
}

func (s *Swarm) handlePieceReceived(entry *peerEntry, pp wire.PiecePayload) {
	if !s.endgame {
		if _, ok := entry.link.DequeueMatching(int(pp.Index), int64(pp.Begin)); !ok {
			return // unrequested piece data, discarded
		}
	} else {
		entry.link.DequeueMatching(int(pp.Index), int64(pp.Begin))
	}

	wasHave := s.store.State(int(pp.Index)) == piecestore.Have
	err := s.store.RecordBlock(int(pp.Index), int64(pp.Begin), pp.Block)

	if err != nil && xerr.Is(err, xerr.VerifyFailure) {
		s.log.Warn("piece verification failed, re-requesting", zap.Int("piece", int(pp.Index)))
		return
	}
	if err != nil && xerr.Is(err, xerr.IOFatal) {
		s.log.Error("fatal I/O error, shutting down", zap.Error(err))
		return
	}

	if !wasHave && s.store.State(int(pp.Index)) == piecestore.Have {
		s.cancelOthersForPiece(int(pp.Index), entry.handle)
		s.broadcastHave(int(pp.Index))
	}
}

// broadcastHave announces a newly completed piece to every operational
// peer; peers still connecting or awaiting a handshake are skipped.
func (s *Swarm) broadcastHave(piece int) {
	msg := wire.EncodeHave(uint32(piece))
	for _, e := range s.peers {
		if e.link.State == peerlink.Operational {
			s.writeMessage(e, msg)
		}
	}
}

// cancelOthersForPiece sends `cancel` to every other peer with an
// outstanding request against a piece that just completed. This is
// the endgame duplicate-suppression behavior.
func (s *Swarm) cancelOthersForPiece(piece int, winner PeerHandle) {
	for handle, e := range s.peers {
		if handle == winner {
			continue
		}
		for _, req := range e.link.Requests() {
			if req.Piece == piece {
				if _, ok := e.link.DequeueMatching(req.Piece, req.Begin); ok {
					s.writeMessage(e, wire.EncodeRequest(wire.MsgCancel, uint32(piece), uint32(req.Begin), uint32(req.Length)))
				}
			}
		}
	}
}

func (s *Swarm) replenishRequests(entry *peerEntry) {
	if entry.link.State != peerlink.Operational {
		return
	}
	if entry.link.ChokedByPeer || !entry.link.InterestingToPeer {
		return
	}
	if entry.link.PeerBitfield == nil {
		return
	}

	// offered tracks every block already in this peer's queue, plus
	// whatever this burst itself has picked so far, so an endgame
	// NextBlockForPeer call never hands back a block this same burst
	// already requested from this peer.
	offered := toBlockRequests(entry.link.Requests())

	for entry.link.OutstandingCount() < wire.MaxInFlight {
		req, ok := s.store.NextBlockForPeer(entry.link.PeerBitfield, s.endgame, offered)
		if !ok {
			return
		}
		if !s.endgame {
			if !entry.link.Enqueue(peerlink.PendingRequest{Piece: req.Piece, Begin: req.Begin, Length: req.Length}) {
				return
			}
		} else {
			entry.link.Enqueue(peerlink.PendingRequest{Piece: req.Piece, Begin: req.Begin, Length: req.Length})
			offered = append(offered, req)
		}
		s.writeMessage(entry, wire.EncodeRequest(wire.MsgRequest, uint32(req.Piece), uint32(req.Begin), uint32(req.Length)))
	}
}

func toBlockRequests(reqs []peerlink.PendingRequest) []piecestore.BlockRequest {
	out := make([]piecestore.BlockRequest, len(reqs))
	for i, r := range reqs {
		out[i] = piecestore.BlockRequest{Piece: r.Piece, Begin: r.Begin, Length: r.Length}
	}
	return out
}

func (s *Swarm) sendHandshake(entry *peerEntry) {
	hs := wire.Handshake{InfoHash: s.torrent.InfoHash, PeerID: s.peerID}
	s.writeMessage(entry, hs.Encode())
}

func (s *Swarm) sendBitfield(entry *peerEntry) {
	s.writeMessage(entry, wire.EncodeBitfield(s.store.OurBitfield()))
}

// writeMessage writes buf to the peer's connection, looping until every
// byte is written or a fatal error occurs.
func (s *Swarm) writeMessage(entry *peerEntry, buf []byte) {
	entry.link.Conn.SetWriteDeadline(time.Now().Add(60 * time.Second))

	written := 0
	for written < len(buf) {
		n, err := entry.link.Conn.Write(buf[written:])
		written += n
		if err != nil {
			s.removePeer(entry.handle, xerr.Wrap(xerr.PeerFatal, "write", err))
			return
		}
	}

	entry.link.RecordBytesSent(written)
}

func (s *Swarm) runPeriodicPolicies(ctx context.Context, eg *errgroup.Group, now time.Time) {
	if now.Sub(s.lastChokeRotation) >= ChokeRotationInterval {
		s.rotateChokes(now)
		s.lastChokeRotation = now
	}

	if now.Sub(s.lastOptimistic) >= OptimisticUnchokeWindow {
		s.optimisticUnchoke()
		s.lastOptimistic = now
	}

	s.maybeEnterEndgame()
	s.sendKeepAlives(now)
	s.maybeRefreshTracker(ctx, eg, now)
	s.maybeReportProgress(now)

	for _, entry := range s.peers {
		if entry.link.State == peerlink.Connecting || entry.link.State == peerlink.AwaitHandshake {
			if entry.link.HandshakeTimedOut(now) {
				s.removePeer(entry.handle, xerr.New(xerr.PeerFatal, "handshake timeout"))
			}
		}
	}
}

// rotateChokes implements the choking policy: the best 4 interested
// peers by the relevant rate are unchoked; everyone else
// interested is choked, except a peer whose rate beats the current
// worst downloader (it may not be interested yet, but is allowed to
// prove itself by seeing our unchoke).
func (s *Swarm) rotateChokes(now time.Time) {
	type scored struct {
		entry *peerEntry
		rate  float64
	}

	seeding := s.store.IsComplete()

	var interested []scored
	var others []scored

	for _, e := range s.peers {
		if e.link.State != peerlink.Operational {
			continue
		}
		e.link.UpdateRate(now)

		rate := e.link.DownloadRate
		if seeding {
			rate = e.link.UploadRate
		}

		if e.link.PeerInterestedInUs {
			interested = append(interested, scored{e, rate})
		} else {
			others = append(others, scored{e, rate})
		}
	}

	sort.Slice(interested, func(i, j int) bool { return interested[i].rate > interested[j].rate })

	unchokeSet := make(map[PeerHandle]bool)
	limit := NumUnchokedDownloaders
	if limit > len(interested) {
		limit = len(interested)
	}
	for i := 0; i < limit; i++ {
		unchokeSet[interested[i].entry.handle] = true
	}

	var worstRate float64
	if limit > 0 {
		worstRate = interested[limit-1].rate
	}

	for _, e := range interested {
		shouldUnchoke := unchokeSet[e.entry.handle]
		s.setChoking(e.entry, !shouldUnchoke)
	}

	if limit == NumUnchokedDownloaders {
		for _, o := range others {
			if o.rate > worstRate {
				s.setChoking(o.entry, false)
			}
		}
	}
}

func (s *Swarm) setChoking(entry *peerEntry, choke bool) {
	if entry.link.ChokingPeer == choke {
		return
	}
	entry.link.ChokingPeer = choke
	if choke {
		s.writeMessage(entry, wire.Encode(wire.Message{ID: wire.MsgChoke}))
	} else {
		s.writeMessage(entry, wire.Encode(wire.Message{ID: wire.MsgUnchoke}))
	}
}

// optimisticUnchoke picks one choked, interested peer uniformly at
// random and unchokes it, overriding the rate-based pick.
func (s *Swarm) optimisticUnchoke() {
	var candidates []*peerEntry
	for _, e := range s.peers {
		if e.link.State == peerlink.Operational && e.link.ChokingPeer && e.link.PeerInterestedInUs {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return
	}

	pick := candidates[rand.Intn(len(candidates))]
	s.setChoking(pick, false)
}

func (s *Swarm) maybeEnterEndgame() {
	if s.endgame {
		return
	}
	if s.store.BytesLeft() <= uint64(EndgameThreshold) {
		s.endgame = true
		s.log.Info("entering endgame")
	}
}

func (s *Swarm) sendKeepAlives(now time.Time) {
	for _, e := range s.peers {
		if e.link.State == peerlink.Operational && e.link.NeedsKeepAlive(now) {
			s.writeMessage(e, wire.EncodeKeepAlive())
		}
	}
}

func (s *Swarm) maybeRefreshTracker(ctx context.Context, eg *errgroup.Group, now time.Time) {
	if s.trackerClient == nil || s.opts.SinglePeerOverride != "" {
		return
	}

	interval := s.trackerInterval
	if interval <= 0 {
		interval = defaultTrackerRefresh
	}

	if !s.lastTrackerPoll.IsZero() && now.Sub(s.lastTrackerPoll) < interval {
		return
	}
	s.lastTrackerPoll = now

	stats := tracker.Stats{
		Uploaded:   s.uploaded,
		Downloaded: s.store.BytesDownloaded(),
		Left:       s.store.BytesLeft(),
	}

	eg.Go(func() error {
		resp, err := s.trackerClient.Query(ctx, stats)
		select {
		case s.trkDone <- trackerOutcome{resp: resp, err: err}:
		case <-ctx.Done():
		}
		return nil
	})
}

func (s *Swarm) handleTrackerOutcome(out trackerOutcome) {
	if out.err != nil {
		s.log.Warn("tracker refresh failed", zap.Error(out.err))
		return
	}

	s.trackerInterval = time.Duration(out.resp.Interval) * time.Second

	existing := make(map[string]bool, len(s.peers))
	for _, e := range s.peers {
		existing[e.link.Addr] = true
	}

	eg := &errgroup.Group{}
	for _, p := range out.resp.Peers {
		addr := p.String()
		if existing[addr] {
			continue
		}
		if len(s.peers) >= s.opts.MaxPeers {
			break
		}
		eg.Go(func() error {
			s.dial(context.Background(), addr)
			return nil
		})
	}
}

// maybeReportProgress calls the configured OnProgress callback at
// most every progressInterval, computing the snapshot entirely from
// state this goroutine already owns.
func (s *Swarm) maybeReportProgress(now time.Time) {
	if s.opts.OnProgress == nil {
		return
	}
	if !s.lastProgressAt.IsZero() && now.Sub(s.lastProgressAt) < progressInterval {
		return
	}

	downloaded := s.store.BytesDownloaded()

	var bps float64
	if !s.lastProgressAt.IsZero() {
		elapsed := now.Sub(s.lastProgressAt).Seconds()
		if elapsed > 0 {
			bps = float64(downloaded-s.lastProgressBytes) * 8 / elapsed
		}
	}
	s.lastProgressAt = now
	s.lastProgressBytes = downloaded

	piecesHave := 0
	for i := 0; i < s.store.NumPieces(); i++ {
		if s.store.State(i) == piecestore.Have {
			piecesHave++
		}
	}

	s.opts.OnProgress(Snapshot{
		PiecesHave:      piecesHave,
		PiecesTotal:     s.store.NumPieces(),
		BytesDownloaded: downloaded,
		TotalBytes:      uint64(s.torrent.TotalLength),
		PeerCount:       len(s.peers),
		DownloadBps:     bps,
		Complete:        s.store.IsComplete(),
	})
}

// PeerCount reports the number of currently tracked peers.
func (s *Swarm) PeerCount() int { return len(s.peers) }

// Close tears down the listener and every peer connection.
func (s *Swarm) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
	for handle := range s.peers {
		s.removePeer(handle, nil)
	}
}
