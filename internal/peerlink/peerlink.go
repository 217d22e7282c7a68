// Package peerlink implements the per-peer protocol state machine: the
// connect/handshake/operational/closing lifecycle, the bounded incoming
// byte buffer and frame parser, the outstanding-request queue, and
// rate sampling. A Link is exclusively owned and mutated by the
// swarm's single coordinator goroutine; only the raw byte delivery
// from the peer's socket happens on a separate reader goroutine.
package peerlink

import (
	"net"
	"time"

	"go.uber.org/atomic"

	"gotorrent/internal/wire"
	"gotorrent/internal/xerr"
)

// State is the peer protocol state machine's current stage.
type State int

const (
	Connecting State = iota
	AwaitHandshake
	Operational
	Closing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AwaitHandshake:
		return "await-handshake"
	case Operational:
		return "operational"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Direction records which side initiated the TCP connection.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// KeepAliveInterval is the maximum gap between keep-alives.
const KeepAliveInterval = 120 * time.Second

// HandshakeTimeout is how long an AwaitHandshake link may sit idle
// before it is treated as dead.
const HandshakeTimeout = 30 * time.Second

// incomingBufCap is sized so ten maximally sized piece frames can
// always be absorbed between parses.
const incomingBufCap = wire.MaxInFlight * (wire.BlockLen + 17)

// PendingRequest is one outstanding (piece, begin, length) request we
// sent and are waiting on a matching `piece` message for.
type PendingRequest struct {
	Piece  int
	Begin  int64
	Length int64
}

// Link is one peer's connection and protocol state.
type Link struct {
	Conn      net.Conn
	Addr      string
	PeerID    [20]byte
	Direction Direction
	State     State

	ChokedByPeer       bool // peer is choking us
	InterestingToPeer  bool // our opinion: we are interested in them
	ChokingPeer        bool // we are choking them
	PeerInterestedInUs bool
	PeerBitfield       []byte

	createdAt  time.Time
	lastRecvAt time.Time
	lastSendAt time.Time

	incoming      []byte // len(incoming) tracks buffered bytes; cap is fixed at incomingBufCap
	handshakeSeen bool

	requests []PendingRequest // bounded to wire.MaxInFlight

	bytesSent atomic.Uint64
	bytesRecv atomic.Uint64

	lastSampleTime time.Time
	UploadRate     float64 // bits/sec
	DownloadRate   float64 // bits/sec
}

// New constructs a Link in the given initial state (Connecting for an
// outbound dial in flight, AwaitHandshake for an accepted connection).
func New(conn net.Conn, addr string, dir Direction, initial State) *Link {
	now := time.Now()
	return &Link{
		Conn:              conn,
		Addr:              addr,
		Direction:         dir,
		State:             initial,
		ChokedByPeer:      true,
		ChokingPeer:       true,
		createdAt:         now,
		lastRecvAt:        now,
		lastSampleTime:    now,
		incoming:          make([]byte, 0, incomingBufCap),
	}
}

// RecordBytesRecv is called from the peer's reader goroutine the
// instant raw bytes come off the socket. It is the one place Link
// fields are touched outside the coordinator goroutine: bytesRecv,
// which the coordinator also reads, hence the atomic counter, and
// lastRecvAt, which nothing else reads after New.
func (l *Link) RecordBytesRecv(n int) {
	l.bytesRecv.Add(uint64(n))
	l.lastRecvAt = time.Now()
}

// RecordBytesSent is called by the coordinator after a successful
// write.
func (l *Link) RecordBytesSent(n int) {
	l.bytesSent.Add(uint64(n))
	l.lastSendAt = time.Now()
}

// IngestResult is what Ingest hands back: at most one handshake (the
// first thing ever parsed on a link) and zero or more subsequent
// messages, in wire order.
type IngestResult struct {
	Handshake *wire.Handshake
	Messages  []wire.Message
}

// Ingest appends data to the link's bounded incoming buffer and
// repeatedly parses complete frames out of it: a handshake is parsed
// once buffered >= 68 bytes (before any length-prefixed message
// parsing begins), then messages are parsed while >=4 bytes are
// buffered and the declared length is satisfied. Unparsed bytes are
// compacted to the buffer's start after every call so the next
// Ingest's capacity check is always against genuinely-unconsumed
// bytes.
func (l *Link) Ingest(data []byte) (IngestResult, error) {
	var result IngestResult

	if len(l.incoming)+len(data) > cap(l.incoming) {
		return result, xerr.New(xerr.PeerFatal, "incoming buffer overflow")
	}
	l.incoming = append(l.incoming, data...)

	consumedTotal := 0

	if !l.handshakeParsed() {
		if len(l.incoming) < wire.HandshakeLen {
			return result, nil
		}
		hs, err := wire.DecodeHandshake(l.incoming)
		if err != nil {
			return result, xerr.Wrap(xerr.PeerFatal, "parsing handshake", err)
		}
		result.Handshake = &hs
		consumedTotal += wire.HandshakeLen
		l.handshakeSeen = true
	}

	for {
		buf := l.incoming[consumedTotal:]
		msg, n, err := wire.DecodeFrame(buf)
		if err != nil {
			return result, xerr.Wrap(xerr.PeerFatal, "parsing frame", err)
		}
		if msg == nil {
			break
		}
		result.Messages = append(result.Messages, *msg)
		consumedTotal += n
	}

	remaining := len(l.incoming) - consumedTotal
	copy(l.incoming[:remaining], l.incoming[consumedTotal:])
	l.incoming = l.incoming[:remaining]

	return result, nil
}

// handshakeParsed reports whether Ingest has already consumed this
// link's 68-byte handshake, independent of State (which the
// coordinator advances once it has also validated and reacted to it).
func (l *Link) handshakeParsed() bool { return l.handshakeSeen }

// Enqueue adds a request to the outstanding queue. It fails if the
// queue is already at wire.MaxInFlight.
func (l *Link) Enqueue(req PendingRequest) bool {
	if len(l.requests) >= wire.MaxInFlight {
		return false
	}
	l.requests = append(l.requests, req)
	return true
}

// OutstandingCount returns the number of outstanding requests.
func (l *Link) OutstandingCount() int { return len(l.requests) }

// DequeueMatching removes and returns the first outstanding request
// matching (piece, begin), by linear scan (the queue never exceeds
// wire.MaxInFlight entries, so this is cheap in practice). Returns
// ok=false if no request matches; outside endgame the caller then
// discards the piece data without committing it, while in endgame it
// records the block anyway.
func (l *Link) DequeueMatching(piece int, begin int64) (PendingRequest, bool) {
	for i, r := range l.requests {
		if r.Piece == piece && r.Begin == begin {
			l.requests = append(l.requests[:i], l.requests[i+1:]...)
			return r, true
		}
	}
	return PendingRequest{}, false
}

// ClearRequests drops every outstanding request, e.g. on receiving a
// `choke` (the peer has declared it will not serve them).
func (l *Link) ClearRequests() {
	l.requests = l.requests[:0]
}

// Requests returns a snapshot copy of the outstanding request queue,
// for callers (the swarm coordinator's endgame cancel broadcast) that
// need to range over it while also calling DequeueMatching.
func (l *Link) Requests() []PendingRequest {
	out := make([]PendingRequest, len(l.requests))
	copy(out, l.requests)
	return out
}

// UpdateRate samples elapsed time since the last sample, derives
// bits/sec for both directions from the accumulated byte counters,
// and resets those counters. A zero elapsed delta is a no-op.
func (l *Link) UpdateRate(now time.Time) {
	delta := now.Sub(l.lastSampleTime).Seconds()
	if delta <= 0 {
		return
	}

	sent := l.bytesSent.Swap(0)
	recv := l.bytesRecv.Swap(0)

	l.UploadRate = float64(sent) * 8 / delta
	l.DownloadRate = float64(recv) * 8 / delta
	l.lastSampleTime = now
}

// NeedsKeepAlive reports whether it has been at least KeepAliveInterval
// since our last send on this link.
func (l *Link) NeedsKeepAlive(now time.Time) bool {
	last := l.lastSendAt
	if last.IsZero() {
		last = l.createdAt
	}
	return now.Sub(last) >= KeepAliveInterval
}

// HandshakeTimedOut reports whether this link has sat in
// AwaitHandshake (or Connecting) longer than HandshakeTimeout.
func (l *Link) HandshakeTimedOut(now time.Time) bool {
	return l.State != Operational && now.Sub(l.createdAt) > HandshakeTimeout
}
