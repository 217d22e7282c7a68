// Package piecestore is the ground truth for what is HAVE, PENDING, or
// MISSING: it verifies received data against the expected SHA-1,
// writes verified bytes into the output file, tracks our own bitfield,
// and picks the next block to request. It is exclusively owned and
// driven by the single swarm coordinator goroutine, so it needs no
// internal locking.
package piecestore

import (
	"crypto/sha1"
	"fmt"
	"os"

	"gotorrent/internal/metainfo"
	"gotorrent/internal/wire"
	"gotorrent/internal/xerr"
)

// State is a managed piece's place in its lifecycle.
type State int

const (
	Missing State = iota
	Pending
	Have
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Pending:
		return "pending"
	case Have:
		return "have"
	default:
		return "unknown"
	}
}

type managedPiece struct {
	length        int64
	hash          [20]byte
	state         State
	payload       []byte
	received      []bool
	requested     []bool
	countReceived int
	totalBlocks   int
	availability  int
}

// Store owns the output file, our bitfield, and every managed piece.
type Store struct {
	torrent      *metainfo.Torrent
	pieces       []managedPiece
	ourBitfield  []byte
	piecesHave   int
	bytesLoaded  int64
	file         *os.File
	pendingOrder []int // every piece that has entered PENDING, in first-seen order; never pruned, not read by the scheduler
}

// Open creates the output file at path if it does not exist, resizes it
// to the torrent's total length (existing bytes within that length are
// not cleared), and builds the per-piece bookkeeping with every piece
// MISSING.
func Open(t *metainfo.Torrent, path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, xerr.Wrap(xerr.IOFatal, "opening output file", err)
	}

	if t.TotalLength > 0 {
		if err := f.Truncate(t.TotalLength); err != nil {
			f.Close()
			return nil, xerr.Wrap(xerr.IOFatal, "preallocating output file", err)
		}
	}

	numPieces := t.NumPieces()
	pieces := make([]managedPiece, numPieces)
	for i := range pieces {
		pieceLen := t.PieceLen(i)
		pieces[i] = managedPiece{
			length:      pieceLen,
			hash:        t.Pieces[i],
			state:       Missing,
			totalBlocks: wire.NumBlocks(pieceLen),
		}
	}

	s := &Store{
		torrent:     t,
		pieces:      pieces,
		ourBitfield: make([]byte, wire.BitfieldByteLen(numPieces)),
		file:        f,
	}

	return s, nil
}

// Close releases the output file handle.
func (s *Store) Close() error {
	return s.file.Close()
}

// NumPieces returns the torrent's piece count.
func (s *Store) NumPieces() int { return len(s.pieces) }

// State returns a piece's current lifecycle state.
func (s *Store) State(piece int) State {
	if piece < 0 || piece >= len(s.pieces) {
		return Missing
	}
	return s.pieces[piece].state
}

func setBit(bitfield []byte, i int) {
	bitfield[i/8] |= 1 << uint(7-i%8)
}

func bitSet(bitfield []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitfield) {
		return false
	}
	return bitfield[byteIdx]>>uint(7-i%8)&1 == 1
}

// OurBitfield returns a read-only view of our bitfield.
func (s *Store) OurBitfield() []byte { return s.ourBitfield }

// IsComplete reports whether every piece is HAVE (or there are none).
func (s *Store) IsComplete() bool {
	return s.piecesHave == len(s.pieces)
}

// BytesDownloaded returns the sum of actual lengths of HAVE pieces.
func (s *Store) BytesDownloaded() uint64 { return uint64(s.bytesLoaded) }

// BytesLeft returns TotalLength - BytesDownloaded.
func (s *Store) BytesLeft() uint64 {
	left := s.torrent.TotalLength - s.bytesLoaded
	if left < 0 {
		left = 0
	}
	return uint64(left)
}

// PeerAnnouncedPiece adjusts the rarest-first availability counter for
// a piece, clamped at zero (e.g. on peer disconnect, present=false is
// invoked for every piece that peer's bitfield had set).
func (s *Store) PeerAnnouncedPiece(piece int, present bool) {
	if piece < 0 || piece >= len(s.pieces) {
		return
	}
	if present {
		s.pieces[piece].availability++
	} else if s.pieces[piece].availability > 0 {
		s.pieces[piece].availability--
	}
}

// RecordBlock copies a received block into its piece's payload buffer,
// and verifies the piece once every block has arrived. A no-op if
// the piece is already HAVE or the index is invalid.
func (s *Store) RecordBlock(piece int, begin int64, data []byte) error {
	if piece < 0 || piece >= len(s.pieces) {
		return nil
	}
	mp := &s.pieces[piece]
	if mp.state == Have {
		return nil
	}

	if begin < 0 || begin+int64(len(data)) > mp.length {
		return xerr.New(xerr.PeerFatal, fmt.Sprintf("block out of bounds: piece %d begin %d len %d piece-len %d", piece, begin, len(data), mp.length))
	}
	if begin%wire.BlockLen != 0 {
		return xerr.New(xerr.PeerFatal, fmt.Sprintf("misaligned block: piece %d begin %d", piece, begin))
	}

	blockIdx := int(begin / wire.BlockLen)
	if blockIdx >= mp.totalBlocks {
		return xerr.New(xerr.PeerFatal, fmt.Sprintf("block index %d out of range for piece %d", blockIdx, piece))
	}

	if mp.state == Missing {
		mp.payload = make([]byte, mp.length)
		mp.received = make([]bool, mp.totalBlocks)
		mp.requested = make([]bool, mp.totalBlocks)
		mp.state = Pending
		s.pendingOrder = append(s.pendingOrder, piece)
	}

	if mp.payload == nil {
		// Defensive: a Pending piece without a buffer gets a fresh one.
		// A verification failure rollback resets the piece to Missing,
		// so it takes the branch above instead.
		mp.payload = make([]byte, mp.length)
		mp.received = make([]bool, mp.totalBlocks)
		mp.requested = make([]bool, mp.totalBlocks)
	}

	copy(mp.payload[begin:], data)

	if !mp.received[blockIdx] {
		mp.received[blockIdx] = true
		mp.countReceived++
	}

	if mp.countReceived == mp.totalBlocks {
		return s.verifyAndCommit(piece)
	}

	return nil
}

// verifyAndCommit hashes the assembled piece payload and either
// commits it to HAVE (writing to the file, updating our bitfield and
// counters) or rolls it back to MISSING on a hash mismatch.
func (s *Store) verifyAndCommit(piece int) error {
	mp := &s.pieces[piece]

	sum := sha1.Sum(mp.payload)
	if sum != mp.hash {
		mp.state = Missing
		mp.payload = nil
		mp.received = nil
		mp.requested = nil
		mp.countReceived = 0
		return xerr.New(xerr.VerifyFailure, fmt.Sprintf("piece %d hash mismatch", piece))
	}

	offset := int64(piece) * s.torrent.PieceLength
	if _, err := s.file.WriteAt(mp.payload, offset); err != nil {
		return xerr.Wrap(xerr.IOFatal, fmt.Sprintf("writing piece %d", piece), err)
	}

	setBit(s.ourBitfield, piece)
	s.piecesHave++
	s.bytesLoaded += mp.length
	mp.payload = nil
	mp.state = Have

	return nil
}

// ReadBlock reads length bytes at begin within piece, for serving an
// incoming `request` while seeding.
func (s *Store) ReadBlock(piece int, begin, length int64) ([]byte, error) {
	if piece < 0 || piece >= len(s.pieces) {
		return nil, fmt.Errorf("piecestore: piece %d out of range", piece)
	}
	mp := &s.pieces[piece]
	if mp.state != Have {
		return nil, fmt.Errorf("piecestore: piece %d not complete", piece)
	}
	if begin < 0 || begin+length > mp.length {
		return nil, fmt.Errorf("piecestore: read out of bounds for piece %d", piece)
	}

	buf := make([]byte, length)
	offset := int64(piece)*s.torrent.PieceLength + begin
	if _, err := s.file.ReadAt(buf, offset); err != nil {
		return nil, xerr.Wrap(xerr.IOFatal, fmt.Sprintf("reading piece %d", piece), err)
	}

	return buf, nil
}

// BlockRequest is a candidate (piece, begin, length) to ask a peer for.
type BlockRequest struct {
	Piece  int
	Begin  int64
	Length int64
}

// NextBlockForPeer chooses the next block to request from a peer
// advertising peerBitfield, under this scheduling order:
// currently-PENDING pieces first, then MISSING, ties broken
// by rarest-first availability and then lowest index. In endgame mode
// it returns blocks that are not yet received (ignoring the requested
// bitmap, since the same block may be asked of many peers at once),
// skipping any (piece, begin) already present in skip. skip should
// hold this peer's own outstanding requests plus whatever this
// replenishment burst has already picked, so repeated calls in the
// same burst advance through distinct blocks instead of returning the
// same one every time. skip is ignored outside endgame mode, since
// the per-block requested bitmap already prevents that duplication.
func (s *Store) NextBlockForPeer(peerBitfield []byte, endgame bool, skip []BlockRequest) (BlockRequest, bool) {
	tried := make(map[int]bool)

	for {
		candidate := s.bestCandidatePiece(peerBitfield, tried)
		if candidate == -1 {
			return BlockRequest{}, false
		}

		mp := &s.pieces[candidate]
		if mp.state == Missing {
			mp.payload = make([]byte, mp.length)
			mp.received = make([]bool, mp.totalBlocks)
			mp.requested = make([]bool, mp.totalBlocks)
			mp.state = Pending
			s.pendingOrder = append(s.pendingOrder, candidate)
		}

		for b := 0; b < mp.totalBlocks; b++ {
			if mp.received[b] {
				continue
			}
			begin := int64(b) * wire.BlockLen

			if !endgame {
				if mp.requested[b] {
					continue
				}
				mp.requested[b] = true
			} else if blockOffered(skip, candidate, begin) {
				continue
			}

			length := wire.BlockLength(mp.length, b)
			return BlockRequest{Piece: candidate, Begin: begin, Length: length}, true
		}

		tried[candidate] = true
	}
}

// bestCandidatePiece picks the next piece a peer advertising
// peerBitfield should be asked about: currently-PENDING pieces first,
// then MISSING, ties broken by rarest-first availability and then
// lowest index. Pieces in exclude are skipped, since the caller has
// already found them to have no offerable block this call.
func (s *Store) bestCandidatePiece(peerBitfield []byte, exclude map[int]bool) int {
	candidate := -1
	candidateIsPending := false

	for i := range s.pieces {
		mp := &s.pieces[i]
		if mp.state == Have || exclude[i] {
			continue
		}
		if !bitSet(peerBitfield, i) {
			continue
		}

		isPending := mp.state == Pending
		if candidate == -1 {
			candidate = i
			candidateIsPending = isPending
			continue
		}

		// Prefer PENDING over MISSING.
		if isPending && !candidateIsPending {
			candidate, candidateIsPending = i, true
			continue
		}
		if !isPending && candidateIsPending {
			continue
		}

		// Same class: rarest-first, then lowest index (s.pieces is
		// already in index order, so only swap on strictly rarer).
		if s.pieces[i].availability < s.pieces[candidate].availability {
			candidate = i
		}
	}

	return candidate
}

// blockOffered reports whether skip already contains a request for
// (piece, begin).
func blockOffered(skip []BlockRequest, piece int, begin int64) bool {
	for _, r := range skip {
		if r.Piece == piece && r.Begin == begin {
			return true
		}
	}
	return false
}
