// Package metainfo parses a .torrent file into an immutable Torrent
// value: piece length, per-piece SHA-1 hashes, total length, info-hash,
// announce URL, and suggested output name. It is the external
// collaborator the core depends on but does not own.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"strconv"

	"github.com/jackpal/bencode-go"
)

// HashSize is the length of a SHA-1 digest.
const HashSize = 20

type rawFileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	PieceLength int64          `bencode:"piece length"`
	Pieces      string         `bencode:"pieces"`
	Name        string         `bencode:"name"`
	Length      int64          `bencode:"length"`
	Files       []rawFileEntry `bencode:"files"`
}

type rawTorrent struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

// Torrent is the immutable, parsed view of a .torrent file that the
// rest of the client builds against.
type Torrent struct {
	Announce     string
	AnnounceList []string
	Name         string
	PieceLength  int64
	TotalLength  int64
	Pieces       [][HashSize]byte
	InfoHash     [HashSize]byte
}

// NumPieces returns P, the number of piece hashes in the torrent. For a
// well-formed torrent this equals ceil(TotalLength / PieceLength); Parse
// does not check that the two agree.
func (t *Torrent) NumPieces() int {
	return len(t.Pieces)
}

// PieceLen returns the actual length of piece i, accounting for a
// shorter final piece.
func (t *Torrent) PieceLen(i int) int64 {
	if i < 0 || i >= len(t.Pieces) {
		return 0
	}
	if i == len(t.Pieces)-1 {
		last := t.TotalLength - int64(i)*t.PieceLength
		if last > 0 {
			return last
		}
	}
	return t.PieceLength
}

// extractInfoBytes locates the bencoded "info" dictionary's raw bytes
// within the full torrent file, so the info-hash can be computed over
// exactly the bytes that were on the wire (not a re-encoding of our
// parsed structs, which could differ in key order).
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("metainfo: no \"4:info\" key found")
	}

	start := idx + len("4:info")
	depth := 0

	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("metainfo: unterminated integer at %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					n, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("metainfo: invalid string length at %d", i)
					}
					i = j + n
				}
			}
		}
	}

	return nil, fmt.Errorf("metainfo: unterminated info dictionary")
}

// Parse loads and validates a .torrent file at path.
func Parse(path string) (*Torrent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var raw rawTorrent
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding %q: %w", path, err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return nil, fmt.Errorf("metainfo: %w", err)
	}
	infoHash := sha1.Sum(infoBytes)

	if raw.Info.PieceLength <= 0 {
		return nil, fmt.Errorf("metainfo: non-positive piece length %d", raw.Info.PieceLength)
	}
	if len(raw.Info.Pieces)%HashSize != 0 {
		return nil, fmt.Errorf("metainfo: pieces field length %d not a multiple of %d", len(raw.Info.Pieces), HashSize)
	}

	total := raw.Info.Length
	if len(raw.Info.Files) > 0 {
		total = 0
		for _, f := range raw.Info.Files {
			total += f.Length
		}
	}

	numPieces := len(raw.Info.Pieces) / HashSize
	pieces := make([][HashSize]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieces[i][:], raw.Info.Pieces[i*HashSize:(i+1)*HashSize])
	}

	announceList := make([]string, 0, len(raw.AnnounceList))
	for _, tier := range raw.AnnounceList {
		announceList = append(announceList, tier...)
	}

	return &Torrent{
		Announce:     raw.Announce,
		AnnounceList: announceList,
		Name:         raw.Info.Name,
		PieceLength:  raw.Info.PieceLength,
		TotalLength:  total,
		Pieces:       pieces,
		InfoHash:     infoHash,
	}, nil
}
