package metainfo

import (
	"bytes"
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func writeTorrentFile(t *testing.T, rt rawTorrent) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, rt))

	dir := t.TempDir()
	path := filepath.Join(dir, "test.torrent")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	return path
}

func TestParseSinglePiece(t *testing.T) {
	content := []byte("HELLO WORLD PIECE A!")
	hash := sha1.Sum(content)

	rt := rawTorrent{
		Announce: "http://tracker.example/announce",
		Info: rawInfo{
			PieceLength: int64(len(content)),
			Pieces:      string(hash[:]),
			Name:        "hello.txt",
			Length:      int64(len(content)),
		},
	}

	path := writeTorrentFile(t, rt)

	tor, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, "hello.txt", tor.Name)
	require.Equal(t, int64(len(content)), tor.TotalLength)
	require.Equal(t, 1, tor.NumPieces())
	require.Equal(t, int64(len(content)), tor.PieceLen(0))
	require.Equal(t, hash, tor.Pieces[0])
	require.NotEqual(t, [HashSize]byte{}, tor.InfoHash)
}

func TestParseRaggedLastPiece(t *testing.T) {
	pieceLen := int64(16384)
	total := int64(40000)

	var pieces bytes.Buffer
	for i := 0; i < 3; i++ {
		h := sha1.Sum([]byte{byte(i)})
		pieces.Write(h[:])
	}

	rt := rawTorrent{
		Info: rawInfo{
			PieceLength: pieceLen,
			Pieces:      pieces.String(),
			Name:        "ragged.bin",
			Length:      total,
		},
	}

	path := writeTorrentFile(t, rt)
	tor, err := Parse(path)
	require.NoError(t, err)

	require.Equal(t, 3, tor.NumPieces())
	require.Equal(t, pieceLen, tor.PieceLen(0))
	require.Equal(t, pieceLen, tor.PieceLen(1))
	require.Equal(t, int64(7232), tor.PieceLen(2))
}

func TestParseMultiFile(t *testing.T) {
	rt := rawTorrent{
		Info: rawInfo{
			PieceLength: 16384,
			Pieces:      string(sha1.Sum(nil)[:]),
			Name:        "multi",
			Files: []rawFileEntry{
				{Length: 100, Path: []string{"a.txt"}},
				{Length: 200, Path: []string{"sub", "b.txt"}},
			},
		},
	}

	path := writeTorrentFile(t, rt)
	tor, err := Parse(path)
	require.NoError(t, err)
	require.Equal(t, int64(300), tor.TotalLength)
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	rt := rawTorrent{
		Info: rawInfo{
			PieceLength: 16384,
			Pieces:      "not-a-multiple-of-20",
			Name:        "bad",
			Length:      1,
		},
	}

	path := writeTorrentFile(t, rt)
	_, err := Parse(path)
	require.Error(t, err)
}
