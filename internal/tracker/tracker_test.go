package tracker

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func TestQueryHTTP(t *testing.T) {
	peerBytes := []byte{127, 0, 0, 1, 0x1a, 0xe1} // 127.0.0.1:6881

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		require.NoError(t, bencode.Marshal(&buf, httpTrackerResp{
			Interval: 1800,
			Peers:    string(peerBytes),
		}))
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := &Client{
		InfoHash:   [20]byte{1, 2, 3},
		PeerID:     [20]byte{4, 5, 6},
		ListenPort: 6881,
		Announce:   srv.URL,
	}

	resp, err := c.Query(context.Background(), Stats{Left: 100})
	require.NoError(t, err)
	require.Equal(t, 1800, resp.Interval)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "127.0.0.1:6881", resp.Peers[0].String())
}

func TestQueryHTTPFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		require.NoError(t, bencode.Marshal(&buf, httpTrackerResp{Failure: "nope"}))
		w.Write(buf.Bytes())
	}))
	defer srv.Close()

	c := &Client{Announce: srv.URL}
	_, err := c.Query(context.Background(), Stats{})
	require.Error(t, err)
}

func TestDecodeCompactPeersRejectsBadLength(t *testing.T) {
	_, err := decodeCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}
