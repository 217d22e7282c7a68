package peerlink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gotorrent/internal/wire"
)

func TestIngestHandshakeThenMessages(t *testing.T) {
	l := New(nil, "1.2.3.4:6881", Outbound, AwaitHandshake)

	hs := wire.Handshake{InfoHash: [20]byte{1}, PeerID: [20]byte{2}}
	buf := hs.Encode()
	buf = append(buf, wire.Encode(wire.Message{ID: wire.MsgUnchoke})...)
	buf = append(buf, wire.Encode(wire.Message{ID: wire.MsgInterested})...)

	result, err := l.Ingest(buf)
	require.NoError(t, err)
	require.NotNil(t, result.Handshake)
	require.Equal(t, hs.InfoHash, result.Handshake.InfoHash)
	require.Len(t, result.Messages, 2)
	require.Equal(t, wire.MsgUnchoke, result.Messages[0].ID)
	require.Equal(t, wire.MsgInterested, result.Messages[1].ID)
	require.Empty(t, l.incoming)
}

func TestIngestPartialFrameWaitsForMoreBytes(t *testing.T) {
	l := New(nil, "addr", Outbound, Operational)
	l.handshakeSeen = true

	full := wire.EncodeRequest(wire.MsgRequest, 1, 2, 3)
	result, err := l.Ingest(full[:len(full)-3])
	require.NoError(t, err)
	require.Empty(t, result.Messages)
	require.Len(t, l.incoming, len(full)-3)

	result, err = l.Ingest(full[len(full)-3:])
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	require.Empty(t, l.incoming)
}

func TestIngestMalformedFrameErrors(t *testing.T) {
	l := New(nil, "addr", Outbound, Operational)
	l.handshakeSeen = true

	bad := wire.Encode(wire.Message{ID: wire.MsgChoke, Payload: []byte{1, 2}})
	_, err := l.Ingest(bad)
	require.Error(t, err)
}

func TestRequestQueueBoundAndDequeue(t *testing.T) {
	l := New(nil, "addr", Outbound, Operational)

	for i := 0; i < wire.MaxInFlight; i++ {
		ok := l.Enqueue(PendingRequest{Piece: 0, Begin: int64(i * wire.BlockLen)})
		require.True(t, ok)
	}
	require.Equal(t, wire.MaxInFlight, l.OutstandingCount())
	require.False(t, l.Enqueue(PendingRequest{Piece: 0, Begin: 999999}))

	_, ok := l.DequeueMatching(0, int64(3*wire.BlockLen))
	require.True(t, ok)
	require.Equal(t, wire.MaxInFlight-1, l.OutstandingCount())

	_, ok = l.DequeueMatching(0, int64(3*wire.BlockLen))
	require.False(t, ok, "a second dequeue for the same (piece,begin) must not match")
}

func TestClearRequestsOnChoke(t *testing.T) {
	l := New(nil, "addr", Outbound, Operational)
	l.Enqueue(PendingRequest{Piece: 0, Begin: 0})
	l.Enqueue(PendingRequest{Piece: 0, Begin: int64(wire.BlockLen)})
	require.Equal(t, 2, l.OutstandingCount())

	l.ClearRequests()
	require.Equal(t, 0, l.OutstandingCount())
}

func TestUpdateRateZeroDeltaIsNoop(t *testing.T) {
	l := New(nil, "addr", Outbound, Operational)
	l.RecordBytesSent(100)
	now := time.Now()
	l.lastSampleTime = now
	l.UpdateRate(now)
	require.Equal(t, float64(0), l.UploadRate)
}

func TestUpdateRateComputesBitsPerSecond(t *testing.T) {
	l := New(nil, "addr", Outbound, Operational)
	l.lastSampleTime = time.Now().Add(-1 * time.Second)
	l.RecordBytesRecv(1000)

	l.UpdateRate(time.Now())
	require.InDelta(t, 8000, l.DownloadRate, 500)
}
