package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	h := Handshake{InfoHash: [20]byte{1, 2, 3}, PeerID: [20]byte{9, 9, 9}}
	encoded := h.Encode()
	require.Len(t, encoded, HandshakeLen)

	decoded, err := DecodeHandshake(encoded)
	require.NoError(t, err)
	require.Equal(t, h, decoded)
}

func TestDecodeHandshakeRejectsBadProtocol(t *testing.T) {
	h := Handshake{}
	encoded := h.Encode()
	encoded[0] = 5
	_, err := DecodeHandshake(encoded)
	require.Error(t, err)
}

func TestDecodeFrameKeepAlive(t *testing.T) {
	buf := EncodeKeepAlive()
	msg, n, err := DecodeFrame(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.True(t, msg.IsKeepAlive)
}

func TestDecodeFrameIncomplete(t *testing.T) {
	buf := EncodeRequest(MsgRequest, 1, 2, 3)
	msg, n, err := DecodeFrame(buf[:len(buf)-2])
	require.NoError(t, err)
	require.Nil(t, msg)
	require.Equal(t, 0, n)
}

func TestDecodeFrameRequestRoundTrip(t *testing.T) {
	buf := EncodeRequest(MsgRequest, 7, 16384, 16384)
	msg, n, err := DecodeFrame(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, MsgRequest, msg.ID)

	rp, err := DecodeRequestPayload(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(7), rp.Index)
	require.Equal(t, uint32(16384), rp.Begin)
	require.Equal(t, uint32(16384), rp.Length)
}

func TestDecodeFramePieceRoundTrip(t *testing.T) {
	block := []byte("some block bytes")
	buf := EncodePiece(3, 16384, block)
	msg, n, err := DecodeFrame(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)

	pp, err := DecodePiecePayload(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(3), pp.Index)
	require.Equal(t, uint32(16384), pp.Begin)
	require.Equal(t, block, pp.Block)
}

func TestDecodeFrameRejectsOversizedLength(t *testing.T) {
	buf := make([]byte, 8)
	buf[3] = 0xFF
	buf[2] = 0xFF
	_, _, err := DecodeFrame(buf)
	require.Error(t, err)
}

func TestDecodeFrameRejectsBadChokePayload(t *testing.T) {
	buf := Encode(Message{ID: MsgChoke, Payload: []byte{1}})
	_, _, err := DecodeFrame(buf)
	require.Error(t, err)
}

func TestDecodeFrameConsecutiveFrames(t *testing.T) {
	var buf []byte
	buf = append(buf, Encode(Message{ID: MsgUnchoke})...)
	buf = append(buf, Encode(Message{ID: MsgInterested})...)

	msg, n, err := DecodeFrame(buf)
	require.NoError(t, err)
	require.Equal(t, MsgUnchoke, msg.ID)

	rest := buf[n:]
	msg2, n2, err := DecodeFrame(rest)
	require.NoError(t, err)
	require.Equal(t, MsgInterested, msg2.ID)
	require.Equal(t, len(rest), n2)
}

func TestValidateBitfieldRejectsTrailingBits(t *testing.T) {
	// numPieces=4 -> 1 byte, low 4 bits must be zero.
	err := ValidateBitfield([]byte{0xFF}, 4)
	require.Error(t, err)

	err = ValidateBitfield([]byte{0xF0}, 4)
	require.NoError(t, err)
}

func TestBlockLengthRaggedLastBlock(t *testing.T) {
	require.Equal(t, int64(BlockLen), BlockLength(40000, 0))
	require.Equal(t, 3, NumBlocks(40000))
	last := NumBlocks(40000) - 1
	require.Equal(t, int64(40000-int64(last)*BlockLen), BlockLength(40000, last))
}
