package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeIdentity(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	raw, err := Encode(PDetect, 2, payload)
	require.NoError(t, err)
	require.Len(t, raw, PacketLen)

	p, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, PDetect, p.Type)
	assert.Equal(t, uint8(2), p.Module)
	assert.Equal(t, payload, p.Data())
}

func TestEncodePadsPayload(t *testing.T) {
	raw, err := Encode(PJobFin, Broadcast, nil)
	require.NoError(t, err)

	p, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), p.Length)
	assert.Empty(t, p.Data())
}

func TestEncodeOversizedPayload(t *testing.T) {
	_, err := Encode(PSet, 1, make([]byte, PayloadLen+1))
	assert.ErrorIs(t, err, ErrPayloadLen)
}

func TestDecodeTruncated(t *testing.T) {
	raw, _ := Encode(PStatus, 1, nil)
	_, err := Decode(raw[:PacketLen-1])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeBadHeader(t *testing.T) {
	raw, _ := Encode(PStatus, 1, nil)
	raw[0] = 'X'
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestDecodeBadChecksum(t *testing.T) {
	raw, _ := Encode(PStatus, 1, []byte{1, 2, 3})
	raw[6] ^= 0x40
	_, err := Decode(raw)
	assert.ErrorIs(t, err, ErrBadChecksum)
}

func TestScanResyncsOnNoise(t *testing.T) {
	a, _ := Encode(PNonce, 1, []byte{1})
	b, _ := Encode(PStatus, 2, []byte{2})

	buf := append([]byte{0x00, 'C', 0x13}, a...) // leading noise
	corrupt, _ := Encode(PNonce, 3, []byte{3})
	corrupt[10] ^= 0xFF // bad crc mid-stream
	buf = append(buf, corrupt...)
	buf = append(buf, b...)

	pkts := Scan(buf)
	require.Len(t, pkts, 2)
	assert.Equal(t, PNonce, pkts[0].Type)
	assert.Equal(t, uint8(1), pkts[0].Module)
	assert.Equal(t, PStatus, pkts[1].Type)
	assert.Equal(t, uint8(2), pkts[1].Module)
}

func TestScanEmptyAndShort(t *testing.T) {
	assert.Empty(t, Scan(nil))
	assert.Empty(t, Scan([]byte{'C', 'N', 0x10}))
}
