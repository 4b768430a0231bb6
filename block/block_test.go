package block

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// the bitcoin genesis block header
const genesisHeaderHex = "0100000000000000000000000000000000000000000000000000000000000000" +
	"000000003ba3edfd7a7b12b27ac72c3e67768f617fc81bc3888a51323a9fb8aa" +
	"4b1e5e4a29ab5f49ffff001d1dac2b7c"

func genesisHeader(t *testing.T) []byte {
	t.Helper()
	raw, err := hex.DecodeString(genesisHeaderHex)
	require.NoError(t, err)
	require.Len(t, raw, HeaderLen)
	return raw
}

func TestHeaderRoundtrip(t *testing.T) {
	raw := genesisHeader(t)

	hdr, err := FromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), hdr.Version)
	assert.Equal(t, uint32(1231006505), hdr.Time)
	assert.Equal(t, uint32(0x1d00ffff), hdr.NBits)
	assert.Equal(t, uint32(2083236893), hdr.Nonce)
	assert.Equal(t, raw, hdr.Bytes())
}

func TestFromBytesBadLen(t *testing.T) {
	_, err := FromBytes(make([]byte, 79))
	assert.ErrorIs(t, err, ErrBadHeaderLen)
}

func TestNBitsToTarget(t *testing.T) {
	target := NBitsToTarget(0x1d00ffff)

	// difficulty 1: 0xffff shifted 208 bits
	var want [32]byte
	want[4] = 0xff
	want[5] = 0xff
	assert.Equal(t, want, target)
}

func TestGenesisMeetsDifficultyOne(t *testing.T) {
	raw := genesisHeader(t)
	hash := DoubleSHA(raw)
	target := NBitsToTarget(0x1d00ffff)

	assert.True(t, MeetsTarget(hash, target))
}

func TestWrongNonceMissesTarget(t *testing.T) {
	hdr, err := FromBytes(genesisHeader(t))
	require.NoError(t, err)
	hdr.Nonce++

	hash := DoubleSHA(hdr.Bytes())
	assert.False(t, MeetsTarget(hash, NBitsToTarget(0x1d00ffff)))
}

func TestMeetsTargetBoundary(t *testing.T) {
	target := NBitsToTarget(0x1d00ffff)

	// hash numerically equal to the target counts as a hit
	var hash [32]byte
	for i := 0; i < 32; i++ {
		hash[31-i] = target[i]
	}
	assert.True(t, MeetsTarget(hash, target))

	// one above misses
	hash[31-6] = 0x01 // big-endian byte just below the 0xffff run
	assert.False(t, MeetsTarget(hash, target))
}

func TestMerkleRootNoBranches(t *testing.T) {
	cb := DoubleSHA([]byte("coinbase"))
	assert.Equal(t, cb, MerkleRoot(cb, nil))
}

func TestMerkleRootFoldOrder(t *testing.T) {
	cb := DoubleSHA([]byte("coinbase"))
	b0 := DoubleSHA([]byte("branch0"))
	b1 := DoubleSHA([]byte("branch1"))

	step1 := DoubleSHA(append(append([]byte{}, cb[:]...), b0[:]...))
	want := DoubleSHA(append(append([]byte{}, step1[:]...), b1[:]...))

	assert.Equal(t, want, MerkleRoot(cb, [][32]byte{b0, b1}))
}

func TestCoinbaseHash(t *testing.T) {
	full := append([]byte("part1"), []byte{0xAA, 0xBB}...)
	full = append(full, []byte{0x01, 0x02, 0x03, 0x04}...)
	full = append(full, []byte("part2")...)

	want := DoubleSHA(full)
	got := CoinbaseHash([]byte("part1"), []byte{0xAA, 0xBB},
		[]byte{0x01, 0x02, 0x03, 0x04}, []byte("part2"))
	assert.Equal(t, want, got)
}
