// Package block holds the bitcoin header arithmetic the nonce verifier
// needs: header serialization, coinbase/merkle hashing and target
// comparison.
package block

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

const HeaderLen = 80

type Header struct {
	Version    uint32   // 0:3
	PrevHash   [32]byte // 4:35
	MerkleRoot [32]byte // 36:67
	Time       uint32   // 68:71
	NBits      uint32   // 72:75
	Nonce      uint32   // 76:79
}

var ErrBadHeaderLen = errors.New("ErrBadHeaderLen")

func (bh *Header) Bytes() []byte {
	b := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(b[0:4], bh.Version)
	copy(b[4:36], bh.PrevHash[:])
	copy(b[36:68], bh.MerkleRoot[:])
	binary.LittleEndian.PutUint32(b[68:72], bh.Time)
	binary.LittleEndian.PutUint32(b[72:76], bh.NBits)
	binary.LittleEndian.PutUint32(b[76:80], bh.Nonce)
	return b
}

func FromBytes(b []byte) (*Header, error) {
	if len(b) != HeaderLen {
		return nil, ErrBadHeaderLen
	}
	bh := Header{
		Version: binary.LittleEndian.Uint32(b[0:4]),
		Time:    binary.LittleEndian.Uint32(b[68:72]),
		NBits:   binary.LittleEndian.Uint32(b[72:76]),
		Nonce:   binary.LittleEndian.Uint32(b[76:80]),
	}
	copy(bh.PrevHash[:], b[4:36])
	copy(bh.MerkleRoot[:], b[36:68])
	return &bh, nil
}

func DoubleSHA(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// CoinbaseHash double-hashes the assembled coinbase transaction:
// coinb1 || extranonce1 || extranonce2 || coinb2.
func CoinbaseHash(coinb1, extraNonce1, extraNonce2, coinb2 []byte) [32]byte {
	h := sha256.New()
	h.Write(coinb1)
	h.Write(extraNonce1)
	h.Write(extraNonce2)
	h.Write(coinb2)
	sum := h.Sum(nil)
	return sha256.Sum256(sum)
}

// MerkleRoot folds the coinbase hash up the branch list:
// root = dsha(...dsha(dsha(cb||b0)||b1)...||bn).
func MerkleRoot(coinbaseHash [32]byte, branches [][32]byte) [32]byte {
	root := coinbaseHash
	for _, br := range branches {
		buf := make([]byte, 0, 64)
		buf = append(buf, root[:]...)
		buf = append(buf, br[:]...)
		root = DoubleSHA(buf)
	}
	return root
}

// NBitsToTarget expands the compact difficulty to a 32-byte big-endian
// target.
func NBitsToTarget(nbits uint32) [32]byte {
	var t [32]byte
	exponent := (nbits >> 24) & 0xff
	if exponent > 0x1d {
		exponent = 0
	} else if exponent >= 3 {
		exponent -= 3
	} else {
		exponent = 0
	}

	// big endian: exponent counts the zero bytes on the right
	t[31-exponent] = byte(nbits)
	t[31-exponent-1] = byte(nbits >> 8)
	t[31-exponent-2] = byte(nbits >> 16)
	return t
}

// MeetsTarget reports whether a double-SHA result (little-endian byte
// order, as produced by hashing the header) is numerically <= the
// big-endian target.
func MeetsTarget(hash [32]byte, target [32]byte) bool {
	// compare big-endian: reverse the hash
	for i := 0; i < 32; i++ {
		h := hash[31-i]
		t := target[i]
		if h < t {
			return true
		}
		if h > t {
			return false
		}
	}
	return true
}
