// Package protocol is the stateless codec for the hash-board command bus.
// Every frame is exactly PacketLen bytes; retry policy and addressing state
// live in asiclink, never here.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	H1 = 'C'
	H2 = 'N'

	PayloadLen = 32
	// header(2) + type + module + length + payload + crc32
	PacketLen = 5 + PayloadLen + 4

	// Broadcast reaches every board on the chain.
	Broadcast uint8 = 0
)

// Packet types. Host to board.
const (
	PDetect   uint8 = 0x10
	PStatic   uint8 = 0x11
	PJobID    uint8 = 0x12
	PCoinbase uint8 = 0x13
	PMerkles  uint8 = 0x14
	PHeader   uint8 = 0x15
	PTarget   uint8 = 0x16
	PJobFin   uint8 = 0x17

	PSet     uint8 = 0x20
	PSetFin  uint8 = 0x21
	PSetVolt uint8 = 0x22
	PSetPLL  uint8 = 0x25
	PSetSS   uint8 = 0x26

	PPolling uint8 = 0x30
	PSync    uint8 = 0x31
)

// Board to host.
const (
	PAckDetect  uint8 = 0x40
	PStatus     uint8 = 0x41
	PNonce      uint8 = 0x42
	PStatusVolt uint8 = 0x46
	PStatusPLL  uint8 = 0x49
	PStatusASIC uint8 = 0x4B
)

var (
	ErrBadHeader   = errors.New("ErrBadHeader")
	ErrBadChecksum = errors.New("ErrBadChecksum")
	ErrTruncated   = errors.New("ErrTruncated")
	ErrPayloadLen  = errors.New("ErrPayloadLen")
)

// Packet is one fixed-size frame. Module 0 broadcasts to all boards.
type Packet struct {
	Type    uint8
	Module  uint8
	Length  uint8
	Payload [PayloadLen]byte
}

// Data returns the used slice of the payload.
func (p *Packet) Data() []byte {
	return p.Payload[:p.Length]
}

// Encode frames a packet: 'C' 'N', type, module, length, zero-padded
// payload, CRC32 (IEEE, little-endian) over everything before it.
func Encode(typ uint8, module uint8, payload []byte) ([]byte, error) {
	if len(payload) > PayloadLen {
		return nil, ErrPayloadLen
	}

	buf := make([]byte, PacketLen)
	buf[0] = H1
	buf[1] = H2
	buf[2] = typ
	buf[3] = module
	buf[4] = uint8(len(payload))
	copy(buf[5:], payload)

	crc := crc32.ChecksumIEEE(buf[:PacketLen-4])
	binary.LittleEndian.PutUint32(buf[PacketLen-4:], crc)
	return buf, nil
}

// Decode validates framing and checksum of one frame.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < PacketLen {
		return nil, ErrTruncated
	}
	if buf[0] != H1 || buf[1] != H2 {
		return nil, ErrBadHeader
	}

	want := binary.LittleEndian.Uint32(buf[PacketLen-4:])
	if crc32.ChecksumIEEE(buf[:PacketLen-4]) != want {
		return nil, ErrBadChecksum
	}

	p := &Packet{
		Type:   buf[2],
		Module: buf[3],
		Length: buf[4],
	}
	if p.Length > PayloadLen {
		return nil, fmt.Errorf("%w: length %d", ErrPayloadLen, p.Length)
	}
	copy(p.Payload[:], buf[5:5+PayloadLen])
	return p, nil
}

// Scan walks a raw receive buffer and returns every frame that decodes
// cleanly, resynchronizing on the 2-byte header. Malformed frames are
// skipped; the bus is noisy during board bring-up.
func Scan(buf []byte) []*Packet {
	var pkts []*Packet
	for i := 0; i+PacketLen <= len(buf); {
		if buf[i] != H1 || buf[i+1] != H2 {
			i++
			continue
		}
		p, err := Decode(buf[i : i+PacketLen])
		if err != nil {
			i++
			continue
		}
		pkts = append(pkts, p)
		i += PacketLen
	}
	return pkts
}
