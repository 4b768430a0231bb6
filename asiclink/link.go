// Package asiclink owns the hash-board bus: board discovery, job dispatch,
// nonce collection and set-point transactions. All bus traffic funnels
// through one mutex so request/response pairs never interleave.
package asiclink

import (
	"bytes"
	"errors"
	"sync"

	"hbctl/hal"
	"hbctl/log"
	"hbctl/protocol"
	"hbctl/status"
)

// Operating limits for the AVA10 chain.
const (
	FreqMin     = 25 // MHz
	FreqMax     = 800
	FreqStep    = 25
	FreqDefault = 550

	VoltLevelMin     = 0
	VoltLevelMax     = 75
	VoltLevelDefault = 40

	VoltOffsetMin = -2
	VoltOffsetMax = 1

	PLLCount = 4
)

const (
	// detect attempts per board before it is marked absent
	detectRounds = 3
	// per-transaction resend budget on a missing or corrupt reply
	txnRetries = 2
)

var (
	ErrBoardAbsent = errors.New("ErrBoardAbsent")
	ErrNoAck       = errors.New("ErrNoAck")
	ErrSetPointNak = errors.New("ErrSetPointNak")
	ErrBadBoardID  = errors.New("ErrBadBoardID")
)

// SetPoints is the last acknowledged operating point of one board. It is
// what a failed set-point transaction reverts to.
type SetPoints struct {
	Frequency     uint32
	VoltageLevel  uint8
	VoltageOffset int8
}

type Link struct {
	bus hal.Bus
	agg *status.Aggregator

	mu      sync.Mutex
	present [status.BoardCount + 1]bool
	good    [status.BoardCount + 1]SetPoints

	curJobID [4]byte
	haveJob  bool
	seen     map[nonceKey]struct{}
}

func New(bus hal.Bus, agg *status.Aggregator) *Link {
	lk := &Link{
		bus:  bus,
		agg:  agg,
		seen: make(map[nonceKey]struct{}),
	}
	for i := range lk.good {
		lk.good[i] = SetPoints{
			Frequency:    FreqDefault,
			VoltageLevel: VoltLevelDefault,
		}
	}
	return lk
}

// txn sends one framed request and returns the decoded replies addressed
// from (or broadcast by) the target board. Missing replies are retried
// within the fixed budget; the caller decides whether an empty reply set
// is an error.
func (my *Link) txn(typ uint8, module uint8, payload []byte, wantReplies int) ([]*protocol.Packet, error) {
	req, err := protocol.Encode(typ, module, payload)
	if err != nil {
		return nil, err
	}

	rxLen := wantReplies * protocol.PacketLen
	for attempt := 0; ; attempt++ {
		raw, err := my.bus.Xfer(req, rxLen)
		if err != nil {
			return nil, err
		}
		pkts := protocol.Scan(raw)
		if wantReplies == 0 || len(pkts) > 0 {
			return pkts, nil
		}
		if attempt >= txnRetries {
			return nil, ErrNoAck
		}
	}
}

// Detect probes every bus address and rebuilds the presence table. A board
// that answers no round of P_DETECT is marked absent and skipped by every
// later operation until the next detect.
func (my *Link) Detect() int {
	my.mu.Lock()
	defer my.mu.Unlock()

	found := 0
	for id := uint8(1); id <= status.BoardCount; id++ {
		ok := false
		for round := 0; round < detectRounds && !ok; round++ {
			pkts, err := my.txn(protocol.PDetect, id, nil, 1)
			if err != nil {
				continue
			}
			for _, p := range pkts {
				if p.Type != protocol.PAckDetect || p.Module != id {
					continue
				}
				my.applyAckDetect(id, p)
				ok = true
				break
			}
		}
		my.present[id] = ok
		if ok {
			found++
		} else {
			my.agg.MarkAbsent(id)
			log.Infof("asiclink: board %d absent", id)
		}
	}
	return found
}

// applyAckDetect parses the detect reply: DNA, then the firmware version
// string padded with zero bytes.
func (my *Link) applyAckDetect(id uint8, p *protocol.Packet) {
	data := p.Data()
	var dna [status.DNALen]byte
	version := ""
	if len(data) >= status.DNALen {
		copy(dna[:], data[:status.DNALen])
		rest := data[status.DNALen:]
		if len(rest) > status.VersionLen {
			rest = rest[:status.VersionLen]
		}
		version = string(bytes.TrimRight(rest, "\x00\xff"))
	}

	my.agg.UpdateBoard(id, func(b *status.BoardStatus) {
		b.Present = true
		b.Enabled = true
		b.DNA = dna
		b.Version = version
	})
	log.Infof("asiclink: board %d detected, version %q", id, version)
}

// Present reports whether a board answered the last detect.
func (my *Link) Present(id uint8) bool {
	my.mu.Lock()
	defer my.mu.Unlock()
	if id == 0 || int(id) > status.BoardCount {
		return false
	}
	return my.present[id]
}

func (my *Link) presentBoards() []uint8 {
	var ids []uint8
	for id := uint8(1); id <= status.BoardCount; id++ {
		if my.present[id] {
			ids = append(ids, id)
		}
	}
	return ids
}
