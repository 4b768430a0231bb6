package asiclink

import (
	"encoding/binary"

	"hbctl/log"
	"hbctl/protocol"
	"hbctl/status"
	"hbctl/util"
)

// PLL divisor arithmetic. The chip runs a 25 MHz reference through
// freq = 25 * fbdiv / postdiv with refdiv fixed at 1 and postdiv fixed
// at 4, so fbdiv carries the whole tuning range.
const (
	pllRefMHz   = 25
	pllPostdiv  = 4
	pllRefdiv   = 1
	pllFbdivMin = 4
	pllFbdivMax = 128
)

// PLLWord packs the divisors for one output frequency in MHz.
func PLLWord(freqMHz uint32) uint32 {
	fbdiv := util.ClampU32(freqMHz*pllPostdiv/pllRefMHz, pllFbdivMin, pllFbdivMax)
	return fbdiv | pllPostdiv<<8 | pllRefdiv<<12
}

// PLLFreq recovers the output frequency in MHz from a divisor word.
func PLLFreq(word uint32) uint32 {
	fbdiv := word & 0xFF
	postdiv := (word >> 8) & 0xF
	if postdiv == 0 {
		return 0
	}
	return pllRefMHz * fbdiv / postdiv
}

// ClampFrequency snaps a request onto the supported grid.
func ClampFrequency(freqMHz uint32) uint32 {
	f := util.ClampU32(freqMHz, FreqMin, FreqMax)
	return f - f%FreqStep
}

// SetFrequency drives one board's PLLs to freqMHz. The transaction is
// SET_PLL then SET_FIN; the board acknowledges by echoing its applied PLL
// words. A missing or mismatched echo reverts the board to its last
// acknowledged frequency and reports ErrSetPointNak.
func (my *Link) SetFrequency(id uint8, freqMHz uint32) (uint32, error) {
	my.mu.Lock()
	defer my.mu.Unlock()

	if id == 0 || int(id) > status.BoardCount {
		return 0, ErrBadBoardID
	}
	if !my.present[id] {
		return 0, ErrBoardAbsent
	}

	freq := ClampFrequency(freqMHz)
	if err := my.sendPLL(id, freq); err != nil {
		return 0, err
	}

	if my.ackPLL(id, freq) {
		my.good[id].Frequency = freq
		my.agg.UpdateBoard(id, func(b *status.BoardStatus) {
			for i := range b.Frequency {
				b.Frequency[i] = freq
			}
			for c := range b.Chips {
				b.Chips[c].Frequency = freq
			}
		})
		return freq, nil
	}

	// ack failed: push the last-known-good point back out
	log.Errorf("asiclink: board %d rejected %d MHz, reverting to %d MHz",
		id, freq, my.good[id].Frequency)
	if err := my.sendPLL(id, my.good[id].Frequency); err != nil {
		return my.good[id].Frequency, err
	}
	my.ackPLL(id, my.good[id].Frequency)
	return my.good[id].Frequency, ErrSetPointNak
}

func (my *Link) sendPLL(id uint8, freqMHz uint32) error {
	payload := make([]byte, PLLCount*4)
	word := PLLWord(freqMHz)
	for i := 0; i < PLLCount; i++ {
		binary.LittleEndian.PutUint32(payload[i*4:], word)
	}
	_, err := my.txn(protocol.PSetPLL, id, payload, 0)
	return err
}

// ackPLL closes the transaction with SET_FIN and checks the echoed PLL
// status against the requested frequency.
func (my *Link) ackPLL(id uint8, freqMHz uint32) bool {
	pkts, err := my.txn(protocol.PSetFin, id, nil, 1)
	if err != nil {
		return false
	}
	for _, p := range pkts {
		if p.Type != protocol.PStatusPLL || p.Module != id {
			continue
		}
		data := p.Data()
		if len(data) < PLLCount*4 {
			return false
		}
		for i := 0; i < PLLCount; i++ {
			if PLLFreq(binary.LittleEndian.Uint32(data[i*4:i*4+4])) != freqMHz {
				return false
			}
		}
		return true
	}
	return false
}

// SetVoltage drives one board's core voltage. level picks the DAC step,
// offset nudges it within the board's trim range. Acknowledged by a
// STATUS_VOLT echo; a nak reverts to the last acknowledged level.
func (my *Link) SetVoltage(id uint8, level uint8, offset int8) error {
	my.mu.Lock()
	defer my.mu.Unlock()

	if id == 0 || int(id) > status.BoardCount {
		return ErrBadBoardID
	}
	if !my.present[id] {
		return ErrBoardAbsent
	}

	level = util.ClampU8(level, VoltLevelMin, VoltLevelMax)
	if offset < VoltOffsetMin {
		offset = VoltOffsetMin
	}
	if offset > VoltOffsetMax {
		offset = VoltOffsetMax
	}

	if err := my.sendVolt(id, level, offset); err != nil {
		return err
	}
	if my.ackVolt(id) {
		my.good[id].VoltageLevel = level
		my.good[id].VoltageOffset = offset
		return nil
	}

	log.Errorf("asiclink: board %d rejected voltage level %d, reverting to %d",
		id, level, my.good[id].VoltageLevel)
	if err := my.sendVolt(id, my.good[id].VoltageLevel, my.good[id].VoltageOffset); err != nil {
		return err
	}
	my.ackVolt(id)
	return ErrSetPointNak
}

func (my *Link) sendVolt(id uint8, level uint8, offset int8) error {
	payload := []byte{level, byte(offset)}
	_, err := my.txn(protocol.PSetVolt, id, payload, 0)
	return err
}

func (my *Link) ackVolt(id uint8) bool {
	pkts, err := my.txn(protocol.PSetFin, id, nil, 1)
	if err != nil {
		return false
	}
	for _, p := range pkts {
		if p.Type == protocol.PStatusVolt && p.Module == id {
			return true
		}
	}
	return false
}

// fan sub-command of the generic SET packet
const setSubFan = 0x01

// SetFanSpeed broadcasts the chassis fan duty so board-local cooling
// follows the controller PWM output. Broadcast, so unacknowledged; the
// local PWM pin stays authoritative.
func (my *Link) SetFanSpeed(duty uint8) error {
	my.mu.Lock()
	defer my.mu.Unlock()

	if duty > 100 {
		duty = 100
	}
	_, err := my.txn(protocol.PSet, protocol.Broadcast, []byte{setSubFan, duty}, 0)
	return err
}

// SetSmartSpeed broadcasts the board-side tuning thresholds. Broadcast
// fragments carry no ack; the values take effect on the next job.
func (my *Link) SetSmartSpeed(mode uint8, thPass, thFail, thTimeout, nonceMask uint32) error {
	my.mu.Lock()
	defer my.mu.Unlock()

	payload := make([]byte, 17)
	payload[0] = mode
	binary.LittleEndian.PutUint32(payload[1:5], thPass)
	binary.LittleEndian.PutUint32(payload[5:9], thFail)
	binary.LittleEndian.PutUint32(payload[9:13], thTimeout)
	binary.LittleEndian.PutUint32(payload[13:17], nonceMask)
	if _, err := my.txn(protocol.PSetSS, protocol.Broadcast, payload, 0); err != nil {
		return err
	}
	_, err := my.txn(protocol.PSetFin, protocol.Broadcast, nil, 0)
	return err
}

// Frequency returns the last acknowledged frequency of one board.
func (my *Link) Frequency(id uint8) uint32 {
	my.mu.Lock()
	defer my.mu.Unlock()
	if id == 0 || int(id) > status.BoardCount {
		return 0
	}
	return my.good[id].Frequency
}
