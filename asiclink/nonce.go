package asiclink

import (
	"encoding/binary"
	"time"

	"hbctl/block"
	"hbctl/log"
	"hbctl/protocol"
	"hbctl/status"
)

// nonce records are 19 payload bytes:
// job_id[4] nonce2[4] ntime[4] nonce[4] miner chip core
const nonceRecordLen = 19

// pollReplyBudget bounds one board's answer to a single POLLING request:
// status, voltages, PLLs, chip temps and a few queued nonces.
const pollReplyBudget = 8

type Nonce struct {
	JobID   [4]byte
	Nonce2  uint32
	NTime   uint32
	Nonce   uint32
	MinerID uint8
	ChipID  uint8
	CoreID  uint8
}

// nonceKey is the dedupe identity. Boards resend unacknowledged nonces on
// the next poll, so duplicates are routine, not errors.
type nonceKey struct {
	jobID  [4]byte
	nonce  uint32
	chipID uint8
}

// PollNonces runs one polling round over every present board, folds status
// replies into the aggregator and returns the fresh nonces for the current
// job. Stale-job nonces and duplicates are dropped silently.
func (my *Link) PollNonces() []Nonce {
	my.mu.Lock()
	defer my.mu.Unlock()

	var fresh []Nonce
	for _, id := range my.presentBoards() {
		pkts, err := my.txn(protocol.PPolling, id, nil, pollReplyBudget)
		if err != nil {
			log.Debugf("asiclink: board %d poll: %v", id, err)
			continue
		}
		for _, p := range pkts {
			if p.Module != id {
				continue
			}
			switch p.Type {
			case protocol.PStatus:
				my.applyStatus(id, p.Data())
			case protocol.PStatusVolt:
				my.applyStatusVolt(id, p.Data())
			case protocol.PStatusPLL:
				my.applyStatusPLL(id, p.Data())
			case protocol.PStatusASIC:
				my.applyStatusASIC(id, p.Data())
			case protocol.PNonce:
				if n, ok := my.acceptNonce(id, p.Data()); ok {
					fresh = append(fresh, n)
				}
			}
		}
	}
	return fresh
}

// acceptNonce parses one nonce record and filters stale jobs and repeats.
func (my *Link) acceptNonce(id uint8, data []byte) (Nonce, bool) {
	var n Nonce
	if len(data) < nonceRecordLen {
		return n, false
	}
	copy(n.JobID[:], data[0:4])
	n.Nonce2 = binary.LittleEndian.Uint32(data[4:8])
	n.NTime = binary.LittleEndian.Uint32(data[8:12])
	n.Nonce = binary.LittleEndian.Uint32(data[12:16])
	n.MinerID = data[16]
	n.ChipID = data[17]
	n.CoreID = data[18]
	if n.MinerID == 0 {
		n.MinerID = id
	}

	if !my.haveJob || n.JobID != my.curJobID {
		log.Debugf("asiclink: stale nonce for job %x dropped", n.JobID)
		return n, false
	}
	key := nonceKey{jobID: n.JobID, nonce: n.Nonce, chipID: n.ChipID}
	if _, dup := my.seen[key]; dup {
		return n, false
	}
	my.seen[key] = struct{}{}

	my.agg.UpdateBoard(n.MinerID, func(b *status.BoardStatus) {
		if int(n.ChipID) < status.ChipsPerBoard {
			c := &b.Chips[n.ChipID]
			c.NoncesFound++
			c.LastNonce = time.Now()
		}
	})
	return n, true
}

// VerifyNonce recomputes the share board-side arithmetic should have
// produced: extranonce2 into the coinbase, merkle fold, header double-SHA,
// compare against the job target. A miss is a hardware error statistic.
func (my *Link) VerifyNonce(job *Job, n *Nonce) bool {
	en2 := make([]byte, job.ExtraNonce2Len)
	if len(en2) >= 4 {
		binary.LittleEndian.PutUint32(en2, n.Nonce2)
	} else {
		tmp := make([]byte, 4)
		binary.LittleEndian.PutUint32(tmp, n.Nonce2)
		copy(en2, tmp)
	}

	cbHash := block.CoinbaseHash(job.Coinbase1, job.ExtraNonce1, en2, job.Coinbase2)
	hdr := block.Header{
		Version:    job.Version,
		PrevHash:   job.PrevHash,
		MerkleRoot: block.MerkleRoot(cbHash, job.MerkleBranches),
		Time:       n.NTime,
		NBits:      job.NBits,
		Nonce:      n.Nonce,
	}
	hash := block.DoubleSHA(hdr.Bytes())
	if !block.MeetsTarget(hash, job.Target) {
		my.agg.CountHWError(n.MinerID, n.ChipID)
		log.Debugf("asiclink: board %d chip %d nonce %08x failed verify",
			n.MinerID, n.ChipID, n.Nonce)
		return false
	}
	return true
}

func (my *Link) applyStatus(id uint8, data []byte) {
	if len(data) < 16 {
		return
	}
	my.agg.UpdateBoard(id, func(b *status.BoardStatus) {
		b.TempChip = int8(data[0])
		b.TempBoard = int8(data[1])
		b.TempInlet = int8(data[2])
		b.TempOutlet = int8(data[3])
		b.Hashrate = binary.LittleEndian.Uint64(data[4:12])
		b.HWErrors = binary.LittleEndian.Uint32(data[12:16])
	})
}

func (my *Link) applyStatusVolt(id uint8, data []byte) {
	if len(data) < 16 {
		return
	}
	my.agg.UpdateBoard(id, func(b *status.BoardStatus) {
		for i := 0; i < 8; i++ {
			b.Voltage[i] = binary.LittleEndian.Uint16(data[i*2 : i*2+2])
		}
	})
}

func (my *Link) applyStatusPLL(id uint8, data []byte) {
	if len(data) < PLLCount*4 {
		return
	}
	my.agg.UpdateBoard(id, func(b *status.BoardStatus) {
		for i := 0; i < PLLCount; i++ {
			b.Frequency[i] = binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		}
	})
}

// applyStatusASIC folds one per-chip temperature fragment:
// start index, count, then count temperatures.
func (my *Link) applyStatusASIC(id uint8, data []byte) {
	if len(data) < 2 {
		return
	}
	start := int(data[0])
	count := int(data[1])
	if count > len(data)-2 {
		count = len(data) - 2
	}
	my.agg.UpdateBoard(id, func(b *status.BoardStatus) {
		for i := 0; i < count; i++ {
			idx := start + i
			if idx >= status.ChipsPerBoard {
				break
			}
			b.Chips[idx].Temperature = int8(data[2+i])
			b.Chips[idx].Enabled = true
		}
	})
}
