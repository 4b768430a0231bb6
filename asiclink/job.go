package asiclink

import (
	"encoding/binary"
	"errors"

	"hbctl/block"
	"hbctl/log"
	"hbctl/protocol"
)

// MaxMerkleBranches bounds the job broadcast; deeper trees do not fit the
// board-side job RAM.
const MaxMerkleBranches = 30

var (
	ErrTooManyBranches = errors.New("ErrTooManyBranches")
	ErrEmptyCoinbase   = errors.New("ErrEmptyCoinbase")
)

// Job is one unit of work broadcast to the chain. The boards roll
// extranonce2 and the header nonce; everything else is fixed here.
type Job struct {
	JobID          [4]byte
	PrevHash       [32]byte
	Coinbase1      []byte
	Coinbase2      []byte
	ExtraNonce1    []byte
	ExtraNonce2Len int
	MerkleBranches [][32]byte
	Version        uint32
	NBits          uint32
	NTime          uint32
	CleanJobs      bool

	// Target is derived from NBits at send time and kept for verification.
	Target [32]byte
}

// SendJob broadcasts a job as the fixed fragment sequence
// JOB_ID, COINBASE, MERKLES, HEADER, TARGET, JOB_FIN. The job only becomes
// active on the boards once JOB_FIN lands; a new job id supersedes the old
// one and any nonce still in flight for it.
func (my *Link) SendJob(job *Job) error {
	if len(job.MerkleBranches) > MaxMerkleBranches {
		return ErrTooManyBranches
	}
	if len(job.Coinbase1) == 0 && len(job.Coinbase2) == 0 {
		return ErrEmptyCoinbase
	}

	my.mu.Lock()
	defer my.mu.Unlock()

	job.Target = block.NBitsToTarget(job.NBits)

	coinbase := make([]byte, 0,
		len(job.Coinbase1)+len(job.ExtraNonce1)+job.ExtraNonce2Len+len(job.Coinbase2))
	coinbase = append(coinbase, job.Coinbase1...)
	coinbase = append(coinbase, job.ExtraNonce1...)
	// extranonce2 placeholder, rolled board-side
	coinbase = append(coinbase, make([]byte, job.ExtraNonce2Len)...)
	coinbase = append(coinbase, job.Coinbase2...)

	// JOB_ID: id, clean flag, branch count, extranonce2 offset+len,
	// coinbase length
	idPayload := make([]byte, 12)
	copy(idPayload[0:4], job.JobID[:])
	if job.CleanJobs {
		idPayload[4] = 1
	}
	idPayload[5] = uint8(len(job.MerkleBranches))
	binary.LittleEndian.PutUint16(idPayload[6:8],
		uint16(len(job.Coinbase1)+len(job.ExtraNonce1)))
	idPayload[8] = uint8(job.ExtraNonce2Len)
	binary.LittleEndian.PutUint16(idPayload[9:11], uint16(len(coinbase)))

	if err := my.bcast(protocol.PJobID, idPayload); err != nil {
		return err
	}
	if err := my.bcastChunked(protocol.PCoinbase, coinbase); err != nil {
		return err
	}
	for i := range job.MerkleBranches {
		if err := my.bcast(protocol.PMerkles, job.MerkleBranches[i][:]); err != nil {
			return err
		}
	}

	// header fields the boards cannot derive: version, prevhash, ntime, nbits
	hdr := make([]byte, 44)
	binary.LittleEndian.PutUint32(hdr[0:4], job.Version)
	copy(hdr[4:36], job.PrevHash[:])
	binary.LittleEndian.PutUint32(hdr[36:40], job.NTime)
	binary.LittleEndian.PutUint32(hdr[40:44], job.NBits)
	if err := my.bcastChunked(protocol.PHeader, hdr); err != nil {
		return err
	}

	if err := my.bcast(protocol.PTarget, job.Target[:]); err != nil {
		return err
	}
	if err := my.bcast(protocol.PJobFin, nil); err != nil {
		return err
	}

	my.curJobID = job.JobID
	my.haveJob = true
	// forget dedupe state from superseded jobs
	my.seen = make(map[nonceKey]struct{})
	log.Debugf("asiclink: job %x broadcast, %d branches, clean=%v",
		job.JobID, len(job.MerkleBranches), job.CleanJobs)
	return nil
}

// bcast fires one broadcast fragment. Job fragments are not acknowledged;
// a board that missed one drops the whole job at JOB_FIN.
func (my *Link) bcast(typ uint8, payload []byte) error {
	_, err := my.txn(typ, protocol.Broadcast, payload, 0)
	return err
}

// bcastChunked splits data across as many payload-sized fragments as it
// needs. The first payload byte is the fragment index so the boards can
// reassemble in order.
func (my *Link) bcastChunked(typ uint8, data []byte) error {
	const chunk = protocol.PayloadLen - 1
	for i, off := 0, 0; off < len(data); i, off = i+1, off+chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		payload := make([]byte, 1+end-off)
		payload[0] = uint8(i)
		copy(payload[1:], data[off:end])
		if err := my.bcast(typ, payload); err != nil {
			return err
		}
	}
	return nil
}
