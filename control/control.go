package control

import (
	"errors"
	"sync"
	"time"

	"hbctl/asiclink"
	"hbctl/flash"
	"hbctl/log"
	"hbctl/status"
)

// TickInterval paces the control loop. One poll/decide/actuate round per
// second keeps the PID sane and the bus quiet.
const TickInterval = time.Second

// hashes credited per verified nonce at the 24-bit reporting mask
const hashesPerNonce = 1 << 32

// ErrOverheatLockout rejects manual tuning while the interlock holds.
var ErrOverheatLockout = errors.New("ErrOverheatLockout")

// Fan abstracts the PWM output so the loop runs against a recorder in
// tests.
type Fan interface {
	SetDutyPercent(percent uint32) error
}

// Loop wires polling, aggregation, smart speed and thermal policy
// together. Frequency and voltage set-points computed during a tick are
// held back and pushed at the next job-dispatch boundary so a board never
// retunes mid-job.
type Loop struct {
	link *asiclink.Link
	agg  *status.Aggregator
	fan  Fan

	ss      *SmartSpeed
	thermal *Thermal

	mu          sync.Mutex
	job         *asiclink.Job
	pendingFreq [status.BoardCount + 1]uint32 // 0 = nothing pending
	reqFreq     uint32                        // manual request, applies to all boards
	haveReqFreq bool
	lastDuty    uint8
}

// NewLoop builds the loop from the persisted mining configuration.
func NewLoop(link *asiclink.Link, agg *status.Aggregator, fan Fan, mc *flash.MiningConfig) *Loop {
	lp := &Loop{
		link:    link,
		agg:     agg,
		fan:     fan,
		ss:      NewSmartSpeed(mc.SmartSpeed, mc.ThPass, mc.ThFail),
		thermal: NewThermal(mc.TempTarget, mc.FanMode, mc.FanSpeed, mc.PidP, mc.PidI, mc.PidD),
	}
	return lp
}

// Start pushes the board-side thresholds once and then ticks until stop
// closes.
func (my *Loop) Start(stop <-chan struct{}, mc *flash.MiningConfig) {
	if err := my.link.SetSmartSpeed(mc.SmartSpeed, mc.ThPass, mc.ThFail,
		mc.ThTimeout, mc.NonceMask); err != nil {
		log.Errorf("control: smart speed broadcast: %v", err)
	}

	tick := time.NewTicker(TickInterval)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			my.Tick(time.Now())
		}
	}
}

// Tick runs one control round: poll, verify, book statistics, advance the
// thermal interlock, drive the fan, and queue smart-speed moves.
func (my *Loop) Tick(now time.Time) {
	my.mu.Lock()
	job := my.job
	my.mu.Unlock()

	nonces := my.link.PollNonces()
	var valid, invalid uint64
	perBoardValid := map[uint8]uint32{}
	perBoardErrs := map[uint8]uint32{}
	for i := range nonces {
		n := &nonces[i]
		if job != nil && my.link.VerifyNonce(job, n) {
			valid++
			perBoardValid[n.MinerID]++
			my.agg.CountAccepted(n.MinerID)
		} else {
			invalid++
			perBoardErrs[n.MinerID]++
		}
	}
	if valid > 0 {
		my.agg.ObserveHashes(valid * hashesPerNonce)
	} else {
		my.agg.ObserveHashes(0)
	}

	maxTemp := my.agg.MaxChipTemp()
	wasOverheated := my.thermal.Overheated()
	duty := my.thermal.Tick(now, maxTemp)
	if err := my.fan.SetDutyPercent(uint32(duty)); err != nil {
		log.Errorf("control: fan: %v", err)
	}
	if duty != my.lastDuty {
		my.lastDuty = duty
		if err := my.link.SetFanSpeed(duty); err != nil {
			log.Errorf("control: fan broadcast: %v", err)
		}
	}
	my.agg.SetFanDuty(duty)
	my.agg.SetOverheat(my.thermal.Overheated())

	if my.thermal.Overheated() {
		if !wasOverheated {
			my.forceMinimumFrequency()
		}
		return
	}

	for id := uint8(1); id <= status.BoardCount; id++ {
		if !my.link.Present(id) {
			continue
		}
		my.ss.Observe(id, perBoardValid[id], perBoardErrs[id])
		cur := my.link.Frequency(id)
		next := my.ss.Decide(now, id, cur)
		if next != cur {
			my.mu.Lock()
			my.pendingFreq[id] = next
			my.mu.Unlock()
		}
	}
	my.ss.CloseWindow(now)
}

// forceMinimumFrequency is the overheat response: every present board
// drops to the floor immediately, not at the next dispatch.
func (my *Loop) forceMinimumFrequency() {
	for id := uint8(1); id <= status.BoardCount; id++ {
		if !my.link.Present(id) {
			continue
		}
		if _, err := my.link.SetFrequency(id, asiclink.FreqMin); err != nil {
			log.Errorf("control: board %d overheat downclock: %v", id, err)
		}
	}
	my.mu.Lock()
	for i := range my.pendingFreq {
		my.pendingFreq[i] = 0
	}
	my.mu.Unlock()
}

// Dispatch applies any queued set-points and then broadcasts the job.
// During OVERHEAT no work goes out at all.
func (my *Loop) Dispatch(job *asiclink.Job) error {
	if my.thermal.Overheated() {
		log.Infof("control: dispatch of job %x suppressed, overheat active", job.JobID)
		return nil
	}

	my.applyPending()

	if err := my.link.SendJob(job); err != nil {
		return err
	}
	my.mu.Lock()
	my.job = job
	my.mu.Unlock()
	return nil
}

func (my *Loop) applyPending() {
	my.mu.Lock()
	var moves [status.BoardCount + 1]uint32
	copy(moves[:], my.pendingFreq[:])
	req := my.reqFreq
	haveReq := my.haveReqFreq
	for i := range my.pendingFreq {
		my.pendingFreq[i] = 0
	}
	my.haveReqFreq = false
	my.mu.Unlock()

	for id := uint8(1); id <= status.BoardCount; id++ {
		want := moves[id]
		if haveReq {
			want = req
		}
		if want == 0 || !my.link.Present(id) {
			continue
		}
		if _, err := my.link.SetFrequency(id, want); err != nil {
			log.Errorf("control: board %d set %d MHz: %v", id, want, err)
		}
	}
}

// RequestFrequency queues a manual frequency for every board, clamped to
// the supported grid. Refused while the overheat interlock holds.
func (my *Loop) RequestFrequency(freqMHz uint32) error {
	if my.thermal.Overheated() {
		return ErrOverheatLockout
	}
	my.mu.Lock()
	my.reqFreq = asiclink.ClampFrequency(freqMHz)
	my.haveReqFreq = true
	my.mu.Unlock()
	return nil
}

// RequestFanSpeed switches the fan to manual at the clamped duty. The
// interlock still pins the fans at max while hot.
func (my *Loop) RequestFanSpeed(duty uint8) {
	my.thermal.SetManual(duty)
}

// RequestFanAuto hands the fan back to the PID.
func (my *Loop) RequestFanAuto() {
	my.thermal.SetAuto()
}
