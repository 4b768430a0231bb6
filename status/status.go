// Package status merges per-board polling results into one consistent
// device snapshot. All mutation happens under the aggregator lock so the
// control loop and external status consumers never see a torn update.
package status

import (
	"math"
	"sync"
	"time"
)

const (
	// Chassis topology. Boards address 1..BoardCount on the bus.
	BoardCount    = 4
	ChipsPerBoard = 26
	CoresPerChip  = 114

	VersionLen = 15
	DNALen     = 8
)

type ChipStatus struct {
	ChipID      uint8
	Enabled     bool
	Frequency   uint32 // MHz
	Temperature int8
	HWErrors    uint32
	NoncesFound uint32
	LastNonce   time.Time
}

type BoardStatus struct {
	MinerID uint8
	Present bool
	Enabled bool
	Version string
	DNA     [DNALen]byte

	TempChip   int8
	TempBoard  int8
	TempInlet  int8
	TempOutlet int8

	Voltage   [8]uint16 // mV per channel
	Frequency [4]uint32 // MHz per PLL

	Hashrate uint64 // H/s, board reported
	Accepted uint32
	HWErrors uint32

	Chips [ChipsPerBoard]ChipStatus
}

// Snapshot is the read-only device view handed out by the aggregator.
type Snapshot struct {
	ControllerID string
	Uptime       time.Duration
	Overheat     bool
	MaxChipTemp  int8
	FanDuty      uint8

	// EWMA hashrate in H/s over the standard reporting windows.
	Hashrate5s  float64
	Hashrate1m  float64
	Hashrate5m  float64
	Hashrate15m float64

	TotalAccepted uint64
	TotalHWErrors uint64

	Boards [BoardCount + 1]BoardStatus // index by miner id, [0] unused
}

// decayAvg is an exponentially weighted rate over one window, cgminer
// style: fprop = 1 - 1/e^(dt/w).
type decayAvg struct {
	window time.Duration
	value  float64
	last   time.Time
}

func (d *decayAvg) update(rate float64, now time.Time) {
	if d.last.IsZero() {
		d.value = rate
		d.last = now
		return
	}
	dt := now.Sub(d.last).Seconds()
	if dt <= 0 {
		return
	}
	fprop := 1.0 - 1.0/math.Exp(dt/d.window.Seconds())
	d.value += (rate - d.value) * fprop
	d.last = now
}

type Aggregator struct {
	mu sync.Mutex

	controllerID string
	started      time.Time

	boards [BoardCount + 1]BoardStatus

	hashesSinceTick uint64
	lastTick        time.Time
	rate5s          decayAvg
	rate1m          decayAvg
	rate5m          decayAvg
	rate15m         decayAvg

	accepted uint64
	hwErrors uint64

	overheat bool
	fanDuty  uint8
}

func NewAggregator(controllerID string) *Aggregator {
	now := time.Now()
	agg := &Aggregator{
		controllerID: controllerID,
		started:      now,
		lastTick:     now,
		rate5s:       decayAvg{window: 5 * time.Second},
		rate1m:       decayAvg{window: time.Minute},
		rate5m:       decayAvg{window: 5 * time.Minute},
		rate15m:      decayAvg{window: 15 * time.Minute},
	}
	for i := 1; i <= BoardCount; i++ {
		agg.boards[i].MinerID = uint8(i)
		for c := 0; c < ChipsPerBoard; c++ {
			agg.boards[i].Chips[c].ChipID = uint8(c)
		}
	}
	return agg
}

// UpdateBoard applies fn to one board's entry under the table lock.
func (my *Aggregator) UpdateBoard(minerID uint8, fn func(*BoardStatus)) {
	if minerID == 0 || int(minerID) > BoardCount {
		return
	}
	my.mu.Lock()
	defer my.mu.Unlock()
	fn(&my.boards[minerID])
}

// MarkAbsent clears presence after a failed discovery cycle; the entry
// itself survives so counters carry across a flaky detect.
func (my *Aggregator) MarkAbsent(minerID uint8) {
	my.UpdateBoard(minerID, func(b *BoardStatus) {
		b.Present = false
	})
}

func (my *Aggregator) Board(minerID uint8) BoardStatus {
	my.mu.Lock()
	defer my.mu.Unlock()
	if minerID == 0 || int(minerID) > BoardCount {
		return BoardStatus{}
	}
	return my.boards[minerID]
}

// ObserveHashes credits hash work done since the previous call and rolls
// the EWMA windows forward.
func (my *Aggregator) ObserveHashes(hashes uint64) {
	my.mu.Lock()
	defer my.mu.Unlock()

	now := time.Now()
	dt := now.Sub(my.lastTick).Seconds()
	if dt <= 0 {
		my.hashesSinceTick += hashes
		return
	}
	rate := float64(my.hashesSinceTick+hashes) / dt
	my.hashesSinceTick = 0
	my.lastTick = now

	my.rate5s.update(rate, now)
	my.rate1m.update(rate, now)
	my.rate5m.update(rate, now)
	my.rate15m.update(rate, now)
}

// CountAccepted books one verified nonce, globally and on its board.
func (my *Aggregator) CountAccepted(minerID uint8) {
	my.mu.Lock()
	defer my.mu.Unlock()
	my.accepted++
	if minerID >= 1 && int(minerID) <= BoardCount {
		my.boards[minerID].Accepted++
	}
}

// CountHWError books a nonce that failed host-side verification. A counted
// statistic, never an error path.
func (my *Aggregator) CountHWError(minerID uint8, chipID uint8) {
	my.mu.Lock()
	defer my.mu.Unlock()
	my.hwErrors++
	if minerID >= 1 && int(minerID) <= BoardCount {
		b := &my.boards[minerID]
		b.HWErrors++
		if int(chipID) < ChipsPerBoard {
			b.Chips[chipID].HWErrors++
		}
	}
}

func (my *Aggregator) SetOverheat(on bool) {
	my.mu.Lock()
	my.overheat = on
	my.mu.Unlock()
}

func (my *Aggregator) SetFanDuty(duty uint8) {
	my.mu.Lock()
	my.fanDuty = duty
	my.mu.Unlock()
}

// MaxChipTemp returns the hottest chip temperature across present boards.
func (my *Aggregator) MaxChipTemp() int8 {
	my.mu.Lock()
	defer my.mu.Unlock()
	return my.maxChipTemp()
}

func (my *Aggregator) maxChipTemp() int8 {
	var max int8 = math.MinInt8
	for i := 1; i <= BoardCount; i++ {
		b := &my.boards[i]
		if !b.Present {
			continue
		}
		if b.TempChip > max {
			max = b.TempChip
		}
		for c := range b.Chips {
			if b.Chips[c].Temperature > max {
				max = b.Chips[c].Temperature
			}
		}
	}
	if max == math.MinInt8 {
		return 0
	}
	return max
}

// Snapshot copies the whole device view under one lock acquisition.
func (my *Aggregator) Snapshot() Snapshot {
	my.mu.Lock()
	defer my.mu.Unlock()

	s := Snapshot{
		ControllerID:  my.controllerID,
		Uptime:        time.Since(my.started),
		Overheat:      my.overheat,
		MaxChipTemp:   my.maxChipTemp(),
		FanDuty:       my.fanDuty,
		Hashrate5s:    my.rate5s.value,
		Hashrate1m:    my.rate1m.value,
		Hashrate5m:    my.rate5m.value,
		Hashrate15m:   my.rate15m.value,
		TotalAccepted: my.accepted,
		TotalHWErrors: my.hwErrors,
	}
	s.Boards = my.boards
	return s
}
