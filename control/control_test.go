package control

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hbctl/asiclink"
	"hbctl/flash"
	"hbctl/protocol"
	"hbctl/status"
)

// scriptedBus emulates one present hash board (id 1) well enough to drive
// the loop: detect ack, polling status with a settable temperature, and
// PLL set-point echo.
type scriptedBus struct {
	tempChip int8
	lastPLL  uint32
	sent     []*protocol.Packet
}

func (b *scriptedBus) Xfer(tx []byte, rxLen int) ([]byte, error) {
	p, err := protocol.Decode(tx)
	if err != nil {
		return nil, err
	}
	b.sent = append(b.sent, p)
	if rxLen == 0 {
		return nil, nil
	}

	switch p.Type {
	case protocol.PDetect:
		if p.Module == 1 {
			raw, _ := protocol.Encode(protocol.PAckDetect, 1, make([]byte, 23))
			return raw, nil
		}
	case protocol.PPolling:
		if p.Module == 1 {
			payload := make([]byte, 16)
			payload[0] = byte(b.tempChip)
			raw, _ := protocol.Encode(protocol.PStatus, 1, payload)
			return raw, nil
		}
	case protocol.PSetFin:
		payload := make([]byte, asiclink.PLLCount*4)
		for i := 0; i < asiclink.PLLCount; i++ {
			binary.LittleEndian.PutUint32(payload[i*4:], asiclink.PLLWord(b.lastPLL))
		}
		raw, _ := protocol.Encode(protocol.PStatusPLL, p.Module, payload)
		return raw, nil
	}
	return nil, nil
}

func (b *scriptedBus) observePLL(p *protocol.Packet) {
	if p.Type == protocol.PSetPLL {
		b.lastPLL = asiclink.PLLFreq(binary.LittleEndian.Uint32(p.Data()[:4]))
	}
}

func (b *scriptedBus) pllSends() []uint32 {
	var out []uint32
	for _, p := range b.sent {
		if p.Type == protocol.PSetPLL {
			out = append(out, asiclink.PLLFreq(binary.LittleEndian.Uint32(p.Data()[:4])))
		}
	}
	return out
}

type fanRec struct {
	duties []uint32
}

func (f *fanRec) SetDutyPercent(percent uint32) error {
	f.duties = append(f.duties, percent)
	return nil
}

func (f *fanRec) last() uint32 {
	return f.duties[len(f.duties)-1]
}

func testMiningConfig() *flash.MiningConfig {
	return &flash.MiningConfig{
		Frequency:    asiclink.FreqDefault,
		VoltageLevel: asiclink.VoltLevelDefault,
		FanMode:      FanAuto,
		FanSpeed:     FanDefault,
		TempTarget:   TempTargetDefault,
		SmartSpeed:   SSMode1,
		ThPass:       ThPassDefault,
		ThFail:       ThFailDefault,
		ThTimeout:    ThTimeoutDefault,
		NonceMask:    NonceMaskDefault,
		PidP:         PidPDefault,
		PidI:         PidIDefault,
		PidD:         PidDDefault,
	}
}

type loopHarness struct {
	bus  *busTap
	agg  *status.Aggregator
	link *asiclink.Link
	fan  *fanRec
	loop *Loop
}

// busTap wraps scriptedBus so set-point requests update the echo state
// before the reply is built.
type busTap struct {
	scriptedBus
}

func (b *busTap) Xfer(tx []byte, rxLen int) ([]byte, error) {
	if p, err := protocol.Decode(tx); err == nil {
		b.observePLL(p)
	}
	return b.scriptedBus.Xfer(tx, rxLen)
}

func newLoopHarness(t *testing.T) *loopHarness {
	t.Helper()
	bus := &busTap{}
	bus.tempChip = 70
	agg := status.NewAggregator("test")
	link := asiclink.New(bus, agg)
	require.Equal(t, 1, link.Detect())

	fan := &fanRec{}
	loop := NewLoop(link, agg, fan, testMiningConfig())
	return &loopHarness{bus: bus, agg: agg, link: link, fan: fan, loop: loop}
}

func TestLoopNormalTickDrivesFan(t *testing.T) {
	h := newLoopHarness(t)
	now := time.Now()

	h.loop.Tick(now)

	require.NotEmpty(t, h.fan.duties)
	duty := h.fan.last()
	assert.GreaterOrEqual(t, duty, uint32(FanMin))
	assert.LessOrEqual(t, duty, uint32(FanMax))

	snap := h.agg.Snapshot()
	assert.False(t, snap.Overheat)
	assert.Equal(t, uint8(duty), snap.FanDuty)
	assert.Equal(t, int8(70), snap.MaxChipTemp)
}

func TestLoopOverheatHaltsDispatchAndDownclocks(t *testing.T) {
	h := newLoopHarness(t)
	now := time.Now()

	h.bus.tempChip = TempOverheat + 2
	h.loop.Tick(now)

	assert.Equal(t, uint32(FanMax), h.fan.last())
	assert.True(t, h.agg.Snapshot().Overheat)
	// the board was forced to the frequency floor immediately
	assert.Equal(t, []uint32{asiclink.FreqMin}, h.bus.pllSends())
	assert.Equal(t, uint32(asiclink.FreqMin), h.link.Frequency(1))

	// manual tuning refused while the interlock holds
	assert.ErrorIs(t, h.loop.RequestFrequency(600), ErrOverheatLockout)

	// dispatch is suppressed: no job fragments reach the bus
	before := len(h.bus.sent)
	require.NoError(t, h.loop.Dispatch(&asiclink.Job{
		JobID: [4]byte{1}, Coinbase1: []byte{1}, ExtraNonce2Len: 4,
	}))
	for _, p := range h.bus.sent[before:] {
		assert.NotEqual(t, protocol.PJobID, p.Type)
		assert.NotEqual(t, protocol.PJobFin, p.Type)
	}
}

func TestLoopRecoversAfterSettleWindow(t *testing.T) {
	h := newLoopHarness(t)
	now := time.Now()

	h.bus.tempChip = TempOverheat
	h.loop.Tick(now)
	require.True(t, h.agg.Snapshot().Overheat)

	h.bus.tempChip = 60
	now = now.Add(time.Second)
	h.loop.Tick(now)
	assert.True(t, h.agg.Snapshot().Overheat, "single cool tick must not clear")

	now = now.Add(overheatSettle)
	h.loop.Tick(now)
	assert.False(t, h.agg.Snapshot().Overheat)

	// dispatch flows again
	require.NoError(t, h.loop.Dispatch(&asiclink.Job{
		JobID: [4]byte{2}, Coinbase1: []byte{1}, ExtraNonce2Len: 4,
	}))
	var sawFin bool
	for _, p := range h.bus.sent {
		if p.Type == protocol.PJobFin {
			sawFin = true
		}
	}
	assert.True(t, sawFin)
}

func TestLoopManualFrequencyAppliedAtDispatch(t *testing.T) {
	h := newLoopHarness(t)

	require.NoError(t, h.loop.RequestFrequency(613)) // snaps to 600
	assert.Empty(t, h.bus.pllSends(), "nothing applied before a dispatch boundary")

	require.NoError(t, h.loop.Dispatch(&asiclink.Job{
		JobID: [4]byte{3}, Coinbase1: []byte{1}, ExtraNonce2Len: 4,
	}))
	assert.Equal(t, []uint32{600}, h.bus.pllSends())
	assert.Equal(t, uint32(600), h.link.Frequency(1))
}

func TestLoopRequestsDuringTicks(t *testing.T) {
	h := newLoopHarness(t)
	start := time.Now()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.loop.Tick(start.Add(time.Duration(i) * time.Second))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			h.loop.RequestFanSpeed(uint8(i % 120))
			h.loop.RequestFanAuto()
			_ = h.loop.RequestFrequency(uint32(400 + i))
		}
	}()
	wg.Wait()

	duty := h.fan.last()
	assert.GreaterOrEqual(t, duty, uint32(FanMin))
	assert.LessOrEqual(t, duty, uint32(FanMax))
}

func TestLoopManualFanRequest(t *testing.T) {
	h := newLoopHarness(t)
	now := time.Now()

	h.loop.RequestFanSpeed(35)
	h.loop.Tick(now)
	assert.Equal(t, uint32(35), h.fan.last())

	h.loop.RequestFanAuto()
	h.loop.Tick(now.Add(time.Second))
	assert.NotEqual(t, uint32(0), h.fan.last())
}
