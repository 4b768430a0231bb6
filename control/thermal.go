package control

import (
	"sync"
	"time"

	"github.com/chewxy/math32"

	"hbctl/log"
)

// Thermal policy constants for the AVA10 chassis.
const (
	TempTargetDefault int8 = 90
	TempWarning       int8 = 95
	TempOverheat      int8 = 105
	tempHysteresis    int8 = 5

	FanMin     uint8 = 5 // percent
	FanMax     uint8 = 100
	FanDefault uint8 = 50

	PidPDefault uint8 = 2
	PidIDefault uint8 = 5
	PidDDefault uint8 = 0

	// time below the recovery threshold before OVERHEAT clears
	overheatSettle = 30 * time.Second
)

// Fan modes.
const (
	FanAuto   uint8 = 0
	FanManual uint8 = 1
)

// Interlock states.
const (
	stateNormal = iota
	stateWarning
	stateOverheat
)

// pid is a positional PID on chip temperature. Positive error (too hot)
// raises the fan. Gains arrive as the stored u8 config values and scale
// down by 10 to keep the loop gentle at 1 Hz.
type pid struct {
	kp, ki, kd float32
	integral   float32
	lastErr    float32
	primed     bool
}

func newPID(p, i, d uint8) *pid {
	return &pid{
		kp: float32(p) / 10,
		ki: float32(i) / 10,
		kd: float32(d) / 10,
	}
}

func (my *pid) step(target, actual float32, dt float32) float32 {
	err := actual - target

	my.integral += err * dt
	// anti-windup: never let the integral term alone exceed full scale
	if my.ki > 0 {
		limit := float32(FanMax) / my.ki
		my.integral = math32.Max(-limit, math32.Min(limit, my.integral))
	}

	var deriv float32
	if my.primed && dt > 0 {
		deriv = (err - my.lastErr) / dt
	}
	my.lastErr = err
	my.primed = true

	out := my.kp*err + my.ki*my.integral + my.kd*deriv
	// bias around the default duty so zero error holds a sane speed
	return float32(FanDefault) + out
}

func (my *pid) reset() {
	my.integral = 0
	my.lastErr = 0
	my.primed = false
}

// Thermal tracks the interlock state machine and computes the fan duty
// each tick. It never touches hardware itself; the loop applies its
// outputs. Mode requests arrive from the external API task while the
// control task ticks, so all state sits behind one mutex.
type Thermal struct {
	mu  sync.Mutex
	pid *pid

	target int8
	mode   uint8 // FanAuto or FanManual
	manual uint8 // duty, manual mode

	state     int
	coolSince time.Time
	lastTick  time.Time
}

func NewThermal(target int8, mode uint8, manualDuty uint8, p, i, d uint8) *Thermal {
	if target <= 0 {
		target = TempTargetDefault
	}
	return &Thermal{
		pid:    newPID(p, i, d),
		target: target,
		mode:   mode,
		manual: clampDuty(manualDuty),
	}
}

// Overheated reports whether the interlock currently halts dispatch.
func (my *Thermal) Overheated() bool {
	my.mu.Lock()
	defer my.mu.Unlock()
	return my.state == stateOverheat
}

// Warning reports the intermediate fans-to-max state.
func (my *Thermal) Warning() bool {
	my.mu.Lock()
	defer my.mu.Unlock()
	return my.state == stateWarning
}

// SetManual switches to manual fan mode at the clamped duty. During
// OVERHEAT the request is stored but the interlock keeps the fans pinned.
func (my *Thermal) SetManual(duty uint8) {
	my.mu.Lock()
	defer my.mu.Unlock()
	my.mode = FanManual
	my.manual = clampDuty(duty)
	if my.state == stateOverheat {
		log.Infof("thermal: manual fan %d%% deferred, overheat active", my.manual)
	}
}

// SetAuto returns to PID control.
func (my *Thermal) SetAuto() {
	my.mu.Lock()
	defer my.mu.Unlock()
	my.mode = FanAuto
	my.pid.reset()
}

// Tick advances the interlock and returns the fan duty to apply.
func (my *Thermal) Tick(now time.Time, maxTemp int8) uint8 {
	my.mu.Lock()
	defer my.mu.Unlock()

	my.advance(now, maxTemp)

	switch my.state {
	case stateOverheat, stateWarning:
		return FanMax
	}

	if my.mode == FanManual {
		return my.manual
	}

	dt := float32(1.0)
	if !my.lastTick.IsZero() {
		dt = float32(now.Sub(my.lastTick).Seconds())
	}
	my.lastTick = now

	out := my.pid.step(float32(my.target), float32(maxTemp), dt)
	return clampDuty(uint8(math32.Max(float32(FanMin), math32.Min(float32(FanMax), out))))
}

// advance runs the interlock transitions. Recovery from OVERHEAT needs the
// temperature to hold below the hysteresis threshold for the whole settle
// window; a single cool sample never clears it.
func (my *Thermal) advance(now time.Time, maxTemp int8) {
	switch my.state {
	case stateNormal:
		if maxTemp >= TempOverheat {
			my.state = stateOverheat
			my.coolSince = time.Time{}
			log.Errorf("thermal: %dC >= %dC, OVERHEAT, dispatch halted", maxTemp, TempOverheat)
		} else if maxTemp >= TempWarning {
			my.state = stateWarning
			log.Errorf("thermal: %dC >= %dC, fans to max", maxTemp, TempWarning)
		}
	case stateWarning:
		if maxTemp >= TempOverheat {
			my.state = stateOverheat
			my.coolSince = time.Time{}
			log.Errorf("thermal: %dC >= %dC, OVERHEAT, dispatch halted", maxTemp, TempOverheat)
		} else if maxTemp < TempWarning-tempHysteresis {
			my.state = stateNormal
			my.pid.reset()
			log.Infof("thermal: cooled to %dC, back to normal", maxTemp)
		}
	case stateOverheat:
		if maxTemp < TempOverheat-tempHysteresis {
			if my.coolSince.IsZero() {
				my.coolSince = now
			}
			if now.Sub(my.coolSince) >= overheatSettle {
				my.state = stateNormal
				my.coolSince = time.Time{}
				my.pid.reset()
				log.Infof("thermal: held below %dC for %s, overheat cleared",
					TempOverheat-tempHysteresis, overheatSettle)
			}
		} else {
			my.coolSince = time.Time{}
		}
	}
}

func clampDuty(d uint8) uint8 {
	if d < FanMin {
		return FanMin
	}
	if d > FanMax {
		return FanMax
	}
	return d
}
