// Package control closes the loops around the hash boards: adaptive
// frequency (smart speed), PID fan control and the overheat interlock.
package control

import (
	"time"

	"hbctl/asiclink"
	"hbctl/log"
	"hbctl/status"
)

// Smart speed modes. Mode 1 moves slowly in single steps, mode 2 converges
// faster with double steps over a shorter window.
const (
	SSOff   uint8 = 0
	SSMode1 uint8 = 1
	SSMode2 uint8 = 2

	ssMode1Window = 60 * time.Second
	ssMode1Step   = 1 * asiclink.FreqStep
	ssMode2Window = 20 * time.Second
	ssMode2Step   = 2 * asiclink.FreqStep

	// windows of clean running required before stepping back up
	ssPassStreak = 3
)

// Board-side tuning thresholds, also broadcast over SET_SS.
const (
	ThPassDefault    = 160
	ThFailDefault    = 8000
	ThTimeoutDefault = 20000
	NonceMaskDefault = 24
)

type ssBoard struct {
	errs   uint32
	passes uint32
	streak uint32
}

// SmartSpeed decides one frequency move per board per window from the
// error and pass counts observed since the window opened.
type SmartSpeed struct {
	mode   uint8
	window time.Duration
	step   uint32

	thPass uint32
	thFail uint32

	opened time.Time
	boards [status.BoardCount + 1]ssBoard
}

func NewSmartSpeed(mode uint8, thPass, thFail uint32) *SmartSpeed {
	ss := &SmartSpeed{
		mode:   mode,
		thPass: thPass,
		thFail: thFail,
		opened: time.Now(),
	}
	switch mode {
	case SSMode2:
		ss.window = ssMode2Window
		ss.step = ssMode2Step
	default:
		ss.window = ssMode1Window
		ss.step = ssMode1Step
	}
	return ss
}

func (my *SmartSpeed) Mode() uint8 { return my.mode }

// Observe books one polling round's results for a board.
func (my *SmartSpeed) Observe(id uint8, passes, errs uint32) {
	if id == 0 || int(id) > status.BoardCount {
		return
	}
	my.boards[id].passes += passes
	my.boards[id].errs += errs
}

// Decide returns the frequency the board should run at next, given its
// current point. Outside a window boundary it returns cur unchanged. The
// result is always within [FreqMin, FreqMax] regardless of history.
func (my *SmartSpeed) Decide(now time.Time, id uint8, cur uint32) uint32 {
	if my.mode == SSOff || id == 0 || int(id) > status.BoardCount {
		return asiclink.ClampFrequency(cur)
	}
	if now.Sub(my.opened) < my.window {
		return asiclink.ClampFrequency(cur)
	}

	b := &my.boards[id]
	next := cur
	switch {
	case b.errs >= my.thFail:
		next = step(cur, -int32(my.step))
		b.streak = 0
		log.Infof("smartspeed: board %d %d errors in window, %d -> %d MHz",
			id, b.errs, cur, next)
	case b.errs == 0 && b.passes >= my.thPass:
		b.streak++
		if b.streak >= ssPassStreak {
			next = step(cur, int32(my.step))
			b.streak = 0
			if next != cur {
				log.Infof("smartspeed: board %d clean streak, %d -> %d MHz",
					id, cur, next)
			}
		}
	default:
		b.streak = 0
	}

	b.errs = 0
	b.passes = 0
	return asiclink.ClampFrequency(next)
}

// CloseWindow marks the start of a fresh observation window. Called once
// per round after every board has been decided.
func (my *SmartSpeed) CloseWindow(now time.Time) {
	if now.Sub(my.opened) >= my.window {
		my.opened = now
	}
}

func step(cur uint32, delta int32) uint32 {
	v := int32(cur) + delta
	if v < asiclink.FreqMin {
		v = asiclink.FreqMin
	}
	if v > asiclink.FreqMax {
		v = asiclink.FreqMax
	}
	return uint32(v)
}
