package hal

import (
	"errors"
	"time"

	"gobot.io/x/gobot/sysfs"

	"hbctl/log"
)

// Hash-board power-enable and reset rails, one sysfs GPIO each.
// Pin numbers come from the chassis dts; update both maps together.

var boardPowerPin = map[int]int{
	1: 335,
	2: 346,
	3: 347,
	4: 348,
}

var boardResetPin = map[int]int{
	1: 423,
	2: 424,
	3: 425,
	4: 426,
}

// msec between turning on hash boards, keeps the PSU inrush sane
const interBoardDelay = 500 * time.Millisecond

var ErrInvalidBoard = errors.New("invalid board id")

func writePin(pin int, value int) error {
	p := sysfs.NewDigitalPin(pin)
	if err := p.Export(); err != nil {
		return err
	}
	defer func() {
		_ = p.Unexport()
	}()
	if err := p.Direction("out"); err != nil {
		return err
	}
	return p.Write(value)
}

func BoardPowerOn(board int) error {
	pin, ok := boardPowerPin[board]
	if !ok {
		return ErrInvalidBoard
	}
	time.Sleep(interBoardDelay)
	log.Infof("board %d: power on", board)
	return writePin(pin, 1)
}

func BoardPowerOff(board int) error {
	pin, ok := boardPowerPin[board]
	if !ok {
		return ErrInvalidBoard
	}
	log.Infof("board %d: power off", board)
	return writePin(pin, 0)
}

func BoardUnreset(board int) error {
	pin, ok := boardResetPin[board]
	if !ok {
		return ErrInvalidBoard
	}
	return writePin(pin, 1)
}

func BoardReset(board int) error {
	pin, ok := boardResetPin[board]
	if !ok {
		return ErrInvalidBoard
	}
	return writePin(pin, 0)
}

// ChainPowerUp sequences all boards out of cold state: power rails first,
// then reset release once the rails settle.
func ChainPowerUp(boards int) {
	for b := 1; b <= boards; b++ {
		if err := BoardPowerOn(b); err != nil {
			log.Errorf("board %d power on: %v", b, err)
		}
	}
	time.Sleep(time.Second)
	for b := 1; b <= boards; b++ {
		if err := BoardUnreset(b); err != nil {
			log.Errorf("board %d unreset: %v", b, err)
		}
	}
	time.Sleep(time.Second)
}

// ChainPowerDown is the reverse order: assert reset, then drop the rails.
func ChainPowerDown(boards int) {
	for b := 1; b <= boards; b++ {
		_ = BoardReset(b)
	}
	time.Sleep(100 * time.Millisecond)
	for b := 1; b <= boards; b++ {
		_ = BoardPowerOff(b)
	}
}
