package hal

import (
	"sync"
	"time"

	"github.com/warthog618/gpiod"
	"golang.org/x/sys/unix"

	"hbctl/log"
)

// DevWatchdog feeds the kernel watchdog device. The timer expires around
// 60s on the stock dts, so anything that can stall longer (chip erase, OTA
// copy) must call Feed along the way.
type DevWatchdog struct {
	fd int
	mu sync.Mutex
}

func NewDevWatchdog(path string) (*DevWatchdog, error) {
	if path == "" {
		path = "/dev/watchdog"
	}
	fd, err := unix.Open(path, unix.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &DevWatchdog{fd: fd}, nil
}

func (my *DevWatchdog) Feed() {
	my.mu.Lock()
	defer my.mu.Unlock()
	_, err := unix.Write(my.fd, []byte{'k'})
	if err != nil {
		log.Errorf("watchdog feed: %v", err)
	}
}

func (my *DevWatchdog) Close() {
	my.mu.Lock()
	defer my.mu.Unlock()
	// magic close so the timer stops instead of firing on exit
	_, _ = unix.Write(my.fd, []byte{'V'})
	_ = unix.Close(my.fd)
}

// LineWatchdog toggles an external supervisor input. Some chassis variants
// carry a discrete TPS3431 instead of the SoC watchdog.
type LineWatchdog struct {
	line  *gpiod.Line
	state int
	mu    sync.Mutex
}

func NewLineWatchdog(chip string, offset int) (*LineWatchdog, error) {
	line, err := gpiod.RequestLine(chip, offset, gpiod.AsOutput(0))
	if err != nil {
		return nil, err
	}
	return &LineWatchdog{line: line}, nil
}

func (my *LineWatchdog) Feed() {
	my.mu.Lock()
	defer my.mu.Unlock()
	my.state ^= 1
	if err := my.line.SetValue(my.state); err != nil {
		log.Errorf("watchdog line toggle: %v", err)
	}
}

func (my *LineWatchdog) Close() {
	my.mu.Lock()
	defer my.mu.Unlock()
	_ = my.line.Close()
}

// Reboot restarts the controller through the kernel. Used by the OTA switch
// path; does not return on success.
type Reboot struct{}

func (Reboot) Reset() {
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		log.Errorf("reboot: %v", err)
	}
	// Give the kernel time; the watchdog catches us if reboot stalls.
	for {
		time.Sleep(time.Second)
	}
}
