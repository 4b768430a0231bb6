package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNopWatchdogFeed(t *testing.T) {
	NopWatchdog{}.Feed()
}

func TestNewDevWatchdogMissingDevice(t *testing.T) {
	_, err := NewDevWatchdog("/nonexistent/watchdog")
	assert.Error(t, err)
}

func TestNewLineWatchdogMissingChip(t *testing.T) {
	_, err := NewLineWatchdog("/nonexistent/gpiochip", 0)
	assert.Error(t, err)
}
