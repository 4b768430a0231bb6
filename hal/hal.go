// Package hal is the hardware access layer. Everything that touches a bus,
// a pin or a kernel device lives here; the flash and asiclink packages only
// see the small interfaces below so they can run against fakes in tests.
package hal

// Conn is a byte-exact full-duplex SPI transfer. w and r must be the same
// length; r may be nil when the response bytes are don't-care.
type Conn interface {
	Tx(w, r []byte) error
}

// Bus is one shared half-duplex transaction on the hash-board bus: transmit
// tx, then collect up to rxLen response bytes within the bus read window.
// The bus is non-reentrant; implementations serialize callers.
type Bus interface {
	Xfer(tx []byte, rxLen int) ([]byte, error)
}

// Watchdog is the liveness signal that must be fed during long flash
// operations.
type Watchdog interface {
	Feed()
}

// System triggers a full controller reset. Reset does not return on real
// hardware.
type System interface {
	Reset()
}

// NopWatchdog satisfies Watchdog where no hardware watchdog is wired.
type NopWatchdog struct{}

func (NopWatchdog) Feed() {}
