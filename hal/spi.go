// SPI connection to the configuration flash chip.
// Avoids cgo, unsafe and raw syscalls by going through periph.io.
package hal

import (
	"sync"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"hbctl/log"
)

const (
	// W25Q parts are good for 50MHz+ on reads; stay conservative so long
	// wires on the eval chassis don't corrupt page programs.
	flashSpeed = 10 * physic.MegaHertz
)

var hostOnce sync.Once
var hostErr error

func initHost() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	return hostErr
}

// FlashSPI is the Conn to the external W25Q flash.
type FlashSPI struct {
	portName string
	port     spi.PortCloser
	conn     spi.Conn
	mu       sync.Mutex
}

func NewFlashSPI(portName string) (*FlashSPI, error) {
	if err := initHost(); err != nil {
		return nil, err
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, err
	}

	conn, err := port.Connect(flashSpeed, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	log.Infof("flash SPI open on %s", portName)
	return &FlashSPI{
		portName: portName,
		port:     port,
		conn:     conn,
	}, nil
}

func (my *FlashSPI) Tx(w, r []byte) error {
	my.mu.Lock()
	defer my.mu.Unlock()
	if r == nil {
		r = make([]byte, len(w))
	}
	return my.conn.Tx(w, r)
}

func (my *FlashSPI) Close() error {
	my.mu.Lock()
	defer my.mu.Unlock()
	return my.port.Close()
}
