// UART bridge to the hash-board chain. The boards sit behind a shared
// RS485-style bus; one transaction is a packet write followed by a bounded
// read window.
package hal

import (
	"sync"
	"time"

	"go.bug.st/serial"

	"hbctl/log"
)

const (
	DefaultBaudRate = 115200
	// Per-transaction read window. Boards answer well inside this; the
	// caller owns retry policy.
	busReadWindow = 100 * time.Millisecond
)

type UartBus struct {
	portName string
	conn     serial.Port
	mu       sync.Mutex
}

func NewUartBus(portName string, baudRate int) (*UartBus, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}

	conn, err := serial.Open(portName, &serial.Mode{BaudRate: baudRate})
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadTimeout(busReadWindow); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Infof("board bus open on %s @ %d", portName, baudRate)
	return &UartBus{portName: portName, conn: conn}, nil
}

func (my *UartBus) Xfer(tx []byte, rxLen int) ([]byte, error) {
	my.mu.Lock()
	defer my.mu.Unlock()

	if err := my.conn.ResetInputBuffer(); err != nil {
		return nil, err
	}
	if _, err := my.conn.Write(tx); err != nil {
		return nil, err
	}
	if rxLen == 0 {
		return nil, nil
	}

	buf := make([]byte, rxLen)
	got := 0
	for got < rxLen {
		n, err := my.conn.Read(buf[got:])
		if err != nil {
			return buf[:got], err
		}
		if n == 0 {
			// read window expired
			break
		}
		got += n
	}
	return buf[:got], nil
}

func (my *UartBus) Close() error {
	my.mu.Lock()
	defer my.mu.Unlock()
	return my.conn.Close()
}
