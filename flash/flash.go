// Package flash is the persistent-state store: a W25Q-style SPI NOR driver,
// the CRC-protected configuration record and the dual-slot firmware update
// machinery. All operations serialize behind one lock; an in-flight OTA
// sequence blocks config saves until it finishes.
package flash

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"hbctl/hal"
	"hbctl/log"
	"hbctl/util"
)

// Geometry, fixed by the part family.
const (
	PageSize   = 256
	SectorSize = 4096
	BlockSize  = 64 * 1024
	TotalSize  = 8 * 1024 * 1024
)

// Memory map. Offsets and sizes are part of the on-flash contract with the
// bootloader and the web server; they must not move between releases.
const (
	BootOffset   = 0x000000
	BootSize     = 64 * 1024
	SlotAOffset  = 0x010000
	SlotSize     = 3584 * 1024
	SlotBOffset  = 0x380000
	ConfigOffset = 0x6F0000
	ConfigSize   = 64 * 1024
	WebOffset    = 0x700000
	WebSize      = 512 * 1024
	RsvdOffset   = 0x780000
	RsvdSize     = 512 * 1024
)

// SPI command set (W25Q64 compatible).
const (
	cmdWriteEnable = 0x06
	cmdReadStatus  = 0x05
	cmdReadData    = 0x03
	cmdPageProgram = 0x02
	cmdSectorErase = 0x20
	cmdBlockErase  = 0xD8
	cmdChipErase   = 0xC7
	cmdReadJedecID = 0x9F
	cmdReleasePD   = 0xAB

	statusBusy = 0x01
	statusWEL  = 0x02
)

// Wait bounds per datasheet worst case, with slack.
const (
	pageWait   = 10 * time.Millisecond
	sectorWait = 500 * time.Millisecond
	blockWait  = 3 * time.Second
	chipWait   = 200 * time.Second
)

var (
	ErrOutOfRange   = errors.New("ErrOutOfRange")
	ErrFlashIO      = errors.New("ErrFlashIO")
	ErrEraseTimeout = errors.New("ErrEraseTimeout")
)

// Store owns the flash chip. conn is the injected SPI capability, wdt the
// watchdog that long erases must keep alive, sys the reset hook the OTA
// switch path pulls.
type Store struct {
	conn hal.Conn
	wdt  hal.Watchdog
	sys  hal.System

	mu        sync.Mutex
	totalSize uint32

	manufacturerID uint8
	memoryType     uint8
	capacityID     uint8
}

func New(conn hal.Conn, wdt hal.Watchdog, sys hal.System) (*Store, error) {
	my := &Store{
		conn:      conn,
		wdt:       wdt,
		sys:       sys,
		totalSize: TotalSize,
	}

	// Wake the part in case the bootloader left it powered down.
	if err := my.conn.Tx([]byte{cmdReleasePD}, nil); err != nil {
		return nil, ErrFlashIO
	}
	time.Sleep(50 * time.Microsecond)

	w := []byte{cmdReadJedecID, 0, 0, 0}
	r := make([]byte, len(w))
	if err := my.conn.Tx(w, r); err != nil {
		return nil, ErrFlashIO
	}
	my.manufacturerID = r[1]
	my.memoryType = r[2]
	my.capacityID = r[3]

	// 0x14=1MB .. 0x18=16MB; anything else keeps the default 8MB
	if my.capacityID >= 0x14 && my.capacityID <= 0x18 {
		my.totalSize = 1 << (uint(my.capacityID) - 0x14 + 20)
	}

	log.Infof("flash: jedec %02x %02x %02x, %d MB",
		my.manufacturerID, my.memoryType, my.capacityID, my.totalSize/1024/1024)
	return my, nil
}

func (my *Store) readStatus() (uint8, error) {
	w := []byte{cmdReadStatus, 0}
	r := make([]byte, 2)
	if err := my.conn.Tx(w, r); err != nil {
		return 0, err
	}
	return r[1], nil
}

// waitReady polls the busy flag up to bound. feedEvery > 0 keeps the
// watchdog alive on multi-second erases.
func (my *Store) waitReady(bound time.Duration, feedEvery time.Duration) error {
	start := time.Now()
	lastFeed := start
	for time.Since(start) < bound {
		st, err := my.readStatus()
		if err != nil {
			return ErrFlashIO
		}
		if st&statusBusy == 0 {
			return nil
		}
		if feedEvery > 0 && time.Since(lastFeed) >= feedEvery {
			my.wdt.Feed()
			lastFeed = time.Now()
		}
		time.Sleep(100 * time.Microsecond)
	}
	return ErrEraseTimeout
}

func (my *Store) writeEnable() error {
	if err := my.conn.Tx([]byte{cmdWriteEnable}, nil); err != nil {
		return ErrFlashIO
	}
	st, err := my.readStatus()
	if err != nil || st&statusWEL == 0 {
		return ErrFlashIO
	}
	return nil
}

func addr24(cmd uint8, addr uint32) []byte {
	return []byte{cmd, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

// spidev bounds one transfer to a few KB (4096 on most kernels); large
// reads split into separate READ commands so the command plus data of each
// transaction stays under that limit.
const readChunk = 2048

// Read returns length bytes starting at offset.
func (my *Store) Read(offset uint32, length int) ([]byte, error) {
	my.mu.Lock()
	defer my.mu.Unlock()
	return my.read(offset, length)
}

func (my *Store) read(offset uint32, length int) ([]byte, error) {
	if length < 0 || uint64(offset)+uint64(length) > uint64(my.totalSize) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, 0, length)
	for length > 0 {
		chunk := length
		if chunk > readChunk {
			chunk = readChunk
		}
		w := make([]byte, 4+chunk)
		copy(w, addr24(cmdReadData, offset))
		r := make([]byte, len(w))
		if err := my.conn.Tx(w, r); err != nil {
			return nil, ErrFlashIO
		}
		out = append(out, r[4:]...)
		offset += uint32(chunk)
		length -= chunk
	}
	return out, nil
}

// Write programs buf at offset, splitting on page boundaries. The target
// range must have been erased first.
func (my *Store) Write(offset uint32, buf []byte) error {
	my.mu.Lock()
	defer my.mu.Unlock()
	return my.write(offset, buf)
}

func (my *Store) write(offset uint32, buf []byte) error {
	if uint64(offset)+uint64(len(buf)) > uint64(my.totalSize) {
		return ErrOutOfRange
	}
	for len(buf) > 0 {
		chunk := PageSize - int(offset%PageSize)
		if chunk > len(buf) {
			chunk = len(buf)
		}
		if err := my.programPage(offset, buf[:chunk]); err != nil {
			return err
		}
		offset += uint32(chunk)
		buf = buf[chunk:]
	}
	return nil
}

func (my *Store) programPage(offset uint32, data []byte) error {
	if err := my.writeEnable(); err != nil {
		return err
	}
	w := append(addr24(cmdPageProgram, offset), data...)
	if err := my.conn.Tx(w, nil); err != nil {
		return ErrFlashIO
	}
	if err := my.waitReady(pageWait, 0); err != nil {
		return ErrFlashIO
	}
	return nil
}

// EraseSector erases the 4KB sector containing addr.
func (my *Store) EraseSector(addr uint32) error {
	my.mu.Lock()
	defer my.mu.Unlock()
	return my.eraseSector(addr)
}

func (my *Store) eraseSector(addr uint32) error {
	addr = util.AlignDown(addr, SectorSize)
	if addr >= my.totalSize {
		return ErrOutOfRange
	}
	if err := my.writeEnable(); err != nil {
		return err
	}
	if err := my.conn.Tx(addr24(cmdSectorErase, addr), nil); err != nil {
		return ErrFlashIO
	}
	return my.waitReady(sectorWait, 0)
}

// EraseBlock erases the 64KB block containing addr.
func (my *Store) EraseBlock(addr uint32) error {
	my.mu.Lock()
	defer my.mu.Unlock()
	return my.eraseBlock(addr)
}

func (my *Store) eraseBlock(addr uint32) error {
	addr = util.AlignDown(addr, BlockSize)
	if addr >= my.totalSize {
		return ErrOutOfRange
	}
	if err := my.writeEnable(); err != nil {
		return err
	}
	if err := my.conn.Tx(addr24(cmdBlockErase, addr), nil); err != nil {
		return ErrFlashIO
	}
	return my.waitReady(blockWait, 0)
}

// EraseChip wipes the whole part. Takes minutes; the watchdog is fed while
// the busy flag polls.
func (my *Store) EraseChip() error {
	my.mu.Lock()
	defer my.mu.Unlock()

	if err := my.writeEnable(); err != nil {
		return err
	}
	if err := my.conn.Tx([]byte{cmdChipErase}, nil); err != nil {
		return ErrFlashIO
	}
	return my.waitReady(chipWait, time.Second)
}

// verify reads back length bytes at offset and compares against want.
func (my *Store) verify(offset uint32, want []byte) error {
	got, err := my.read(offset, len(want))
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return ErrOTAVerifyMismatch
	}
	return nil
}

// WriteWebAssets replaces the web-resources region with the same
// erase/write/verify discipline the OTA path uses.
func (my *Store) WriteWebAssets(data []byte) error {
	my.mu.Lock()
	defer my.mu.Unlock()

	if len(data) > WebSize {
		return ErrOutOfRange
	}
	for addr := uint32(WebOffset); addr < WebOffset+uint32(len(data)); addr += BlockSize {
		if err := my.eraseBlock(addr); err != nil {
			return err
		}
		my.wdt.Feed()
	}
	if err := my.write(WebOffset, data); err != nil {
		return err
	}
	return my.verify(WebOffset, data)
}
