package flash

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"hbctl/log"
	"hbctl/pack"
)

// Dual-slot firmware update. New images stage into slot B, a PENDING marker
// plus reboot hands control to the commit path, and the first boot after the
// switch copies B over A. A failure at any stage leaves the active firmware
// in slot A untouched; an interrupted copy retries from scratch on every
// boot until it completes.
//
//	IDLE -> STAGING (OTAWrite) -> SWITCH_PENDING (OTASwitch, reboot)
//	     -> COMMITTING (OTACommit on boot) -> IDLE

const (
	OTAMagic = 0x4F544131 // "OTA1"

	OTAMarkerPending = 0x50454E44 // "PEND"
	OTAMarkerDone    = 0x444F4E45 // "DONE"
	otaMarkerNone    = 0xFFFFFFFF

	// marker page inside the config sector, clear of the config record
	otaMarkerOffset = ConfigOffset + 0x0F00
)

var (
	ErrOTAImageTooLarge  = errors.New("ErrOTAImageTooLarge")
	ErrOTAInvalidImage   = errors.New("ErrOTAInvalidImage")
	ErrOTAVerifyMismatch = errors.New("ErrOTAWriteVerifyMismatch")
)

// OTAHeader sits at the front of every staged image, 256 bytes.
type OTAHeader struct {
	Magic       uint32
	Version     uint32
	ImageSize   uint32 // payload bytes after the header
	ImageCrc    uint32
	HeaderCrc   uint32 // over the 16 bytes preceding this field
	Description [64]byte
	Reserved    [184]byte
}

var otaHeaderSize = pack.SizeOf(&OTAHeader{})

// SealOTAHeader fills in both CRCs for an image payload. Used by the update
// packaging path and by tests.
func SealOTAHeader(hdr *OTAHeader, payload []byte) {
	hdr.Magic = OTAMagic
	hdr.ImageSize = uint32(len(payload))
	hdr.ImageCrc = crc32.ChecksumIEEE(payload)
	raw, _ := pack.Pack(hdr)
	hdr.HeaderCrc = crc32.ChecksumIEEE(raw[:16])
}

func (my *Store) readMarker() (uint32, error) {
	raw, err := my.read(otaMarkerOffset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// writeMarkerRaw programs the marker into an erased marker page.
func (my *Store) writeMarkerRaw(marker uint32) error {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, marker)
	return my.write(otaMarkerOffset, raw)
}

// setMarker rewrites the config sector with the marker changed and the
// config record carried across. NOR bits only clear, so any marker change
// costs a sector erase.
func (my *Store) setMarker(marker uint32) error {
	var cfgRaw []byte
	if rec, err := my.configRead(); err == nil {
		cfgRaw, err = sealRecord(rec)
		if err != nil {
			return err
		}
	}

	if err := my.eraseSector(ConfigOffset); err != nil {
		return err
	}
	if cfgRaw != nil {
		if err := my.write(ConfigOffset, cfgRaw); err != nil {
			return err
		}
	}
	if marker == otaMarkerNone {
		return nil
	}
	return my.writeMarkerRaw(marker)
}

// OTAWrite stages header+payload into slot B: size gate before any erase,
// block-wise erase with watchdog feeds, page programming, then a byte-exact
// read-back. Slot A is never touched.
func (my *Store) OTAWrite(image []byte) error {
	my.mu.Lock()
	defer my.mu.Unlock()

	if len(image) > SlotSize {
		return ErrOTAImageTooLarge
	}
	if len(image) < otaHeaderSize {
		return ErrOTAInvalidImage
	}

	end := uint32(SlotBOffset + len(image))
	for addr := uint32(SlotBOffset); addr < end; addr += BlockSize {
		if err := my.eraseBlock(addr); err != nil {
			return err
		}
		my.wdt.Feed()
	}

	if err := my.write(SlotBOffset, image); err != nil {
		return err
	}
	my.wdt.Feed()

	if err := my.verify(SlotBOffset, image); err != nil {
		log.Errorf("ota: staged image verify failed, slot A untouched")
		return err
	}
	log.Infof("ota: %d bytes staged into slot B", len(image))
	return nil
}

// stagedHeader validates the slot B header and returns it.
func (my *Store) stagedHeader() (*OTAHeader, error) {
	raw, err := my.read(SlotBOffset, otaHeaderSize)
	if err != nil {
		return nil, err
	}
	var hdr OTAHeader
	if _, err := pack.Unpack(raw, &hdr); err != nil {
		return nil, ErrOTAInvalidImage
	}
	if hdr.Magic != OTAMagic {
		return nil, ErrOTAInvalidImage
	}
	if hdr.HeaderCrc != crc32.ChecksumIEEE(raw[:16]) {
		return nil, ErrOTAInvalidImage
	}
	if int(hdr.ImageSize) > SlotSize-otaHeaderSize {
		return nil, ErrOTAInvalidImage
	}
	return &hdr, nil
}

// OTASwitch validates the staged header, writes the PENDING marker and
// resets the system. Does not return on success; on an invalid image it
// returns without mutating any flag.
func (my *Store) OTASwitch() error {
	my.mu.Lock()
	defer my.mu.Unlock()

	hdr, err := my.stagedHeader()
	if err != nil {
		return err
	}

	if err := my.setMarker(OTAMarkerPending); err != nil {
		return err
	}
	log.Infof("ota: switching to staged image v%d (%d bytes), rebooting",
		hdr.Version, hdr.ImageSize)

	my.sys.Reset()
	return nil
}

// OTACommit runs once per boot. A PENDING marker means slot B must be
// copied over slot A; the marker clears only after a verified copy, so a
// power cut anywhere in the sequence just restarts the copy next boot.
// Copying the same bytes twice is a no-op in effect.
func (my *Store) OTACommit() error {
	my.mu.Lock()
	defer my.mu.Unlock()

	marker, err := my.readMarker()
	if err != nil {
		return err
	}
	if marker != OTAMarkerPending {
		return nil
	}

	hdr, err := my.stagedHeader()
	if err != nil {
		// Marker set but the staged image is gone/corrupt: clear the
		// marker and keep booting the old firmware.
		log.Errorf("ota: pending marker with invalid staged image: %v", err)
		return my.setMarker(otaMarkerNone)
	}

	total := uint32(otaHeaderSize) + hdr.ImageSize
	log.Infof("ota: committing %d bytes slot B -> slot A", total)

	for addr := uint32(SlotAOffset); addr < SlotAOffset+total; addr += BlockSize {
		if err := my.eraseBlock(addr); err != nil {
			return err
		}
		my.wdt.Feed()
	}

	buf := make([]byte, PageSize)
	for off := uint32(0); off < total; off += PageSize {
		chunk := total - off
		if chunk > PageSize {
			chunk = PageSize
		}
		src, err := my.read(SlotBOffset+off, int(chunk))
		if err != nil {
			return err
		}
		if err := my.write(SlotAOffset+off, src); err != nil {
			return err
		}
		copy(buf[:chunk], src)
		if err := my.verify(SlotAOffset+off, buf[:chunk]); err != nil {
			return err
		}
		if off%BlockSize == 0 {
			my.wdt.Feed()
		}
	}

	if err := my.setMarker(OTAMarkerDone); err != nil {
		return err
	}
	log.Infof("ota: commit complete, firmware v%d active", hdr.Version)
	return nil
}
