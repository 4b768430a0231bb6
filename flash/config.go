package flash

import (
	"errors"
	"hash/crc32"

	"hbctl/log"
	"hbctl/pack"
)

// Configuration record, stored packed little-endian at ConfigOffset.
// Only valid when the magic matches and the trailing CRC32 covers the whole
// record; anything else is rejected wholesale and the caller falls back to
// defaults.
const (
	ConfigMagic   = 0x41564C4E // "AVLN"
	ConfigVersion = 0x0100

	MaxPools = 3
)

var ErrConfigCorrupt = errors.New("ErrConfigCorrupt")

type PoolConfig struct {
	URL    [128]byte
	Worker [64]byte
	Pass   [64]byte
}

type NetworkConfig struct {
	DHCP    uint8
	IP      [4]byte
	Netmask [4]byte
	Gateway [4]byte
	DNS     [4]byte
}

// MiningConfig carries every tunable set-point the control loop consumes.
type MiningConfig struct {
	Frequency     uint32 // MHz
	VoltageLevel  uint8
	VoltageOffset int8
	PLLSelect     uint8
	FanMode       uint8 // 0 = auto (PID), 1 = manual
	FanSpeed      uint8 // percent, manual mode
	TempTarget    int8
	SmartSpeed    uint8 // 0 = off, 1, 2

	ThPass    uint32
	ThFail    uint32
	ThTimeout uint32
	NonceMask uint32

	MuxL2H      uint8
	MuxH2L      uint8
	H2LTime0Spd uint8
	SpdLow      uint8
	SpdHigh     uint8

	PidP uint8
	PidI uint8
	PidD uint8
}

type ConfigRecord struct {
	Magic    uint32
	Version  uint16
	Pools    [MaxPools]PoolConfig
	Network  NetworkConfig
	Mining   MiningConfig
	Reserved [32]byte
	Crc32    uint32
}

var configRecordSize = pack.SizeOf(&ConfigRecord{})

// sealRecord sets the magic and recomputes the trailing CRC, returning the
// packed bytes ready for flash.
func sealRecord(rec *ConfigRecord) ([]byte, error) {
	rec.Magic = ConfigMagic
	if rec.Version == 0 {
		rec.Version = ConfigVersion
	}
	rec.Crc32 = 0
	raw, err := pack.Pack(rec)
	if err != nil {
		return nil, err
	}
	rec.Crc32 = crc32.ChecksumIEEE(raw[:len(raw)-4])
	return pack.Pack(rec)
}

// ConfigRead validates magic then CRC over the packed record. A corrupt
// record is never partially applied.
func (my *Store) ConfigRead() (*ConfigRecord, error) {
	my.mu.Lock()
	defer my.mu.Unlock()
	return my.configRead()
}

func (my *Store) configRead() (*ConfigRecord, error) {
	raw, err := my.read(ConfigOffset, configRecordSize)
	if err != nil {
		return nil, err
	}

	var rec ConfigRecord
	if _, err := pack.Unpack(raw, &rec); err != nil {
		return nil, ErrConfigCorrupt
	}
	if rec.Magic != ConfigMagic {
		return nil, ErrConfigCorrupt
	}
	if rec.Crc32 != crc32.ChecksumIEEE(raw[:len(raw)-4]) {
		log.Errorf("config: crc mismatch, record dropped")
		return nil, ErrConfigCorrupt
	}
	return &rec, nil
}

// ConfigWrite reseals and persists rec. The erase-then-write sequence is not
// atomic across power loss; a boot that lands between the two reads a blank
// sector and falls back to defaults (accepted risk). A pending OTA marker
// sharing the sector is carried across the rewrite.
func (my *Store) ConfigWrite(rec *ConfigRecord) error {
	my.mu.Lock()
	defer my.mu.Unlock()
	return my.configWrite(rec)
}

func (my *Store) configWrite(rec *ConfigRecord) error {
	raw, err := sealRecord(rec)
	if err != nil {
		return err
	}

	marker, err := my.readMarker()
	if err != nil {
		marker = otaMarkerNone
	}

	if err := my.eraseSector(ConfigOffset); err != nil {
		return err
	}
	if err := my.write(ConfigOffset, raw); err != nil {
		return err
	}
	if marker == OTAMarkerPending {
		if err := my.writeMarkerRaw(marker); err != nil {
			return err
		}
	}
	return nil
}
