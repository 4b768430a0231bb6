// Package config owns the boot-time configuration path: built-in defaults,
// the optional factory profile overlay, and the persisted record in flash.
package config

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"

	"hbctl/asiclink"
	"hbctl/control"
	"hbctl/flash"
	"hbctl/log"
	"hbctl/util"
)

// Defaults returns the factory operating point.
func Defaults() *flash.ConfigRecord {
	rec := &flash.ConfigRecord{
		Magic:   flash.ConfigMagic,
		Version: flash.ConfigVersion,
		Mining: flash.MiningConfig{
			Frequency:     asiclink.FreqDefault,
			VoltageLevel:  asiclink.VoltLevelDefault,
			VoltageOffset: 0,
			PLLSelect:     0,
			FanMode:       control.FanAuto,
			FanSpeed:      control.FanDefault,
			TempTarget:    control.TempTargetDefault,
			SmartSpeed:    control.SSMode1,

			ThPass:    control.ThPassDefault,
			ThFail:    control.ThFailDefault,
			ThTimeout: control.ThTimeoutDefault,
			NonceMask: control.NonceMaskDefault,

			MuxL2H:      0,
			MuxH2L:      1,
			H2LTime0Spd: 3,
			SpdLow:      3,
			SpdHigh:     4,

			PidP: control.PidPDefault,
			PidI: control.PidIDefault,
			PidD: control.PidDDefault,
		},
	}
	rec.Network.DHCP = 1
	return rec
}

// Profile is the YAML factory profile. Zero values mean "keep the
// default"; anything set is clamped into the supported range rather than
// rejected.
type Profile struct {
	Frequency     uint32 `yaml:"frequency"`
	VoltageLevel  *uint8 `yaml:"voltage_level"`
	VoltageOffset *int8  `yaml:"voltage_offset"`
	FanMode       *uint8 `yaml:"fan_mode"`
	FanSpeed      uint8  `yaml:"fan_speed"`
	TempTarget    int8   `yaml:"temp_target"`
	SmartSpeed    *uint8 `yaml:"smart_speed"`

	ThPass    uint32 `yaml:"th_pass"`
	ThFail    uint32 `yaml:"th_fail"`
	ThTimeout uint32 `yaml:"th_timeout"`

	Pools []struct {
		URL    string `yaml:"url"`
		Worker string `yaml:"worker"`
		Pass   string `yaml:"pass"`
	} `yaml:"pools"`
}

// LoadProfile overlays a factory profile file onto rec. A missing file is
// not an error; a malformed one is.
func LoadProfile(path string, rec *flash.ConfigRecord) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return err
	}
	apply(&p, rec)
	log.Infof("config: factory profile %s applied", path)
	return nil
}

func apply(p *Profile, rec *flash.ConfigRecord) {
	m := &rec.Mining
	if p.Frequency != 0 {
		m.Frequency = asiclink.ClampFrequency(p.Frequency)
	}
	if p.VoltageLevel != nil {
		m.VoltageLevel = util.ClampU8(*p.VoltageLevel,
			asiclink.VoltLevelMin, asiclink.VoltLevelMax)
	}
	if p.VoltageOffset != nil {
		off := *p.VoltageOffset
		if off < asiclink.VoltOffsetMin {
			off = asiclink.VoltOffsetMin
		}
		if off > asiclink.VoltOffsetMax {
			off = asiclink.VoltOffsetMax
		}
		m.VoltageOffset = off
	}
	if p.FanMode != nil && *p.FanMode <= control.FanManual {
		m.FanMode = *p.FanMode
	}
	if p.FanSpeed != 0 {
		m.FanSpeed = util.ClampU8(p.FanSpeed, control.FanMin, control.FanMax)
	}
	if p.TempTarget != 0 {
		t := p.TempTarget
		if t > control.TempWarning {
			t = control.TempWarning
		}
		m.TempTarget = t
	}
	if p.SmartSpeed != nil && *p.SmartSpeed <= control.SSMode2 {
		m.SmartSpeed = *p.SmartSpeed
	}
	if p.ThPass != 0 {
		m.ThPass = p.ThPass
	}
	if p.ThFail != 0 {
		m.ThFail = p.ThFail
	}
	if p.ThTimeout != 0 {
		m.ThTimeout = p.ThTimeout
	}

	for i, pool := range p.Pools {
		if i >= flash.MaxPools {
			break
		}
		setStr(rec.Pools[i].URL[:], pool.URL)
		setStr(rec.Pools[i].Worker[:], pool.Worker)
		setStr(rec.Pools[i].Pass[:], pool.Pass)
	}
}

func setStr(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
}

// LoadOrInit reads the persisted record, falling back to defaults when the
// record is blank or corrupt. The fallback is written back so the next
// boot reads cleanly.
func LoadOrInit(store *flash.Store) (*flash.ConfigRecord, error) {
	rec, err := store.ConfigRead()
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, flash.ErrConfigCorrupt) {
		return nil, err
	}

	log.Errorf("config: no valid record, writing defaults")
	rec = Defaults()
	if err := store.ConfigWrite(rec); err != nil {
		return nil, err
	}
	return rec, nil
}
