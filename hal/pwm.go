package hal

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"
)

// FanPWM drives one 4-pin fan header through the sysfs pwmchip interface.
// Control pin needs a fixed 25kHz carrier; only the duty cycle moves.
type FanPWM struct {
	chipPath string
	channel  string
	period   uint32
	enabled  bool
}

const fanPWMPeriodNs = 40000 // 25kHz

func NewFanPWM(pwmChipID int, channel int) *FanPWM {
	return &FanPWM{
		chipPath: "/sys/class/pwm/pwmchip" + strconv.Itoa(pwmChipID),
		channel:  strconv.Itoa(channel),
		period:   fanPWMPeriodNs,
	}
}

func (p *FanPWM) pinDir() string {
	return p.chipPath + "/pwm" + p.channel
}

func (p *FanPWM) Export() error {
	err := os.WriteFile(p.chipPath+"/export", []byte(p.channel), 0644)
	if err != nil {
		e, ok := err.(*os.PathError)
		if !ok || e.Err != syscall.EBUSY {
			return err
		}
	}

	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(p.pinDir()+"/period", []byte(fmt.Sprintf("%v", p.period)), 0644); err != nil {
		return err
	}
	return nil
}

func (p *FanPWM) Unexport() error {
	return os.WriteFile(p.chipPath+"/unexport", []byte(p.channel), 0644)
}

func (p *FanPWM) Enable(enable bool) error {
	if p.enabled == enable {
		return nil
	}
	p.enabled = enable
	v := "0"
	if enable {
		v = "1"
	}
	return os.WriteFile(p.pinDir()+"/enable", []byte(v), 0644)
}

// SetDutyPercent sets the duty cycle, 0-100.
func (p *FanPWM) SetDutyPercent(percent uint32) error {
	if percent > 100 {
		percent = 100
	}
	duty := p.period / 100 * percent
	return os.WriteFile(p.pinDir()+"/duty_cycle", []byte(fmt.Sprintf("%v", duty)), 0644)
}
