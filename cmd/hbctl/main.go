package main

import (
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/denisbrodbeck/machineid"

	"hbctl/asiclink"
	"hbctl/config"
	"hbctl/control"
	"hbctl/flash"
	"hbctl/hal"
	"hbctl/log"
	"hbctl/status"
)

var (
	spiPort  = flag.String("spi", "SPI0.0", "flash SPI port")
	uartPort = flag.String("uart", "/dev/ttyS1", "hash-board bus port")
	baudRate = flag.Int("baud", hal.DefaultBaudRate, "hash-board bus baud rate")
	wdtPath  = flag.String("watchdog", "/dev/watchdog", "watchdog device, empty to disable")
	wdtChip  = flag.String("wdtchip", "", "gpiochip of an external supervisor line, overrides -watchdog")
	wdtLine  = flag.Int("wdtline", 0, "gpio offset of the supervisor line")
	pwmChip  = flag.Int("pwmchip", 0, "fan pwm chip id")
	pwmChan  = flag.Int("pwmchan", 0, "fan pwm channel")
	profile  = flag.String("profile", "/etc/hbctl/profile.yaml", "factory profile overlay")
	debug    = flag.Bool("debug", false, "debug logging")
)

const wdtFeedInterval = 10 * time.Second

func main() {
	flag.Parse()
	log.SetDebug(*debug)
	log.Info("=============== hbctl start ===============")

	serial, err := machineid.ID()
	if err != nil {
		log.Errorf("machine id: %v", err)
		serial = "unknown"
	}

	// Chassis variants with a discrete supervisor feed a GPIO line instead
	// of the SoC watchdog device.
	var wdt hal.Watchdog = hal.NopWatchdog{}
	var devWdt *hal.DevWatchdog
	var lineWdt *hal.LineWatchdog
	if *wdtChip != "" {
		lineWdt, err = hal.NewLineWatchdog(*wdtChip, *wdtLine)
		if err != nil {
			log.Errorf("watchdog line open: %v", err)
		} else {
			wdt = lineWdt
		}
	} else if *wdtPath != "" {
		devWdt, err = hal.NewDevWatchdog(*wdtPath)
		if err != nil {
			log.Errorf("watchdog open: %v", err)
		} else {
			wdt = devWdt
		}
	}

	spi, err := hal.NewFlashSPI(*spiPort)
	if err != nil {
		log.Errorf("flash spi: %v", err)
		os.Exit(1)
	}
	store, err := flash.New(spi, wdt, hal.Reboot{})
	if err != nil {
		log.Errorf("flash probe: %v", err)
		os.Exit(1)
	}

	// Finish any firmware switch left pending by the previous boot before
	// anything else touches the flash.
	if err := store.OTACommit(); err != nil {
		log.Errorf("ota commit: %v", err)
	}

	rec, err := config.LoadOrInit(store)
	if err != nil {
		log.Errorf("config load: %v", err)
		os.Exit(1)
	}
	if err := config.LoadProfile(*profile, rec); err != nil {
		log.Errorf("factory profile: %v", err)
	}

	fan := hal.NewFanPWM(*pwmChip, *pwmChan)
	if err := fan.Export(); err != nil {
		log.Errorf("fan pwm export: %v", err)
	}
	_ = fan.SetDutyPercent(uint32(rec.Mining.FanSpeed))
	_ = fan.Enable(true)

	hal.ChainPowerUp(status.BoardCount)

	bus, err := hal.NewUartBus(*uartPort, *baudRate)
	if err != nil {
		log.Errorf("board bus: %v", err)
		os.Exit(1)
	}

	agg := status.NewAggregator(serial)
	link := asiclink.New(bus, agg)
	found := link.Detect()
	log.Infof("%d/%d boards detected", found, status.BoardCount)

	for id := uint8(1); id <= status.BoardCount; id++ {
		if !link.Present(id) {
			continue
		}
		if err := link.SetVoltage(id, rec.Mining.VoltageLevel, rec.Mining.VoltageOffset); err != nil {
			log.Errorf("board %d initial voltage: %v", id, err)
		}
		if _, err := link.SetFrequency(id, rec.Mining.Frequency); err != nil {
			log.Errorf("board %d initial frequency: %v", id, err)
		}
	}

	loop := control.NewLoop(link, agg, fan, &rec.Mining)
	stop := make(chan struct{})
	go loop.Start(stop, &rec.Mining)

	go func() {
		tick := time.NewTicker(wdtFeedInterval)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				wdt.Feed()
			}
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c

	close(stop)
	hal.ChainPowerDown(status.BoardCount)
	_ = fan.Enable(false)
	_ = bus.Close()
	_ = spi.Close()
	if devWdt != nil {
		devWdt.Close()
	}
	if lineWdt != nil {
		lineWdt.Close()
	}

	log.Info("=============== hbctl stop ===============")
	os.Exit(0)
}
