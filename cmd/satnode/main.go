// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

// Command satnode boots the satellite side of the MANHA LoRa link: it
// brings up the modem, the sensor registry, and the SatLink state machine,
// then runs the pump loop that alternates telemetry beacons with
// command-listening windows.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/tm2space/tm2-manha-firmware/internal/config"
	"github.com/tm2space/tm2-manha-firmware/internal/hal"
	"github.com/tm2space/tm2-manha-firmware/internal/link"
	"github.com/tm2space/tm2-manha-firmware/internal/modem"
	"github.com/tm2space/tm2-manha-firmware/internal/obslog"
	"github.com/tm2space/tm2-manha-firmware/internal/rtpump"
	"github.com/tm2space/tm2-manha-firmware/internal/sensor"
)

func main() {
	configFile := flag.String("config", "sat.toml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadSat(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	zlog, err := obslog.New(obslog.Config{Level: level})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := obslog.WithLink(zlog, "sat", cfg.DeviceID)
	defer zlog.Sync()

	spi, err := hal.NewSPI(cfg.Radio.SpiBus)
	if err != nil {
		log.Sugar().Fatalf("hal: spi: %v", err)
	}
	cs, err := hal.NewGPIO(cfg.Radio.SpiCS)
	if err != nil {
		log.Sugar().Fatalf("hal: cs gpio: %v", err)
	}
	reset, err := hal.NewGPIO(cfg.Radio.ResetPin)
	if err != nil {
		log.Sugar().Fatalf("hal: reset gpio: %v", err)
	}

	m, err := modem.Init(modem.Opts{
		DeviceID:  cfg.DeviceID,
		SPI:       spi,
		CS:        cs,
		Reset:     reset,
		Config:    cfg.Radio.Config,
		FreqMHz:   cfg.Radio.FreqMHz,
		TxPowerDB: cfg.Radio.TxPowerDB,
		TimeoutMS: cfg.Radio.TimeoutMS,
		Log:       func(f string, v ...interface{}) { log.Sugar().Debugf(f, v...) },
	})
	if err != nil {
		log.Sugar().Fatalf("modem init: %v", err)
	}

	sat := link.NewSatLink(m, link.SatOpts{
		DeviceID:        cfg.DeviceID,
		BeaconInterval:  time.Duration(cfg.BeaconIntervalMS) * time.Millisecond,
		ResetMarkerPath: cfg.ResetMarkerPath,
		// The process supervisor restarts the node; the marker file makes
		// the next boot announce RESET_OK.
		Reboot: func() { zlog.Sync(); os.Exit(2) },
		Log:    func(f string, v ...interface{}) { log.Sugar().Debugf(f, v...) },
	})

	registry := sensor.NewRegistry()
	if cfg.ThermoCSPin != "" {
		// The thermocouple shares the modem's SPI bus; it is only ever read
		// from inside the pump loop, so the bus is never used concurrently.
		tcCS, err := hal.NewGPIO(cfg.ThermoCSPin)
		if err != nil {
			log.Sugar().Warnf("hal: thermocouple cs gpio: %v (sensor disabled)", err)
		} else {
			tc := sensor.NewThermocouple(spi, tcCS)
			registry.Register("thermocouple", false, tc.Producer())
		}
	}

	go func() {
		if err := rtpump.Pin(10); err != nil {
			log.Sugar().Warnf("rtpump: %v (continuing at normal priority)", err)
		}
		runPump(sat, registry, sat.BeaconInterval())
	}()

	// Housekeeping: periodic memory reporting (heap, system memory and GC
	// count), logged at debug level once a minute.
	for range time.Tick(time.Minute) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		log.Sugar().Debugf("mem: heap %dKiB sys %dKiB gc %d", ms.HeapAlloc/1024, ms.Sys/1024, ms.NumGC)
	}
}

// runPump alternates telemetry beacons with command-listening windows, the
// SAT-side instance of the single-owner Pump task.
func runPump(sat *link.SatLink, registry *sensor.Registry, beaconInterval time.Duration) {
	if beaconInterval <= 0 {
		beaconInterval = 10 * time.Second
	}
	lastBeacon := time.Time{}
	for {
		if time.Since(lastBeacon) >= beaconInterval {
			readings, _ := registry.Poll(sat.Mode() == link.LowPower)
			sat.SendTelemetry(readings, 200)
			lastBeacon = time.Now()
		}
		sat.ServeRX(200 * time.Millisecond)
	}
}
