// Copyright (c) 2016 by Thorsten von Eicken, see LICENSE file for details

// Command gsnode boots the ground-station side of the MANHA LoRa link: the
// modem, the GsLink state machine, an MQTT sink for telemetry/responses, and
// a line-oriented operator console.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tm2space/tm2-manha-firmware/internal/config"
	"github.com/tm2space/tm2-manha-firmware/internal/hal"
	"github.com/tm2space/tm2-manha-firmware/internal/link"
	"github.com/tm2space/tm2-manha-firmware/internal/modem"
	"github.com/tm2space/tm2-manha-firmware/internal/mqttsink"
	"github.com/tm2space/tm2-manha-firmware/internal/obslog"
)

func main() {
	configFile := flag.String("config", "gs.toml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadGs(*configFile)
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
	log := obslog.WithLink(zlog, "gs", cfg.DeviceID)
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

	gs := link.NewGsLink(m, link.GsOpts{
		DeviceID:          cfg.DeviceID,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		Log:               func(f string, v ...interface{}) { log.Sugar().Debugf(f, v...) },
	})

	var sink *mqttsink.Sink
	if cfg.Mqtt.Host != "" {
		sink, err = mqttsink.New(mqttsink.Config{
			Host:     cfg.Mqtt.Host,
			Port:     cfg.Mqtt.Port,
			User:     cfg.Mqtt.User,
			Password: cfg.Mqtt.Password,
		}, func(f string, v ...interface{}) { log.Sugar().Debugf(f, v...) })
		if err != nil {
			log.Sugar().Warnf("mqttsink: %v (continuing without broker)", err)
			sink = nil
		}
	}

	pendingCmd := make(chan string, 16)
	if sink != nil {
		if err := sink.SubscribeCommands(func(text string) { pendingCmd <- text }); err != nil {
			log.Sugar().Warnf("mqttsink: subscribe: %v", err)
		}
	}

	gs.OnTelemetry(func(obj map[string]interface{}) {
		log.Sugar().Infow("telemetry", "data", obj)
		if sink != nil {
			sink.PublishTelemetry(obj)
		}
	})
	gs.OnCommandResponse(func(text string) {
		fmt.Printf("< %s\n", text)
		if sink != nil {
			sink.PublishCommandResponse(text)
		}
	})

	go runConsole(gs, pendingCmd)

	for {
		select {
		case text := <-pendingCmd:
			gs.SendCommand(text)
		default:
		}
		gs.MaybeHeartbeat(time.Now())
		gs.ReceiveOnce(200 * time.Millisecond)
	}
}

// runConsole implements the operator CLI: "help", "heartbeat on|off", and
// anything else forwarded verbatim inside a CMD: frame.
func runConsole(gs *link.GsLink, pendingCmd chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "help":
			fmt.Println("commands: help, heartbeat on|off, <anything else forwarded as CMD>")
		case line == "heartbeat on":
			gs.SetHeartbeat(true)
		case line == "heartbeat off":
			gs.SetHeartbeat(false)
		default:
			pendingCmd <- line
		}
	}
}
