// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package config loads node configuration from TOML files.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// RadioConfig names the physical modem attachment and its on-air
// parameters.
type RadioConfig struct {
	SpiBus    int     `toml:"spi_bus"`
	SpiCS     string  `toml:"spi_cs_pin"`
	ResetPin  string  `toml:"reset_pin"`
	FreqMHz   float64 `toml:"freq_mhz"`
	Config    string  `toml:"modem_config"`
	TxPowerDB int     `toml:"tx_power_dbm"`
	TimeoutMS int     `toml:"timeout_ms"`
}

// MqttConfig names the broker a GS forwards telemetry/responses to.
type MqttConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// SatConfig is the satellite node's configuration file shape.
type SatConfig struct {
	Debug            bool
	DeviceID         byte   `toml:"device_id"`
	BeaconIntervalMS int    `toml:"beacon_interval_ms"`
	ResetMarkerPath  string `toml:"reset_marker_path"`
	ThermoCSPin      string `toml:"thermo_cs_pin"`
	Radio            RadioConfig
}

// GsConfig is the ground-station node's configuration file shape.
type GsConfig struct {
	Debug               bool
	DeviceID            byte `toml:"device_id"`
	HeartbeatIntervalMS int  `toml:"heartbeat_interval_ms"`
	Radio               RadioConfig
	Mqtt                MqttConfig
}

// LoadSat reads and parses a SatConfig from path.
func LoadSat(path string) (*SatConfig, error) {
	var c SatConfig
	if err := decodeFile(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadGs reads and parses a GsConfig from path.
func LoadGs(path string) (*GsConfig, error) {
	var c GsConfig
	if err := decodeFile(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeFile(path string, v interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("config: cannot parse %s: %w", path, err)
	}
	return nil
}
