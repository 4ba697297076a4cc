// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/relabs-tech/haptic_feedback/internal/estimator"
)

// DefaultPath is the configuration file read when no -config flag is given.
const DefaultPath = "feedback_config.txt"

// Link kinds.
const (
	LinkMQTT   = "mqtt"
	LinkSerial = "serial"
	LinkSim    = "sim"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker   string
	MQTTClientID string
	TopicPrefix  string

	// Vehicles and link
	Vehicles   []string
	Link       string
	SerialPort string
	SerialBaud int
	// SimSerialPort is the vehicle end of the serial line played by
	// sim_vehicle; empty plays the vehicles over MQTT.
	SimSerialPort string

	// Feedback signal
	Mode             string
	SampleWindow     int
	SmoothingSamples int
	TargetX          float64
	TargetY          float64
	TargetZ          float64

	// Response curve
	MinPower     int
	MaxPower     int
	MaxMagnitude float64
	Exponent     float64
	Invert       bool

	// Control loop
	CyclePeriodMS     int
	Motors            []int
	TriggerThreshold  float64 // 0 disables the trigger
	TriggerBelow      bool
	TriggerResponseMS int
	TriggerEffect     int
	SessionDurationS  float64
	ZeroOnArm         bool
	FlightHoldMS      int // >0 answers the trigger with hold-then-land
	FlightLandMS      int

	// Safety and recording
	EStopPin string
	TraceDB  string

	// Web Server
	WebServerPort int

	// Display
	DisplayI2CBus         string
	DisplayUpdateInterval int // milliseconds
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns the configuration used for keys absent from the file.
func Default() *Config {
	return &Config{
		MQTTClientID:          "haptic-feedback",
		TopicPrefix:           "crazyflie",
		Vehicles:              []string{"cf1"},
		Link:                  LinkSim,
		SerialPort:            "/dev/ttyACM0",
		SerialBaud:            115200,
		Mode:                  "tilt",
		SampleWindow:          8,
		SmoothingSamples:      4,
		MinPower:              7000,
		MaxPower:              45000,
		MaxMagnitude:          180,
		Exponent:              2.5,
		CyclePeriodMS:         50,
		Motors:                []int{1, 2, 3, 4},
		ZeroOnArm:             true,
		FlightLandMS:          4000,
		WebServerPort:         8080,
		DisplayUpdateInterval: 250,
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

// Parse reads KEY=VALUE lines from r on top of Default.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "TOPIC_PREFIX":
		c.TopicPrefix = strings.Trim(value, "/")

	// Vehicles and link
	case "VEHICLES":
		c.Vehicles = splitList(value)
	case "LINK":
		c.Link = strings.ToLower(value)
	case "SERIAL_PORT":
		c.SerialPort = value
	case "SERIAL_BAUD":
		c.SerialBaud, err = parseInt(key, value)

	// Feedback signal
	case "MODE":
		c.Mode = strings.ToLower(value)
	case "SAMPLE_WINDOW":
		c.SampleWindow, err = parseInt(key, value)
	case "SMOOTHING_SAMPLES":
		c.SmoothingSamples, err = parseInt(key, value)
	case "TARGET_X":
		c.TargetX, err = parseFloat(key, value)
	case "TARGET_Y":
		c.TargetY, err = parseFloat(key, value)
	case "TARGET_Z":
		c.TargetZ, err = parseFloat(key, value)

	// Response curve
	case "MIN_POWER":
		c.MinPower, err = parseInt(key, value)
	case "MAX_POWER":
		c.MaxPower, err = parseInt(key, value)
	case "MAX_MAGNITUDE":
		c.MaxMagnitude, err = parseFloat(key, value)
	case "EXPONENT":
		c.Exponent, err = parseFloat(key, value)
	case "INVERT":
		c.Invert, err = parseBool(key, value)

	// Control loop
	case "CYCLE_PERIOD_MS":
		c.CyclePeriodMS, err = parseInt(key, value)
	case "MOTORS":
		c.Motors = nil
		for _, s := range splitList(value) {
			id, perr := parseInt(key, s)
			if perr != nil {
				return perr
			}
			c.Motors = append(c.Motors, id)
		}
	case "TRIGGER_THRESHOLD":
		if value == "" {
			c.TriggerThreshold = 0
			return nil
		}
		c.TriggerThreshold, err = parseFloat(key, value)
	case "TRIGGER_BELOW":
		c.TriggerBelow, err = parseBool(key, value)
	case "TRIGGER_RESPONSE_MS":
		c.TriggerResponseMS, err = parseInt(key, value)
	case "TRIGGER_EFFECT":
		c.TriggerEffect, err = parseInt(key, value)
	case "SESSION_DURATION_S":
		c.SessionDurationS, err = parseFloat(key, value)
	case "ZERO_ON_ARM":
		c.ZeroOnArm, err = parseBool(key, value)
	case "FLIGHT_HOLD_MS":
		c.FlightHoldMS, err = parseInt(key, value)
	case "FLIGHT_LAND_MS":
		c.FlightLandMS, err = parseInt(key, value)
	case "SIM_SERIAL_PORT":
		c.SimSerialPort = value

	// Safety and recording
	case "ESTOP_PIN":
		c.EStopPin = value
	case "TRACE_DB":
		c.TraceDB = value

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = parseInt(key, value)

	// Display
	case "DISPLAY_I2C_BUS":
		c.DisplayI2CBus = value
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = parseInt(key, value)

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

func parseInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseFloat(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func parseBool(key, value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

func splitList(value string) []string {
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// validate checks values that are wrong regardless of how they are used.
// The response curve and loop timing are validated again by the packages
// that consume them.
func (c *Config) validate() error {
	if len(c.Vehicles) == 0 {
		return fmt.Errorf("VEHICLES is required")
	}
	seen := make(map[string]bool, len(c.Vehicles))
	for _, v := range c.Vehicles {
		if strings.ContainsAny(v, "/+#") {
			return fmt.Errorf("vehicle id %q must not contain MQTT topic characters", v)
		}
		if seen[v] {
			return fmt.Errorf("vehicle %q listed twice", v)
		}
		seen[v] = true
	}

	switch c.Link {
	case LinkMQTT:
		if c.MQTTBroker == "" {
			return fmt.Errorf("MQTT_BROKER is required for LINK=mqtt")
		}
	case LinkSerial:
		if c.SerialPort == "" {
			return fmt.Errorf("SERIAL_PORT is required for LINK=serial")
		}
		if len(c.Vehicles) != 1 {
			return fmt.Errorf("LINK=serial drives exactly one vehicle, got %d", len(c.Vehicles))
		}
		if c.SerialBaud <= 0 {
			return fmt.Errorf("SERIAL_BAUD must be positive, got %d", c.SerialBaud)
		}
	case LinkSim:
	default:
		return fmt.Errorf("LINK must be mqtt, serial or sim, got %q", c.Link)
	}

	if _, err := estimator.ParseMode(c.Mode); err != nil {
		return fmt.Errorf("MODE: %w", err)
	}
	if c.SampleWindow < 1 {
		return fmt.Errorf("SAMPLE_WINDOW must be at least 1, got %d", c.SampleWindow)
	}
	if c.SmoothingSamples < 1 || c.SmoothingSamples > c.SampleWindow {
		return fmt.Errorf("SMOOTHING_SAMPLES must be between 1 and SAMPLE_WINDOW (%d), got %d", c.SampleWindow, c.SmoothingSamples)
	}
	if c.CyclePeriodMS <= 0 {
		return fmt.Errorf("CYCLE_PERIOD_MS must be positive, got %d", c.CyclePeriodMS)
	}
	if c.TriggerResponseMS < 0 || c.SessionDurationS < 0 {
		return fmt.Errorf("TRIGGER_RESPONSE_MS and SESSION_DURATION_S must not be negative")
	}
	if c.FlightHoldMS < 0 || c.FlightLandMS <= 0 {
		return fmt.Errorf("FLIGHT_HOLD_MS must not be negative and FLIGHT_LAND_MS must be positive")
	}
	if c.FlightHoldMS > 0 && c.TriggerThreshold == 0 {
		return fmt.Errorf("FLIGHT_HOLD_MS needs a TRIGGER_THRESHOLD")
	}
	if c.FlightHoldMS > 0 && c.TriggerResponseMS > 0 {
		return fmt.Errorf("FLIGHT_HOLD_MS and TRIGGER_RESPONSE_MS are exclusive")
	}
	if c.WebServerPort <= 0 || c.WebServerPort > 65535 {
		return fmt.Errorf("WEB_SERVER_PORT must be 1-65535, got %d", c.WebServerPort)
	}
	if c.DisplayUpdateInterval <= 0 {
		return fmt.Errorf("DISPLAY_UPDATE_INTERVAL must be positive, got %d", c.DisplayUpdateInterval)
	}
	return nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
