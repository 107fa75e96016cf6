package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the tag locator daemon.
type Config struct {
	HTTPPort     int
	DatabasePath string
	LogLevel     string

	// RadioSource selects the discovery event source: "bluez" for the local
	// adapter, "mqtt" for remote scanners publishing over the broker.
	RadioSource string
	AdapterID   string

	MQTTBrokerURL string

	PairingScanTimeout time.Duration
	CommandAckTimeout  time.Duration
	PollInterval       time.Duration

	// RSSILostThreshold is the dBm floor below which an active-poll reading
	// counts as connection loss.
	RSSILostThreshold int
}

const (
	defaultHTTPPort           = 8080
	defaultDatabasePath       = "data/taglocator.db"
	defaultLogLevel           = "info"
	defaultRadioSource        = "bluez"
	defaultAdapterID          = "hci0"
	defaultMQTTBrokerURL      = ""
	defaultPairingScanTimeout = 10 * time.Second
	defaultCommandAckTimeout  = 3 * time.Second
	defaultPollInterval       = time.Second
	defaultRSSILostThreshold  = -90
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:           defaultHTTPPort,
		DatabasePath:       defaultDatabasePath,
		LogLevel:           defaultLogLevel,
		RadioSource:        defaultRadioSource,
		AdapterID:          defaultAdapterID,
		MQTTBrokerURL:      defaultMQTTBrokerURL,
		PairingScanTimeout: defaultPairingScanTimeout,
		CommandAckTimeout:  defaultCommandAckTimeout,
		PollInterval:       defaultPollInterval,
		RSSILostThreshold:  defaultRSSILostThreshold,
	}

	if v := os.Getenv("TAGLOCATOR_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TAGLOCATOR_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("TAGLOCATOR_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("TAGLOCATOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("TAGLOCATOR_RADIO"); v != "" {
		if v != "bluez" && v != "mqtt" {
			return Config{}, fmt.Errorf("invalid TAGLOCATOR_RADIO %q (want bluez or mqtt)", v)
		}
		cfg.RadioSource = v
	}

	if v := os.Getenv("TAGLOCATOR_ADAPTER"); v != "" {
		cfg.AdapterID = v
	}

	if v := os.Getenv("TAGLOCATOR_MQTT_BROKER"); v != "" {
		cfg.MQTTBrokerURL = v
	}

	if v := os.Getenv("TAGLOCATOR_PAIRING_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TAGLOCATOR_PAIRING_TIMEOUT: %w", err)
		}
		cfg.PairingScanTimeout = d
	}

	if v := os.Getenv("TAGLOCATOR_COMMAND_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TAGLOCATOR_COMMAND_TIMEOUT: %w", err)
		}
		cfg.CommandAckTimeout = d
	}

	if v := os.Getenv("TAGLOCATOR_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TAGLOCATOR_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}

	if v := os.Getenv("TAGLOCATOR_RSSI_LOST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TAGLOCATOR_RSSI_LOST: %w", err)
		}
		cfg.RSSILostThreshold = n
	}

	if cfg.RadioSource == "mqtt" && cfg.MQTTBrokerURL == "" {
		return Config{}, fmt.Errorf("TAGLOCATOR_MQTT_BROKER is required when TAGLOCATOR_RADIO=mqtt")
	}

	return cfg, nil
}
