// Package config handles dhtagent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/dhtagent/config.yaml, /etc/dhtagent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "dhtagent", "config.yaml"))
	}

	paths = append(paths, "/etc/dhtagent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all dhtagent configuration.
type Config struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // text or json
	DataDir   string        `yaml:"data_dir"`
	Network   NetworkConfig `yaml:"network"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Sensor    SensorConfig  `yaml:"sensor"`
	History   HistoryConfig `yaml:"history"`
	Clock     ClockConfig   `yaml:"clock"`
}

// NetworkConfig describes the link the agent brings up before it
// touches the broker.
type NetworkConfig struct {
	// Interface is probed for an IPv4 address. Empty accepts any
	// non-loopback interface.
	Interface  string `yaml:"interface"`
	SSID       string `yaml:"ssid"`
	Passphrase string `yaml:"passphrase"`
	// ConnectCommand overrides the default nmcli invocation. The
	// placeholders {interface}, {ssid} and {passphrase} are substituted.
	ConnectCommand []string `yaml:"connect_command"`
	// ReadyTimeout bounds the startup wait for the first address.
	// Zero waits forever.
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MQTTConfig defines the broker connection and topics.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt, mqtts, ssl, tcp, ws or wss URL
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// ClientID defaults to dhtagent-<instance id prefix>.
	ClientID     string `yaml:"client_id"`
	DeviceName   string `yaml:"device_name"`
	Topic        string `yaml:"topic"`
	HistoryTopic string `yaml:"history_topic"`
	// QoS is a pointer so an explicit 0 survives defaulting to 1.
	QoS       *byte  `yaml:"qos"`
	Retain    bool   `yaml:"retain"`
	KeepAlive uint16 `yaml:"keep_alive"` // seconds
	// DiscoveryPrefix enables Home Assistant discovery when set
	// (usually "homeassistant").
	DiscoveryPrefix   string        `yaml:"discovery_prefix"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	// PublishRetries is the total number of attempts per payload; 0
	// and 1 both mean a single try.
	PublishRetries    int           `yaml:"publish_retries"`
	PublishRetryDelay time.Duration `yaml:"publish_retry_delay"`
}

// QoSLevel returns the configured QoS, 1 when unset.
func (m MQTTConfig) QoSLevel() byte {
	if m.QoS == nil {
		return 1
	}
	return *m.QoS
}

// SensorConfig selects and paces the sensor.
type SensorConfig struct {
	Driver         string        `yaml:"driver"` // dht22, dht11, am2302 or fake
	Pin            int           `yaml:"pin"`    // BCM numbering
	SettleDelay    time.Duration `yaml:"settle_delay"`
	SampleInterval time.Duration `yaml:"sample_interval"`
}

// HistoryConfig controls the in-memory ring and its publisher.
type HistoryConfig struct {
	// Enabled is a pointer so an absent key can default to true.
	Enabled         *bool         `yaml:"enabled"`
	Capacity        int           `yaml:"capacity"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// On reports whether history is enabled.
func (h HistoryConfig) On() bool {
	return h.Enabled == nil || *h.Enabled
}

// ClockConfig controls the startup clock gate and timestamp zone.
type ClockConfig struct {
	Enabled *bool `yaml:"enabled"`
	// NTPServer, when set, corrects timestamps by an NTP offset.
	// Empty trusts the system clock.
	NTPServer       string        `yaml:"ntp_server"`
	MaxAttempts     int           `yaml:"max_attempts"`
	AttemptInterval time.Duration `yaml:"attempt_interval"`
	// UTCOffset is a fixed offset such as "+02:00". Empty uses the
	// host's local zone.
	UTCOffset string `yaml:"utc_offset"`
}

// On reports whether the startup clock gate runs.
func (c ClockConfig) On() bool {
	return c.Enabled == nil || *c.Enabled
}

// Location returns the zone timestamps are rendered in.
func (c ClockConfig) Location() (*time.Location, error) {
	if c.UTCOffset == "" {
		return time.Local, nil
	}
	return ParseUTCOffset(c.UTCOffset)
}

// ParseUTCOffset parses "+HH:MM", "-HH:MM", "+HHMM", "+HH" or "Z"
// into a fixed zone.
func ParseUTCOffset(s string) (*time.Location, error) {
	s = strings.TrimSpace(s)
	if s == "Z" || s == "z" {
		return time.UTC, nil
	}
	for _, layout := range []string{"-07:00", "-0700", "-07"} {
		if t, err := time.Parse(layout, s); err == nil {
			_, off := t.Zone()
			return time.FixedZone(s, off), nil
		}
	}
	return nil, fmt.Errorf("invalid utc_offset %q (want e.g. +02:00)", s)
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, expanding environment variables first, and
// applies defaults.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := seeded()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := seeded()
	cfg.applyDefaults()
	return cfg
}

// seeded returns a Config holding the defaults of fields whose zero
// value is a legitimate setting (BCM pin 0, no settle delay, a single
// publish attempt). They are set before decoding so an explicit zero
// in the file is kept; yaml.v3 leaves absent keys untouched.
func seeded() *Config {
	return &Config{
		MQTT: MQTTConfig{
			PublishRetries: 3,
		},
		Sensor: SensorConfig{
			Pin:         13,
			SettleDelay: 2 * time.Second,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/dhtagent"
	}

	if c.Network.PollInterval == 0 {
		c.Network.PollInterval = 5 * time.Second
	}

	m := &c.MQTT
	if m.Broker == "" {
		m.Broker = "mqtt://broker.hivemq.com:1883"
	}
	if m.DeviceName == "" {
		m.DeviceName = "dhtagent"
	}
	if m.Topic == "" {
		m.Topic = "sensor/dht"
	}
	if m.HistoryTopic == "" {
		m.HistoryTopic = "sensor/dht/history"
	}
	if m.KeepAlive == 0 {
		m.KeepAlive = 60
	}
	if m.ConnectTimeout == 0 {
		m.ConnectTimeout = 30 * time.Second
	}
	if m.PublishRetryDelay == 0 {
		m.PublishRetryDelay = time.Second
	}

	s := &c.Sensor
	if s.Driver == "" {
		s.Driver = "dht22"
	}
	if s.SampleInterval == 0 {
		s.SampleInterval = 60 * time.Second
	}

	if c.History.Capacity == 0 {
		c.History.Capacity = 3
	}
	if c.History.PublishInterval == 0 {
		c.History.PublishInterval = 60 * time.Second
	}

	if c.Clock.MaxAttempts == 0 {
		c.Clock.MaxAttempts = 10
	}
	if c.Clock.AttemptInterval == 0 {
		c.Clock.AttemptInterval = 2 * time.Second
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}

	if c.Network.ReadyTimeout < 0 {
		errs = append(errs, errors.New("network.ready_timeout must not be negative"))
	}

	if q := c.MQTT.QoSLevel(); q > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos %d must be 0, 1 or 2", q))
	}
	if c.MQTT.Topic == c.MQTT.HistoryTopic {
		errs = append(errs, errors.New("mqtt.topic and mqtt.history_topic must differ"))
	}
	if c.Sensor.SettleDelay < 0 {
		errs = append(errs, errors.New("sensor.settle_delay must not be negative"))
	}
	if c.MQTT.PublishRetries < 0 {
		errs = append(errs, errors.New("mqtt.publish_retries must not be negative"))
	}

	switch strings.ToLower(c.Sensor.Driver) {
	case "dht22", "am2302", "dht11", "fake":
	default:
		errs = append(errs, fmt.Errorf("sensor.driver %q must be dht22, dht11 or fake", c.Sensor.Driver))
	}
	if c.Sensor.Pin < 0 || c.Sensor.Pin > 27 {
		errs = append(errs, fmt.Errorf("sensor.pin %d out of range 0-27", c.Sensor.Pin))
	}
	if c.Sensor.SampleInterval < time.Second {
		errs = append(errs, errors.New("sensor.sample_interval must be at least 1s"))
	}

	if c.History.Capacity < 1 {
		errs = append(errs, errors.New("history.capacity must be at least 1"))
	}
	if c.History.PublishInterval <= 0 {
		errs = append(errs, errors.New("history.publish_interval must be positive"))
	}

	if _, err := c.Clock.Location(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
