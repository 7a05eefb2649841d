// Package config loads the devicehub service configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the service configuration read from config.yaml.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	EntriesFile string            `yaml:"entries_file"`
	HTTP        HTTPConfig        `yaml:"http"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

// MQTTConfig configures the broker connection used for discovery and state.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BrokerURL       string `yaml:"broker_url"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username,omitempty"`
	Password        string `yaml:"password,omitempty"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	BaseTopic       string `yaml:"base_topic"`
	QoS             byte   `yaml:"qos"`
	KeepAlive       int    `yaml:"keep_alive"`
}

// IsSecure reports whether the broker URL requires TLS.
func (m MQTTConfig) IsSecure() bool {
	return strings.HasPrefix(m.BrokerURL, "mqtts://") || strings.HasPrefix(m.BrokerURL, "ssl://") ||
		strings.HasPrefix(m.BrokerURL, "wss://")
}

// CoordinatorConfig holds settings shared by every entry's coordinator.
type CoordinatorConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AlwaysUpdate   bool          `yaml:"always_update"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	// QoS 0 is a valid setting, so its default is seeded rather than backfilled.
	c := &Config{MQTT: MQTTConfig{QoS: 1}}
	c.setDefaults()
	return c
}

// Load reads path, applies defaults and environment overrides, and validates
// the result. A missing file is not an error.
func Load(path string, logger *zap.Logger) (*Config, error) {
	c := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("No config file, using defaults", zap.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		logger.Debug("Config file loaded", zap.String("path", path))
	}

	c.setDefaults()
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.EntriesFile == "" {
		c.EntriesFile = "entries.yaml"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.MQTT.BrokerURL == "" {
		c.MQTT.BrokerURL = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "devicehub"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "devicehub"
	}
	if c.MQTT.KeepAlive == 0 {
		c.MQTT.KeepAlive = 60
	}
	if c.Coordinator.RequestTimeout == 0 {
		c.Coordinator.RequestTimeout = 10 * time.Second
	}
}

// applyEnv overrides file values with DEVICEHUB_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DEVICEHUB_LOG_LEVEL", &c.LogLevel)
	str("DEVICEHUB_ENTRIES_FILE", &c.EntriesFile)
	str("DEVICEHUB_MQTT_BROKER_URL", &c.MQTT.BrokerURL)
	str("DEVICEHUB_MQTT_USERNAME", &c.MQTT.Username)
	str("DEVICEHUB_MQTT_PASSWORD", &c.MQTT.Password)

	if v, ok := lookup("DEVICEHUB_HTTP_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DEVICEHUB_HTTP_PORT %q: %w", v, err)
		}
		c.HTTP.Port = port
	}
	if v, ok := lookup("DEVICEHUB_MQTT_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid DEVICEHUB_MQTT_ENABLED %q: %w", v, err)
		}
		c.MQTT.Enabled = enabled
	}
	return nil
}

// Validate checks ranges and formats.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535 (got %d)", c.HTTP.Port)
	}
	if c.Coordinator.RequestTimeout < 0 {
		return fmt.Errorf("coordinator.request_timeout must not be negative")
	}
	if c.MQTT.Enabled {
		return c.validateMQTT()
	}
	return nil
}

func (c *Config) validateMQTT() error {
	u, err := url.Parse(c.MQTT.BrokerURL)
	if err != nil {
		return fmt.Errorf("invalid mqtt.broker_url %q: %w", c.MQTT.BrokerURL, err)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("mqtt.broker_url %q must use tcp, mqtt, ssl, mqtts, ws or wss", c.MQTT.BrokerURL)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1, or 2 (got %d)", c.MQTT.QoS)
	}
	if c.MQTT.KeepAlive < 10 {
		return fmt.Errorf("mqtt.keep_alive must be at least 10 seconds (got %d)", c.MQTT.KeepAlive)
	}
	if strings.ContainsAny(c.MQTT.BaseTopic, "+#") || strings.ContainsAny(c.MQTT.DiscoveryPrefix, "+#") {
		return fmt.Errorf("mqtt topics must not contain wildcards")
	}
	return nil
}
