// Package config provides YAML configuration parsing for devicepoll.
//
// This package enables running devicepoll as a standalone binary with a
// configuration file, as an alternative to wiring a [devicepoll.Service]
// in code.
//
// Example configuration:
//
//	port: 8080
//	refresh_interval: 2m
//	poll_timeout: 10s
//
//	retention:
//	  days: 30
//	  schedule: "@daily"
//
//	store:
//	  driver: sqlite
//	  dsn: devicepoll.db
//
//	history:
//	  driver: postgres
//	  dsn: ${HISTORY_DSN}
//
//	devices:
//	  - id: 1
//	    name: Greenhouse probe
//	    device_type: modbus_probe
//	    address: tcp://10.0.0.5:502
//	    poll_interval: 30
//	    unit: C
//	    config: { slave_id: 1, register: 0, data_type: int16, scale: 0.1 }
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/jpalmerr/devicepoll/device"
)

const (
	defaultPort            = 8080
	defaultRefreshInterval = 2 * time.Minute
	defaultPollTimeout     = 10 * time.Second
	defaultShutdownGrace   = 5 * time.Second
	defaultRetentionDays   = 30
	defaultRetentionCron   = "@daily"
	defaultStoreDSN        = "devicepoll.db"
	defaultMQTTClientID    = "devicepoll"
	defaultMQTTTopicPrefix = "devicepoll/history"

	// defaultPollInterval applies to devices that omit poll_interval.
	defaultPollInterval = 60
)

// minRefreshInterval keeps reconciliation from hammering the device table.
const minRefreshInterval = 1 * time.Second

// Store drivers.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// HistoryPostgres selects a separate Postgres history backend.
const HistoryPostgres = "postgres"

// Config is the root configuration structure for devicepoll.
//
// It maps directly to the YAML configuration file structure.
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Port is the status API port. Defaults to 8080; 0 disables the API.
	Port int `yaml:"port"`

	// RefreshInterval is how often timers are reconciled with the device
	// table. Defaults to 2m.
	RefreshInterval Duration `yaml:"refresh_interval"`

	// PollTimeout bounds every poll. Defaults to 10s.
	PollTimeout Duration `yaml:"poll_timeout"`

	// ShutdownGrace is how long in-flight polls may run after shutdown
	// starts. Defaults to 5s.
	ShutdownGrace Duration `yaml:"shutdown_grace"`

	// RecordFailures also appends a history record for failed polls.
	RecordFailures bool `yaml:"record_failures"`

	Retention RetentionConfig `yaml:"retention"`
	Store     StoreConfig     `yaml:"store"`
	History   HistoryConfig   `yaml:"history"`
	Cache     CacheConfig     `yaml:"cache"`
	MQTT      MQTTConfig      `yaml:"mqtt"`

	// Devices are upserted into the device table at startup.
	Devices []DeviceConfig `yaml:"devices"`
}

// RetentionConfig controls history pruning.
type RetentionConfig struct {
	// Days of history to keep. Defaults to 30.
	Days int `yaml:"days"`

	// Schedule is a cron expression or descriptor. Defaults to "@daily".
	Schedule string `yaml:"schedule"`
}

// StoreConfig selects the device table backend.
type StoreConfig struct {
	// Driver is "sqlite" (default) or "memory".
	Driver string `yaml:"driver"`

	// DSN is the SQLite file path. Supports environment variable
	// substitution: ${VAR} or ${VAR:-default}
	DSN string `yaml:"dsn"`
}

// HistoryConfig optionally moves history to a separate backend.
type HistoryConfig struct {
	// Driver is empty to keep history in the device store, or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
}

// CacheConfig enables the Redis latest-value cache.
type CacheConfig struct {
	// RedisAddr is host:port; empty disables the cache.
	RedisAddr string `yaml:"redis_addr"`
}

// MQTTConfig enables publishing persisted records.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883; empty disables
	// publishing.
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// DeviceConfig defines one device.
type DeviceConfig struct {
	// ID is optional; devices without one are assigned an ID on insert,
	// so they are inserted again on every start.
	ID int64 `yaml:"id"`

	Name       string `yaml:"name"`
	DeviceType string `yaml:"device_type"`

	// Address supports environment variable substitution.
	Address string `yaml:"address"`

	// PollInterval is in seconds. Defaults to 60.
	PollInterval int `yaml:"poll_interval"`

	// PollEnabled defaults to true.
	PollEnabled *bool `yaml:"poll_enabled"`

	// Active defaults to true.
	Active *bool `yaml:"is_active"`

	Unit     string         `yaml:"unit"`
	MinValue *float64       `yaml:"min_value"`
	MaxValue *float64       `yaml:"max_value"`
	Config   map[string]any `yaml:"config"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// already have an error, skip processing
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// Load reads and parses a YAML configuration file.
//
// Environment variables in DSNs, addresses and string device config values
// are expanded after parsing. Returns an error if the file cannot be read
// or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Keys absent from data keep their defaults, so an explicit "port: 0"
// disables the API while an omitted port serves on 8080.
func Parse(data []byte) (*Config, error) {
	cfg := Config{
		Port:            defaultPort,
		RefreshInterval: Duration(defaultRefreshInterval),
		PollTimeout:     Duration(defaultPollTimeout),
		ShutdownGrace:   Duration(defaultShutdownGrace),
		Retention:       RetentionConfig{Days: defaultRetentionDays, Schedule: defaultRetentionCron},
		Store:           StoreConfig{Driver: StoreSQLite, DSN: defaultStoreDSN},
		MQTT:            MQTTConfig{ClientID: defaultMQTTClientID, TopicPrefix: defaultMQTTTopicPrefix},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535, got %d", c.Port)
	}
	if c.RefreshInterval.Duration() < minRefreshInterval {
		return fmt.Errorf("refresh_interval must be at least %s, got %s", minRefreshInterval, c.RefreshInterval.Duration())
	}
	if c.PollTimeout.Duration() <= 0 {
		return fmt.Errorf("poll_timeout must be positive, got %s", c.PollTimeout.Duration())
	}
	if c.ShutdownGrace.Duration() < 0 {
		return fmt.Errorf("shutdown_grace cannot be negative, got %s", c.ShutdownGrace.Duration())
	}

	if c.Retention.Days < 1 {
		return fmt.Errorf("retention.days must be at least 1, got %d", c.Retention.Days)
	}
	if c.Retention.Schedule == "" {
		c.Retention.Schedule = defaultRetentionCron
	}
	if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
		return fmt.Errorf("retention.schedule: invalid schedule %q: %w", c.Retention.Schedule, err)
	}

	if err := c.validateBackends(); err != nil {
		return err
	}

	ids := make(map[int64]int, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		if err := d.expandAndValidate(); err != nil {
			if d.Name == "" {
				return fmt.Errorf("devices[%d]: %w", i, err)
			}
			return fmt.Errorf("devices[%d] (%s): %w", i, d.Name, err)
		}
		if d.ID != 0 {
			if prev, dup := ids[d.ID]; dup {
				return fmt.Errorf("devices[%d] (%s): duplicate id %d (also devices[%d])", i, d.Name, d.ID, prev)
			}
			ids[d.ID] = i
		}
	}

	return nil
}

func (c *Config) validateBackends() error {
	var err error

	switch c.Store.Driver {
	case "", StoreSQLite:
		c.Store.Driver = StoreSQLite
		if c.Store.DSN, err = expandEnvVars(c.Store.DSN); err != nil {
			return fmt.Errorf("store.dsn: %w", err)
		}
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", StoreSQLite)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", StoreSQLite, StoreMemory, c.Store.Driver)
	}

	switch c.History.Driver {
	case "":
	case HistoryPostgres:
		if c.History.DSN, err = expandEnvVars(c.History.DSN); err != nil {
			return fmt.Errorf("history.dsn: %w", err)
		}
		if c.History.DSN == "" {
			return fmt.Errorf("history.dsn is required for driver %q", HistoryPostgres)
		}
	default:
		return fmt.Errorf("history.driver must be empty or %q, got %q", HistoryPostgres, c.History.Driver)
	}

	if c.Cache.RedisAddr, err = expandEnvVars(c.Cache.RedisAddr); err != nil {
		return fmt.Errorf("cache.redis_addr: %w", err)
	}

	if c.MQTT.Broker, err = expandEnvVars(c.MQTT.Broker); err != nil {
		return fmt.Errorf("mqtt.broker: %w", err)
	}
	if c.MQTT.Broker != "" {
		if !strings.Contains(c.MQTT.Broker, "://") {
			return fmt.Errorf("mqtt.broker must be a URL such as tcp://host:1883, got %q", c.MQTT.Broker)
		}
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = defaultMQTTClientID
		}
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = defaultMQTTTopicPrefix
		}
	}
	return nil
}

func (d *DeviceConfig) expandAndValidate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.TrimSpace(d.DeviceType) == "" {
		return fmt.Errorf("device_type is required")
	}
	if d.ID < 0 {
		return fmt.Errorf("id cannot be negative, got %d", d.ID)
	}

	expanded, err := expandEnvVars(d.Address)
	if err != nil {
		return fmt.Errorf("address: %w", err)
	}
	d.Address = expanded

	for k, v := range d.Config {
		s, ok := v.(string)
		if !ok {
			continue
		}
		expanded, err := expandEnvVars(s)
		if err != nil {
			return fmt.Errorf("config[%s]: %w", k, err)
		}
		d.Config[k] = expanded
	}

	if d.PollInterval == 0 {
		d.PollInterval = defaultPollInterval
	}
	if d.PollInterval < 1 {
		return fmt.Errorf("poll_interval must be at least 1, got %d", d.PollInterval)
	}
	if err := device.ValidateUnit(d.Unit); err != nil {
		return err
	}
	if d.MinValue != nil && d.MaxValue != nil && *d.MinValue > *d.MaxValue {
		return fmt.Errorf("min_value %g exceeds max_value %g", *d.MinValue, *d.MaxValue)
	}
	return nil
}

// Device converts the entry to a [device.Device].
func (d DeviceConfig) Device() device.Device {
	return device.Device{
		ID:           d.ID,
		Name:         d.Name,
		DeviceType:   d.DeviceType,
		Address:      d.Address,
		PollEnabled:  boolOr(d.PollEnabled, true),
		PollInterval: d.PollInterval,
		Unit:         d.Unit,
		MinValue:     d.MinValue,
		MaxValue:     d.MaxValue,
		Config:       device.CloneConfig(d.Config),
		IsActive:     boolOr(d.Active, true),
	}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
