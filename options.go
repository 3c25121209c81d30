package devicepoll

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jpalmerr/devicepoll/device"
	"github.com/jpalmerr/devicepoll/driver"
)

// svcConfig holds mutable state during Service construction.
type svcConfig struct {
	port            int
	logger          *slog.Logger
	registry        *driver.Registry
	sqlitePath      string
	postgresDSN     string
	redisAddr       string
	mqtt            *mqttConfig
	refreshInterval time.Duration
	pollTimeout     time.Duration
	shutdownGrace   time.Duration
	recordFailures  bool
	retentionDays   int
	retentionCron   string
	devices         []device.Device
	pollCallbacks   []func(PollEvent)
}

type mqttConfig struct {
	broker      string
	clientID    string
	topicPrefix string
}

// Option is a function that configures a [Service] during construction.
//
// Option implements the functional options pattern, allowing optional
// configuration to be passed to [New] in a type-safe, extensible way.
// Options return an error if validation fails.
type Option func(*svcConfig) error

// WithPort sets the status API port. 0 disables the API.
// Defaults to 8080 if not specified.
//
// Returns an error if the port is outside the range 0-65535.
func WithPort(port int) Option {
	return func(cfg *svcConfig) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("port must be between 0 and 65535, got %d", port)
		}
		cfg.port = port
		return nil
	}
}

// WithLogger sets a custom [slog.Logger] for the Service and every
// component it starts. If not specified, [slog.Default] is used.
//
// Returns an error if the logger is nil.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *svcConfig) error {
		if logger == nil {
			return errors.New("logger cannot be nil")
		}
		cfg.logger = logger
		return nil
	}
}

// WithRegistry replaces the built-in driver registry. Use it to add
// drivers for custom hardware:
//
//	reg := driver.NewBuiltinRegistry()
//	reg.Register("my_meter", newMyMeter)
//	svc, err := devicepoll.New(devicepoll.WithRegistry(reg))
func WithRegistry(reg *driver.Registry) Option {
	return func(cfg *svcConfig) error {
		if reg == nil {
			return errors.New("registry cannot be nil")
		}
		cfg.registry = reg
		return nil
	}
}

// WithSQLite keeps devices and history in the SQLite database at path.
// Without it both live in memory and are lost on exit.
func WithSQLite(path string) Option {
	return func(cfg *svcConfig) error {
		if strings.TrimSpace(path) == "" {
			return errors.New("sqlite path cannot be empty")
		}
		cfg.sqlitePath = path
		return nil
	}
}

// WithPostgresHistory stores history in Postgres instead of the device
// store. The device table stays where [WithSQLite] puts it.
func WithPostgresHistory(dsn string) Option {
	return func(cfg *svcConfig) error {
		if strings.TrimSpace(dsn) == "" {
			return errors.New("postgres dsn cannot be empty")
		}
		cfg.postgresDSN = dsn
		return nil
	}
}

// WithRedisCache caches the latest record of each device in Redis at addr
// (host:port). Cache failures never fail a poll.
func WithRedisCache(addr string) Option {
	return func(cfg *svcConfig) error {
		if strings.TrimSpace(addr) == "" {
			return errors.New("redis address cannot be empty")
		}
		cfg.redisAddr = addr
		return nil
	}
}

// WithMQTT publishes every persisted record to "<topicPrefix>/<device_id>"
// on broker.
func WithMQTT(broker, clientID, topicPrefix string) Option {
	return func(cfg *svcConfig) error {
		if strings.TrimSpace(broker) == "" {
			return errors.New("mqtt broker cannot be empty")
		}
		if clientID == "" {
			clientID = "devicepoll"
		}
		if topicPrefix == "" {
			topicPrefix = "devicepoll/history"
		}
		cfg.mqtt = &mqttConfig{broker: broker, clientID: clientID, topicPrefix: topicPrefix}
		return nil
	}
}

// WithRefreshInterval sets how often polling timers are reconciled with
// the device table. Defaults to 2 minutes.
//
// Returns an error if the duration is zero or negative.
func WithRefreshInterval(d time.Duration) Option {
	return func(cfg *svcConfig) error {
		if d <= 0 {
			return errors.New("refresh interval must be positive")
		}
		cfg.refreshInterval = d
		return nil
	}
}

// WithPollTimeout bounds every poll. Defaults to 10 seconds.
//
// Returns an error if the duration is zero or negative.
func WithPollTimeout(d time.Duration) Option {
	return func(cfg *svcConfig) error {
		if d <= 0 {
			return errors.New("poll timeout must be positive")
		}
		cfg.pollTimeout = d
		return nil
	}
}

// WithShutdownGrace sets how long in-flight polls may finish after
// shutdown starts. Defaults to 5 seconds.
func WithShutdownGrace(d time.Duration) Option {
	return func(cfg *svcConfig) error {
		if d < 0 {
			return errors.New("shutdown grace cannot be negative")
		}
		cfg.shutdownGrace = d
		return nil
	}
}

// WithFailureRecords also appends a history record, with no value and the
// error in its metadata, for every failed poll.
func WithFailureRecords(enabled bool) Option {
	return func(cfg *svcConfig) error {
		cfg.recordFailures = enabled
		return nil
	}
}

// WithRetention keeps days of history, pruned on schedule (a cron
// expression or descriptor such as "@daily"). Defaults to 30 days daily.
func WithRetention(days int, schedule string) Option {
	return func(cfg *svcConfig) error {
		if days < 1 {
			return fmt.Errorf("retention days must be at least 1, got %d", days)
		}
		cfg.retentionDays = days
		if schedule != "" {
			cfg.retentionCron = schedule
		}
		return nil
	}
}

// WithDevice adds a device that is upserted into the device table when the
// Service starts. Can be called multiple times.
func WithDevice(d device.Device) Option {
	return func(cfg *svcConfig) error {
		cfg.devices = append(cfg.devices, d.Clone())
		return nil
	}
}

// WithDevices adds multiple devices. Equivalent to calling [WithDevice]
// for each.
func WithDevices(devices ...device.Device) Option {
	return func(cfg *svcConfig) error {
		for _, d := range devices {
			cfg.devices = append(cfg.devices, d.Clone())
		}
		return nil
	}
}

// WithPollCallback registers a function to be called on every completed
// poll.
//
// Multiple callbacks may be registered; they execute in registration order.
//
// IMPORTANT: Callbacks must be non-blocking. Long-running operations should
// dispatch work to a separate goroutine. Blocking callbacks will delay
// subsequent poll event processing.
//
// Callbacks are invoked synchronously from a single goroutine. Panics within
// callbacks are recovered and logged; they do not stop polling.
//
// Nil callbacks are silently ignored.
func WithPollCallback(cb func(PollEvent)) Option {
	return func(cfg *svcConfig) error {
		if cb == nil {
			return nil
		}
		cfg.pollCallbacks = append(cfg.pollCallbacks, cb)
		return nil
	}
}
