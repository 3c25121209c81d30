package config

import (
	"github.com/jpalmerr/devicepoll"
	"github.com/jpalmerr/devicepoll/device"
)

// BuildDevices converts the configured devices into [device.Device] values
// in file order.
func BuildDevices(cfg *Config) []device.Device {
	devices := make([]device.Device, 0, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		devices = append(devices, dc.Device())
	}
	return devices
}

// BuildOptions converts parsed configuration into [devicepoll.Option]
// values. Callers append their own options, such as a logger.
func BuildOptions(cfg *Config) []devicepoll.Option {
	opts := []devicepoll.Option{
		devicepoll.WithPort(cfg.Port),
		devicepoll.WithRefreshInterval(cfg.RefreshInterval.Duration()),
		devicepoll.WithPollTimeout(cfg.PollTimeout.Duration()),
		devicepoll.WithShutdownGrace(cfg.ShutdownGrace.Duration()),
		devicepoll.WithFailureRecords(cfg.RecordFailures),
		devicepoll.WithRetention(cfg.Retention.Days, cfg.Retention.Schedule),
	}

	if cfg.Store.Driver == StoreSQLite {
		opts = append(opts, devicepoll.WithSQLite(cfg.Store.DSN))
	}
	if cfg.History.Driver == HistoryPostgres {
		opts = append(opts, devicepoll.WithPostgresHistory(cfg.History.DSN))
	}
	if cfg.Cache.RedisAddr != "" {
		opts = append(opts, devicepoll.WithRedisCache(cfg.Cache.RedisAddr))
	}
	if cfg.MQTT.Broker != "" {
		opts = append(opts, devicepoll.WithMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.TopicPrefix))
	}

	if devices := BuildDevices(cfg); len(devices) > 0 {
		opts = append(opts, devicepoll.WithDevices(devices...))
	}
	return opts
}
