// Package devicepoll samples hardware devices on independent schedules and
// keeps every sample as time-series history.
//
// Temperature probes, humidity sensors, relay outlets and similar devices
// are described by rows in a device table. Each schedulable device gets its
// own timer; a slow or broken device never delays the others.
//
// # Quick Start
//
// Describe devices and start the service with graceful shutdown:
//
//	probe := device.Device{
//	    ID:           1,
//	    Name:         "Greenhouse probe",
//	    DeviceType:   driver.TypeModbusProbe,
//	    Address:      "tcp://10.0.0.5:502",
//	    PollEnabled:  true,
//	    IsActive:     true,
//	    PollInterval: 30,
//	    Unit:         "C",
//	    Config:       map[string]any{"slave_id": 1, "register": 0, "scale": 0.1},
//	}
//
//	svc, _ := devicepoll.New(
//	    devicepoll.WithSQLite("devicepoll.db"),
//	    devicepoll.WithDevice(probe),
//	)
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	svc.Start(ctx) // blocks until context is cancelled
//
// # Drivers
//
// A driver performs one hardware interaction per poll. Drivers are built
// from the device type through a [driver.Registry]; the built-in registry
// covers Modbus probes and relays, host sensors, HTTP JSON sensors and a
// simulated signal. Register custom types with [WithRegistry].
//
// # Storage
//
// Devices and history live in memory by default, or in SQLite with
// [WithSQLite]. History can move to Postgres with [WithPostgresHistory],
// and the latest reading of each device can be cached in Redis with
// [WithRedisCache]. History older than the retention window is pruned on a
// cron schedule ([WithRetention]).
//
// # Architecture
//
// devicepoll consists of several internal packages (under internal/):
//
//   - internal/poller: per-device scheduler and retention sweeper
//   - internal/store: device table and history backends
//   - internal/server: status API with Server-Sent Events
//   - internal/publish: MQTT publishing of persisted records
//
// The internal packages are not part of the public API and may change
// without notice.
package devicepoll
