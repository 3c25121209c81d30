// Package driver defines the device driver capability and the registry that
// maps a device-type tag to a driver constructor.
//
// A [Driver] performs exactly one hardware interaction per [Driver.Poll]
// call and never panics or returns an error: every failure is folded into a
// failed [device.PollResult]. Constructors validate the device's opaque
// config map up front and fail with a [*ConfigError] rather than failing
// silently at the first poll.
//
// Built-in device families are registered by [RegisterBuiltins]:
//
//   - "modbus_probe": temperature/humidity probes read over Modbus TCP or RTU
//   - "modbus_relay": relay outlets whose state is read from a coil
//   - "host": host sensors (cpu, memory, disk, temperature)
//   - "simulated": deterministic signal generator for demos and tests
//
// Additional device types are added with [Registry.Register]:
//
//	reg := driver.NewBuiltinRegistry()
//	err := reg.Register("bme280", func(spec driver.Spec) (driver.Driver, error) {
//	    return newBME280(spec)
//	})
package driver
