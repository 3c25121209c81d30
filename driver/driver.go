package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/jpalmerr/devicepoll/device"
)

var (
	// ErrUnknownDeviceType is returned when no constructor is registered for
	// a device type.
	ErrUnknownDeviceType = errors.New("unknown device type")

	// ErrDuplicateType is returned when a device type is registered twice
	// without an explicit override.
	ErrDuplicateType = errors.New("device type already registered")

	// ErrInvalidConfig is matched by every [*ConfigError].
	ErrInvalidConfig = errors.New("invalid driver config")
)

// Driver is the capability implemented once per device family.
type Driver interface {
	// Poll performs one hardware read and reports its outcome. Poll must
	// not panic; failures are returned as a result with Success=false.
	// Implementations bound their own blocking I/O and honour ctx.
	Poll(ctx context.Context) device.PollResult

	// TestConnection is a short, read-only reachability probe. All errors
	// are reported as false.
	TestConnection(ctx context.Context) bool
}

// Spec carries the device attributes a constructor receives.
type Spec struct {
	DeviceID int64
	Name     string
	Address  string
	Config   map[string]any
}

// SpecFor builds a [Spec] from a device row.
func SpecFor(d device.Device) Spec {
	return Spec{
		DeviceID: d.ID,
		Name:     d.Name,
		Address:  d.Address,
		Config:   device.CloneConfig(d.Config),
	}
}

// Constructor builds a [Driver] for one device. It must validate spec and
// return a [*ConfigError] for unusable configuration.
type Constructor func(spec Spec) (Driver, error)

// ConfigError reports a device configuration a driver cannot use.
type ConfigError struct {
	// DeviceType is the registry tag of the rejecting driver.
	DeviceType string

	// Field is the config key (or "address") that failed validation.
	Field string

	// Err describes the problem.
	Err error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: invalid config: %v", e.DeviceType, e.Err)
	}
	return fmt.Sprintf("%s: invalid config %q: %v", e.DeviceType, e.Field, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Is reports whether target is [ErrInvalidConfig].
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func configErr(deviceType, field, format string, args ...any) *ConfigError {
	return &ConfigError{DeviceType: deviceType, Field: field, Err: fmt.Errorf(format, args...)}
}
