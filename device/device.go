package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxUnitLength is the longest unit string a [Device] may carry.
const MaxUnitLength = 20

// KnownUnits is the set of units accepted by [ValidateUnit].
//
// The empty string is accepted for devices that report dimensionless values
// such as relay state.
var KnownUnits = map[string]struct{}{
	"":       {},
	"C":      {},
	"F":      {},
	"K":      {},
	"%":      {},
	"%RH":    {},
	"V":      {},
	"mV":     {},
	"A":      {},
	"mA":     {},
	"W":      {},
	"kW":     {},
	"kWh":    {},
	"Hz":     {},
	"Pa":     {},
	"hPa":    {},
	"kPa":    {},
	"bar":    {},
	"ppm":    {},
	"lux":    {},
	"m/s":    {},
	"l/min":  {},
	"on/off": {},
}

// ErrInvalidDevice is wrapped by every error returned from [Device.Validate].
var ErrInvalidDevice = errors.New("invalid device")

// Device is the configuration and live status of one polled device.
//
// ID is immutable once assigned. LastPolled and LastError are status fields
// written only by the scheduler; every other field is configuration owned by
// whatever edits the device table.
type Device struct {
	ID           int64
	Name         string
	DeviceType   string
	Address      string
	PollEnabled  bool
	PollInterval int // seconds
	Unit         string
	MinValue     *float64
	MaxValue     *float64
	Config       map[string]any
	IsActive     bool
	LastPolled   *time.Time
	LastError    *string
}

// Schedulable reports whether the device should own a polling timer.
func (d Device) Schedulable() bool {
	return d.PollEnabled && d.IsActive
}

// Interval returns PollInterval as a [time.Duration].
func (d Device) Interval() time.Duration {
	return time.Duration(d.PollInterval) * time.Second
}

// Validate checks the configuration invariants of d.
func (d Device) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDevice)
	}
	if strings.TrimSpace(d.DeviceType) == "" {
		return fmt.Errorf("%w (%s): device_type is required", ErrInvalidDevice, d.Name)
	}
	if d.PollInterval < 1 {
		return fmt.Errorf("%w (%s): poll_interval must be at least 1, got %d", ErrInvalidDevice, d.Name, d.PollInterval)
	}
	if err := ValidateUnit(d.Unit); err != nil {
		return fmt.Errorf("%w (%s): %v", ErrInvalidDevice, d.Name, err)
	}
	if d.MinValue != nil && d.MaxValue != nil && *d.MinValue > *d.MaxValue {
		return fmt.Errorf("%w (%s): min_value %g exceeds max_value %g", ErrInvalidDevice, d.Name, *d.MinValue, *d.MaxValue)
	}
	return nil
}

// ValidateUnit checks unit against the length limit and [KnownUnits].
func ValidateUnit(unit string) error {
	if len(unit) > MaxUnitLength {
		return fmt.Errorf("unit %q exceeds %d characters", unit, MaxUnitLength)
	}
	if _, ok := KnownUnits[unit]; !ok {
		return fmt.Errorf("unknown unit %q", unit)
	}
	return nil
}

// Clone returns a deep copy of d so callers can hand it across goroutines.
func (d Device) Clone() Device {
	cp := d
	cp.Config = CloneConfig(d.Config)
	if d.MinValue != nil {
		v := *d.MinValue
		cp.MinValue = &v
	}
	if d.MaxValue != nil {
		v := *d.MaxValue
		cp.MaxValue = &v
	}
	if d.LastPolled != nil {
		t := *d.LastPolled
		cp.LastPolled = &t
	}
	if d.LastError != nil {
		s := *d.LastError
		cp.LastError = &s
	}
	return cp
}

// CloneConfig copies a driver config map. Nested values are shared.
func CloneConfig(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// deviceJSON is the interchange shape of a [Device].
type deviceJSON struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	DeviceType   string         `json:"device_type"`
	Address      string         `json:"address"`
	PollEnabled  bool           `json:"poll_enabled"`
	PollInterval int            `json:"poll_interval"`
	Unit         string         `json:"unit"`
	MinValue     *float64       `json:"min_value"`
	MaxValue     *float64       `json:"max_value"`
	Config       map[string]any `json:"config"`
	IsActive     bool           `json:"is_active"`
	LastPolled   *string        `json:"last_polled"`
	LastError    *string        `json:"last_error"`
}

// MarshalJSON implements json.Marshaler.
func (d Device) MarshalJSON() ([]byte, error) {
	return json.Marshal(deviceJSON{
		ID:           d.ID,
		Name:         d.Name,
		DeviceType:   d.DeviceType,
		Address:      d.Address,
		PollEnabled:  d.PollEnabled,
		PollInterval: d.PollInterval,
		Unit:         d.Unit,
		MinValue:     d.MinValue,
		MaxValue:     d.MaxValue,
		Config:       d.Config,
		IsActive:     d.IsActive,
		LastPolled:   formatOptional(d.LastPolled),
		LastError:    d.LastError,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Device) UnmarshalJSON(data []byte) error {
	var raw deviceJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	lastPolled, err := parseOptional(raw.LastPolled)
	if err != nil {
		return fmt.Errorf("last_polled: %w", err)
	}
	*d = Device{
		ID:           raw.ID,
		Name:         raw.Name,
		DeviceType:   raw.DeviceType,
		Address:      raw.Address,
		PollEnabled:  raw.PollEnabled,
		PollInterval: raw.PollInterval,
		Unit:         raw.Unit,
		MinValue:     raw.MinValue,
		MaxValue:     raw.MaxValue,
		Config:       raw.Config,
		IsActive:     raw.IsActive,
		LastPolled:   lastPolled,
		LastError:    raw.LastError,
	}
	return nil
}
