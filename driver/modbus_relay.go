package driver

import (
	"context"
	"fmt"
	"math"

	"github.com/jpalmerr/devicepoll/device"
)

// TypeModbusRelay is the registry tag of the Modbus relay driver.
const TypeModbusRelay = "modbus_relay"

// ModbusRelay reports the state of a relay outlet exposed as a coil (or a
// discrete input). The value is 1 when the relay is energised and 0 when it
// is not; the "state" metadata key carries the textual state.
type ModbusRelay struct {
	spec         Spec
	link         modbusLink
	coil         uint16
	registerType string // coil | discrete
	invert       bool
	dial         dialer
}

// NewModbusRelay is the [Constructor] for [TypeModbusRelay].
func NewModbusRelay(spec Spec) (Driver, error) {
	p := newParams(TypeModbusRelay, spec.Config)
	link, err := parseModbusLink(TypeModbusRelay, spec.Address, p)
	if err != nil {
		return nil, err
	}
	relay := &ModbusRelay{
		spec:         spec,
		link:         link,
		coil:         uint16(p.RequiredInt("coil", 0, math.MaxUint16)),
		registerType: p.OneOf("register_type", "coil", "coil", "discrete"),
		invert:       p.Bool("invert", false),
		dial:         dialModbus,
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	return relay, nil
}

// Poll implements [Driver].
func (r *ModbusRelay) Poll(ctx context.Context) device.PollResult {
	var on bool
	err := withSession(ctx, r.dial, r.link, func(client registerReader) error {
		var (
			data []byte
			err  error
		)
		if r.registerType == "discrete" {
			data, err = client.ReadDiscreteInputs(r.coil, 1)
		} else {
			data, err = client.ReadCoils(r.coil, 1)
		}
		if err != nil {
			return fmt.Errorf("read %s %d: %w", r.registerType, r.coil, err)
		}
		if len(data) == 0 {
			return fmt.Errorf("read %s %d: empty response", r.registerType, r.coil)
		}
		on = data[0]&0x01 == 0x01
		return nil
	})
	if err != nil {
		return device.Failure(err)
	}

	if r.invert {
		on = !on
	}
	state := "off"
	if on {
		state = "on"
	}

	return device.Success(boolToFloat(on), map[string]string{
		"unit":             "on/off",
		"measurement_type": "relay_state",
		"state":            state,
	})
}

// TestConnection implements [Driver] by opening and closing a session.
func (r *ModbusRelay) TestConnection(ctx context.Context) bool {
	err := withSession(ctx, r.dial, r.link, func(registerReader) error { return nil })
	return err == nil
}
