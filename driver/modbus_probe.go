package driver

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jpalmerr/devicepoll/device"
)

// TypeModbusProbe is the registry tag of the Modbus probe driver.
const TypeModbusProbe = "modbus_probe"

// ModbusProbe reads temperature, humidity or any other analogue measurement
// from Modbus holding or input registers.
//
// A probe either reads a single point (register, register_type, data_type,
// byte_order, scale, offset at the top level of the config) and reports a
// numeric value, or reads a list of named points and reports a payload:
//
//	config:
//	  slave_id: 3
//	  points:
//	    - { name: temperature, register: 0, data_type: int16, scale: 0.1 }
//	    - { name: humidity,    register: 1, data_type: uint16, scale: 0.1 }
type ModbusProbe struct {
	spec            Spec
	link            modbusLink
	points          []registerPoint
	multi           bool
	unit            string
	measurementType string
	dial            dialer
}

// NewModbusProbe is the [Constructor] for [TypeModbusProbe].
func NewModbusProbe(spec Spec) (Driver, error) {
	p := newParams(TypeModbusProbe, spec.Config)
	link, err := parseModbusLink(TypeModbusProbe, spec.Address, p)
	if err != nil {
		return nil, err
	}

	defaults := registerPoint{
		registerType: p.OneOf("register_type", "holding", "holding", "input"),
		dataType:     p.OneOf("data_type", "int16", "int16", "uint16", "int32", "uint32", "float32"),
		byteOrder:    p.OneOf("byte_order", "ABCD", "ABCD", "DCBA", "BADC", "CDAB"),
		scale:        p.Float("scale", 1),
		offset:       p.Float("offset", 0),
	}

	probe := &ModbusProbe{
		spec:            spec,
		link:            link,
		unit:            p.String("unit", ""),
		measurementType: p.String("measurement_type", "temperature"),
		dial:            dialModbus,
	}

	if items := p.List("points"); len(items) > 0 {
		probe.multi = true
		seen := make(map[string]struct{}, len(items))
		for i, item := range items {
			pp := newParams(TypeModbusProbe, item)
			name := pp.String("name", "")
			if name == "" {
				name = "point" + strconv.Itoa(i)
			}
			if _, dup := seen[name]; dup {
				return nil, configErr(TypeModbusProbe, fmt.Sprintf("points[%d]", i), "duplicate point name %q", name)
			}
			seen[name] = struct{}{}
			point := parseRegisterPoint(pp, name, defaults)
			if err := pp.Err(); err != nil {
				return nil, fmt.Errorf("points[%d]: %w", i, err)
			}
			probe.points = append(probe.points, point)
		}
	} else {
		probe.points = []registerPoint{parseRegisterPoint(p, probe.measurementType, defaults)}
	}

	if err := p.Err(); err != nil {
		return nil, err
	}
	return probe, nil
}

// Poll implements [Driver].
func (m *ModbusProbe) Poll(ctx context.Context) device.PollResult {
	values := make(map[string]any, len(m.points))
	var single float64

	err := withSession(ctx, m.dial, m.link, func(client registerReader) error {
		for _, pt := range m.points {
			if err := ctx.Err(); err != nil {
				return err
			}
			v, err := pt.read(client)
			if err != nil {
				return fmt.Errorf("point %s: %w", pt.name, err)
			}
			values[pt.name] = v
			single = v
		}
		return nil
	})
	if err != nil {
		return device.Failure(err)
	}

	meta := map[string]string{
		"unit":             m.unit,
		"measurement_type": m.measurementType,
		"slave_id":         strconv.Itoa(int(m.link.slaveID)),
	}
	if m.multi {
		return device.SuccessPayload(values, meta)
	}
	return device.Success(single, meta)
}

// TestConnection implements [Driver] by opening and closing a session.
func (m *ModbusProbe) TestConnection(ctx context.Context) bool {
	err := withSession(ctx, m.dial, m.link, func(registerReader) error { return nil })
	return err == nil
}
