package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	mb "github.com/goburrow/modbus"
)

const defaultModbusTimeout = 3 * time.Second

// registerReader is the subset of [mb.Client] the Modbus drivers use.
type registerReader interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

// handlerWithConn is an [mb.ClientHandler] with an explicit connection
// lifecycle. Both the TCP and RTU handlers satisfy it.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// modbusLink describes how to reach one Modbus slave.
type modbusLink struct {
	protocol string // tcp | rtu
	target   string // host:port or serial device path
	slaveID  byte
	timeout  time.Duration
	baudRate int
	dataBits int
	stopBits int
	parity   string
}

// dialer opens a session to a Modbus slave. It is a field on the drivers so
// tests can substitute an in-memory reader.
type dialer func(link modbusLink) (registerReader, func() error, error)

// parseModbusLink reads the address and connection parameters shared by
// the probe and relay drivers.
//
// Accepted addresses:
//
//	tcp://host:port        Modbus TCP
//	host:port              Modbus TCP
//	rtu:///dev/ttyUSB0     Modbus RTU over a serial line
func parseModbusLink(deviceType, address string, p *params) (modbusLink, error) {
	link := modbusLink{
		slaveID:  byte(p.IntRange("slave_id", 1, 0, 247)),
		timeout:  p.Duration("timeout", defaultModbusTimeout),
		baudRate: p.IntRange("baud_rate", 19200, 1200, 921600),
		dataBits: p.IntRange("data_bits", 8, 5, 8),
		stopBits: p.IntRange("stop_bits", 1, 1, 2),
		parity:   p.OneOf("parity", "E", "N", "E", "O"),
	}
	if err := p.Err(); err != nil {
		return link, err
	}
	if link.timeout <= 0 {
		link.timeout = defaultModbusTimeout
	}

	address = strings.TrimSpace(address)
	if address == "" {
		return link, configErr(deviceType, "address", "is required")
	}

	scheme, rest, found := strings.Cut(address, "://")
	if !found {
		scheme, rest = "tcp", address
	}

	switch strings.ToLower(scheme) {
	case "tcp", "modbus-tcp":
		if !strings.Contains(rest, ":") {
			rest += ":502"
		}
		link.protocol, link.target = "tcp", rest
	case "rtu", "modbus-rtu":
		if rest == "" {
			return link, configErr(deviceType, "address", "serial port is required for rtu")
		}
		link.protocol, link.target = "rtu", rest
	default:
		return link, configErr(deviceType, "address", "unsupported scheme %q (expected tcp or rtu)", scheme)
	}
	return link, nil
}

// dialModbus connects to the slave described by link.
func dialModbus(link modbusLink) (registerReader, func() error, error) {
	var h handlerWithConn
	switch link.protocol {
	case "tcp":
		th := mb.NewTCPClientHandler(link.target)
		th.Timeout = link.timeout
		th.SlaveId = link.slaveID
		h = th
	case "rtu":
		rh := mb.NewRTUClientHandler(link.target)
		rh.BaudRate = link.baudRate
		rh.DataBits = link.dataBits
		rh.StopBits = link.stopBits
		rh.Parity = link.parity
		rh.Timeout = link.timeout
		rh.SlaveId = link.slaveID
		h = rh
	default:
		return nil, nil, fmt.Errorf("protocol %s not implemented", link.protocol)
	}

	if err := h.Connect(); err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", link.target, err)
	}
	return mb.NewClient(h), h.Close, nil
}

// withSession dials, runs fn and closes the session. The context is checked
// before dialing; the handler timeout bounds every read.
func withSession(ctx context.Context, dial dialer, link modbusLink, fn func(registerReader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, closeFn, err := dial(link)
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()
	return fn(client)
}

// registerPoint is one register-backed measurement.
type registerPoint struct {
	name         string
	address      uint16
	registerType string // holding | input
	dataType     string // int16 | uint16 | int32 | uint32 | float32
	byteOrder    string // ABCD | DCBA | BADC | CDAB
	scale        float64
	offset       float64
}

func (rp registerPoint) quantity() uint16 {
	switch rp.dataType {
	case "int32", "uint32", "float32":
		return 2
	default:
		return 1
	}
}

// read fetches and decodes the point.
func (rp registerPoint) read(client registerReader) (float64, error) {
	var (
		data []byte
		err  error
	)
	switch rp.registerType {
	case "input":
		data, err = client.ReadInputRegisters(rp.address, rp.quantity())
	default:
		data, err = client.ReadHoldingRegisters(rp.address, rp.quantity())
	}
	if err != nil {
		return 0, fmt.Errorf("read %s register %d: %w", rp.registerType, rp.address, err)
	}
	raw, err := decodeRegisters(data, rp.dataType, rp.byteOrder)
	if err != nil {
		return 0, fmt.Errorf("decode register %d: %w", rp.address, err)
	}
	return raw*rp.scale + rp.offset, nil
}

// parseRegisterPoint reads point settings from p, falling back to defaults
// for anything unset.
func parseRegisterPoint(p *params, name string, defaults registerPoint) registerPoint {
	return registerPoint{
		name:         name,
		address:      uint16(p.RequiredInt("register", 0, math.MaxUint16)),
		registerType: p.OneOf("register_type", defaults.registerType, "holding", "input"),
		dataType:     p.OneOf("data_type", defaults.dataType, "int16", "uint16", "int32", "uint32", "float32"),
		byteOrder:    p.OneOf("byte_order", defaults.byteOrder, "ABCD", "DCBA", "BADC", "CDAB"),
		scale:        p.Float("scale", defaults.scale),
		offset:       p.Float("offset", defaults.offset),
	}
}

// decodeRegisters converts raw register bytes into a number.
func decodeRegisters(data []byte, dataType, byteOrder string) (float64, error) {
	switch dataType {
	case "uint16":
		if len(data) < 2 {
			return 0, errors.New("insufficient data for uint16")
		}
		return float64(binary.BigEndian.Uint16(data[:2])), nil
	case "int16":
		if len(data) < 2 {
			return 0, errors.New("insufficient data for int16")
		}
		return float64(int16(binary.BigEndian.Uint16(data[:2]))), nil
	case "uint32":
		if len(data) < 4 {
			return 0, errors.New("insufficient data for uint32")
		}
		return float64(binary.BigEndian.Uint32(reorder32(data[:4], byteOrder))), nil
	case "int32":
		if len(data) < 4 {
			return 0, errors.New("insufficient data for int32")
		}
		return float64(int32(binary.BigEndian.Uint32(reorder32(data[:4], byteOrder)))), nil
	case "float32":
		if len(data) < 4 {
			return 0, errors.New("insufficient data for float32")
		}
		f := math.Float32frombits(binary.BigEndian.Uint32(reorder32(data[:4], byteOrder)))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return 0, fmt.Errorf("non-finite float32 value")
		}
		return float64(f), nil
	default:
		return 0, fmt.Errorf("unsupported data type: %s", dataType)
	}
}

// reorder32 returns the 4 bytes rearranged into ABCD order.
// "DCBA" reverses all bytes, "BADC" swaps bytes within each word and
// "CDAB" swaps the words.
func reorder32(in []byte, order string) []byte {
	var out [4]byte
	switch strings.ToUpper(strings.TrimSpace(order)) {
	case "DCBA":
		out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	case "BADC":
		out[0], out[1], out[2], out[3] = in[1], in[0], in[3], in[2]
	case "CDAB":
		out[0], out[1], out[2], out[3] = in[2], in[3], in[0], in[1]
	default:
		copy(out[:], in[:4])
	}
	return out[:]
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
