package driver

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"
)

// fakeSlave is an in-memory Modbus slave.
type fakeSlave struct {
	holding map[uint16]uint16
	input   map[uint16]uint16
	coils   map[uint16]bool
	err     error
	dials   int
	closes  int
}

func (f *fakeSlave) registers(bank map[uint16]uint16, address, quantity uint16) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]byte, 0, quantity*2)
	for i := uint16(0); i < quantity; i++ {
		out = binary.BigEndian.AppendUint16(out, bank[address+i])
	}
	return out, nil
}

func (f *fakeSlave) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	return f.registers(f.holding, address, quantity)
}

func (f *fakeSlave) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	return f.registers(f.input, address, quantity)
}

func (f *fakeSlave) ReadCoils(address, quantity uint16) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.coils[address] {
		return []byte{0x01}, nil
	}
	return []byte{0x00}, nil
}

func (f *fakeSlave) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	return f.ReadCoils(address, quantity)
}

func (f *fakeSlave) dialer() dialer {
	return func(modbusLink) (registerReader, func() error, error) {
		f.dials++
		return f, func() error { f.closes++; return nil }, nil
	}
}

func TestDecodeRegisters(t *testing.T) {
	f32 := math.Float32bits(23.5)
	abcd := binary.BigEndian.AppendUint32(nil, f32)

	tests := []struct {
		name      string
		data      []byte
		dataType  string
		byteOrder string
		want      float64
		wantErr   bool
	}{
		{name: "uint16", data: []byte{0x01, 0x00}, dataType: "uint16", want: 256},
		{name: "int16 negative", data: []byte{0xFF, 0xFE}, dataType: "int16", want: -2},
		{name: "uint32 ABCD", data: []byte{0x00, 0x01, 0x00, 0x00}, dataType: "uint32", byteOrder: "ABCD", want: 65536},
		{name: "uint32 CDAB", data: []byte{0x00, 0x00, 0x00, 0x01}, dataType: "uint32", byteOrder: "CDAB", want: 65536},
		{name: "int32 DCBA", data: []byte{0xFE, 0xFF, 0xFF, 0xFF}, dataType: "int32", byteOrder: "DCBA", want: -2},
		{name: "float32 ABCD", data: abcd, dataType: "float32", byteOrder: "ABCD", want: 23.5},
		{name: "float32 BADC", data: []byte{abcd[1], abcd[0], abcd[3], abcd[2]}, dataType: "float32", byteOrder: "BADC", want: 23.5},
		{name: "short data", data: []byte{0x01}, dataType: "uint16", wantErr: true},
		{name: "short 32-bit", data: []byte{0x01, 0x02}, dataType: "float32", wantErr: true},
		{name: "unknown type", data: []byte{0x00, 0x00}, dataType: "bcd", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeRegisters(tt.data, tt.dataType, tt.byteOrder)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeRegisters() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("decodeRegisters() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseModbusLink(t *testing.T) {
	tests := []struct {
		address      string
		wantProtocol string
		wantTarget   string
		wantErr      string
	}{
		{address: "tcp://10.0.0.5:1502", wantProtocol: "tcp", wantTarget: "10.0.0.5:1502"},
		{address: "10.0.0.5", wantProtocol: "tcp", wantTarget: "10.0.0.5:502"},
		{address: "rtu:///dev/ttyUSB0", wantProtocol: "rtu", wantTarget: "/dev/ttyUSB0"},
		{address: "", wantErr: "is required"},
		{address: "rtu://", wantErr: "serial port is required"},
		{address: "udp://1.2.3.4:502", wantErr: "unsupported scheme"},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			link, err := parseModbusLink(TypeModbusProbe, tt.address, newParams(TypeModbusProbe, nil))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("parseModbusLink() error = %v, want containing %q", err, tt.wantErr)
				}
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("parseModbusLink() error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseModbusLink() error = %v", err)
			}
			if link.protocol != tt.wantProtocol || link.target != tt.wantTarget {
				t.Errorf("parseModbusLink() = %s %s, want %s %s", link.protocol, link.target, tt.wantProtocol, tt.wantTarget)
			}
			if link.slaveID != 1 {
				t.Errorf("slaveID = %d, want default 1", link.slaveID)
			}
		})
	}
}

func TestNewModbusProbe_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		field  string
	}{
		{name: "missing register", config: map[string]any{}, field: "register"},
		{name: "register out of range", config: map[string]any{"register": 70000}, field: "register"},
		{name: "bad data type", config: map[string]any{"register": 0, "data_type": "bcd"}, field: "data_type"},
		{name: "bad slave id", config: map[string]any{"register": 0, "slave_id": 300}, field: "slave_id"},
		{name: "scale not a number", config: map[string]any{"register": 0, "scale": "x"}, field: "scale"},
		{name: "fractional register", config: map[string]any{"register": 1.5}, field: "register"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewModbusProbe(Spec{Address: "tcp://127.0.0.1:502", Config: tt.config})
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("NewModbusProbe() error = %v, want *ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("ConfigError.Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestModbusProbe_PollSingle(t *testing.T) {
	slave := &fakeSlave{holding: map[uint16]uint16{4: 255}}
	drv, err := NewModbusProbe(Spec{
		DeviceID: 1,
		Address:  "tcp://127.0.0.1:502",
		Config:   map[string]any{"register": 4, "data_type": "int16", "scale": 0.1, "unit": "C"},
	})
	if err != nil {
		t.Fatalf("NewModbusProbe() error = %v", err)
	}
	probe := drv.(*ModbusProbe)
	probe.dial = slave.dialer()

	res := probe.Poll(context.Background())
	if !res.Success {
		t.Fatalf("Poll() failed: %s", res.Error)
	}
	if res.Value == nil || math.Abs(*res.Value-25.5) > 1e-9 {
		t.Errorf("Poll().Value = %v, want 25.5", res.Value)
	}
	if res.Metadata["unit"] != "C" || res.Metadata["measurement_type"] != "temperature" {
		t.Errorf("Poll().Metadata = %v", res.Metadata)
	}
	if slave.dials != 1 || slave.closes != 1 {
		t.Errorf("dials=%d closes=%d, want 1/1", slave.dials, slave.closes)
	}
}

func TestModbusProbe_PollPoints(t *testing.T) {
	slave := &fakeSlave{input: map[uint16]uint16{0: 215, 1: 480}}
	drv, err := NewModbusProbe(Spec{
		Address: "tcp://127.0.0.1:502",
		Config: map[string]any{
			"register_type": "input",
			"scale":         0.1,
			"points": []any{
				map[string]any{"name": "temperature", "register": 0},
				map[string]any{"name": "humidity", "register": 1, "data_type": "uint16"},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewModbusProbe() error = %v", err)
	}
	probe := drv.(*ModbusProbe)
	probe.dial = slave.dialer()

	res := probe.Poll(context.Background())
	if !res.Success {
		t.Fatalf("Poll() failed: %s", res.Error)
	}
	if res.Value != nil {
		t.Errorf("Poll().Value = %v, want nil for multi-point probe", *res.Value)
	}
	temp, _ := res.Payload["temperature"].(float64)
	hum, _ := res.Payload["humidity"].(float64)
	if math.Abs(temp-21.5) > 1e-9 || math.Abs(hum-48) > 1e-9 {
		t.Errorf("Poll().Payload = %v, want temperature=21.5 humidity=48", res.Payload)
	}
}

func TestModbusProbe_DuplicatePointNames(t *testing.T) {
	_, err := NewModbusProbe(Spec{
		Address: "tcp://127.0.0.1:502",
		Config: map[string]any{"points": []any{
			map[string]any{"name": "t", "register": 0},
			map[string]any{"name": "t", "register": 1},
		}},
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewModbusProbe() error = %v, want ErrInvalidConfig", err)
	}
}

func TestModbusProbe_PollFailureNeverPanics(t *testing.T) {
	slave := &fakeSlave{err: errors.New("exception '2' (illegal data address)")}
	drv, _ := NewModbusProbe(Spec{Address: "127.0.0.1:502", Config: map[string]any{"register": 0}})
	probe := drv.(*ModbusProbe)
	probe.dial = slave.dialer()

	res := probe.Poll(context.Background())
	if res.Success {
		t.Fatal("Poll() succeeded, want failure")
	}
	if !strings.Contains(res.Error, "illegal data address") {
		t.Errorf("Poll().Error = %q, want underlying cause", res.Error)
	}
	if slave.closes != 1 {
		t.Errorf("closes = %d, want session closed after failure", slave.closes)
	}
}

func TestModbusProbe_DialFailure(t *testing.T) {
	drv, _ := NewModbusProbe(Spec{Address: "127.0.0.1:502", Config: map[string]any{"register": 0}})
	probe := drv.(*ModbusProbe)
	probe.dial = func(modbusLink) (registerReader, func() error, error) {
		return nil, nil, errors.New("connection refused")
	}

	if res := probe.Poll(context.Background()); res.Success || res.Error == "" {
		t.Errorf("Poll() = %+v, want failure with message", res)
	}
	if probe.TestConnection(context.Background()) {
		t.Error("TestConnection() = true, want false")
	}
}

func TestModbusProbe_CancelledContext(t *testing.T) {
	slave := &fakeSlave{}
	drv, _ := NewModbusProbe(Spec{Address: "127.0.0.1:502", Config: map[string]any{"register": 0}})
	probe := drv.(*ModbusProbe)
	probe.dial = slave.dialer()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if res := probe.Poll(ctx); res.Success {
		t.Error("Poll() with cancelled context succeeded")
	}
	if slave.dials != 0 {
		t.Errorf("dials = %d, want 0 for cancelled context", slave.dials)
	}
}

func TestModbusRelay_Poll(t *testing.T) {
	tests := []struct {
		name      string
		coil      bool
		invert    bool
		wantValue float64
		wantState string
	}{
		{name: "on", coil: true, wantValue: 1, wantState: "on"},
		{name: "off", coil: false, wantValue: 0, wantState: "off"},
		{name: "inverted", coil: true, invert: true, wantValue: 0, wantState: "off"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slave := &fakeSlave{coils: map[uint16]bool{7: tt.coil}}
			drv, err := NewModbusRelay(Spec{
				Address: "tcp://127.0.0.1:502",
				Config:  map[string]any{"coil": 7, "invert": tt.invert},
			})
			if err != nil {
				t.Fatalf("NewModbusRelay() error = %v", err)
			}
			relay := drv.(*ModbusRelay)
			relay.dial = slave.dialer()

			res := relay.Poll(context.Background())
			if !res.Success {
				t.Fatalf("Poll() failed: %s", res.Error)
			}
			if *res.Value != tt.wantValue {
				t.Errorf("Poll().Value = %v, want %v", *res.Value, tt.wantValue)
			}
			if res.Metadata["state"] != tt.wantState {
				t.Errorf("Poll().Metadata[state] = %q, want %q", res.Metadata["state"], tt.wantState)
			}
		})
	}
}

func TestNewModbusRelay_RequiresCoil(t *testing.T) {
	_, err := NewModbusRelay(Spec{Address: "tcp://127.0.0.1:502"})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewModbusRelay() error = %v, want ErrInvalidConfig", err)
	}
}
