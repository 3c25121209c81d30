package config

import (
	"testing"

	"github.com/jpalmerr/devicepoll"
)

func TestBuildDevices(t *testing.T) {
	yaml := `
store:
  driver: memory
devices:
  - id: 4
    name: Relay 1
    device_type: modbus_relay
    address: tcp://10.0.0.9:502
    poll_interval: 10
    poll_enabled: false
    config: { slave_id: 2, coil: 0 }
  - name: CPU
    device_type: host
    address: cpu
    is_active: false
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	devices := BuildDevices(cfg)
	if len(devices) != 2 {
		t.Fatalf("len(devices) = %d, want 2", len(devices))
	}

	relay := devices[0]
	if relay.ID != 4 || relay.Name != "Relay 1" || relay.DeviceType != "modbus_relay" {
		t.Errorf("relay = %+v", relay)
	}
	if relay.PollEnabled || !relay.IsActive || relay.PollInterval != 10 {
		t.Errorf("relay flags = enabled %v active %v interval %d", relay.PollEnabled, relay.IsActive, relay.PollInterval)
	}
	if relay.Config["slave_id"] != 2 {
		t.Errorf("relay.Config = %v", relay.Config)
	}
	if err := relay.Validate(); err != nil {
		t.Errorf("relay.Validate() error = %v", err)
	}

	cpu := devices[1]
	if cpu.ID != 0 || !cpu.PollEnabled || cpu.IsActive || cpu.PollInterval != 60 {
		t.Errorf("cpu = %+v", cpu)
	}
}

func TestBuildOptions_CreatesService(t *testing.T) {
	yaml := `
port: 0
store:
  driver: sqlite
  dsn: /tmp/devicepoll-test.db
history:
  driver: postgres
  dsn: postgres://localhost/history
cache:
  redis_addr: localhost:6379
mqtt:
  broker: tcp://localhost:1883
retention:
  days: 7
devices:
  - id: 1
    name: Probe
    device_type: simulated
    poll_interval: 5
    unit: C
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// construction validates every option without connecting anywhere
	svc, err := devicepoll.New(BuildOptions(cfg)...)
	if err != nil {
		t.Fatalf("devicepoll.New() error = %v", err)
	}
	if svc.Port() != 0 {
		t.Errorf("Port() = %d, want 0", svc.Port())
	}
	if got := svc.Devices(); len(got) != 1 || got[0].Name != "Probe" {
		t.Errorf("Devices() = %+v", got)
	}
}

func TestBuildOptions_Minimal(t *testing.T) {
	cfg, err := Parse([]byte(`store: { driver: memory }`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	svc, err := devicepoll.New(BuildOptions(cfg)...)
	if err != nil {
		t.Fatalf("devicepoll.New() error = %v", err)
	}
	if svc.Port() != 8080 {
		t.Errorf("Port() = %d, want 8080", svc.Port())
	}
	if len(svc.Devices()) != 0 {
		t.Errorf("Devices() = %v, want none", svc.Devices())
	}
}
