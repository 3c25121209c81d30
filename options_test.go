package devicepoll

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jpalmerr/devicepoll/device"
	"github.com/jpalmerr/devicepoll/driver"
)

func simulatedDevice(id int64, name string) device.Device {
	return device.Device{
		ID:           id,
		Name:         name,
		DeviceType:   driver.TypeSimulated,
		PollEnabled:  true,
		IsActive:     true,
		PollInterval: 1,
		Unit:         "C",
		Config:       map[string]any{"base": 21.0},
	}
}

func TestNew_Defaults(t *testing.T) {
	svc, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if svc.Port() != 8080 {
		t.Errorf("Port() = %d, want 8080", svc.Port())
	}
	if svc.cfg.retentionDays != 30 {
		t.Errorf("retentionDays = %d, want 30", svc.cfg.retentionDays)
	}
	if svc.cfg.retentionCron != "@daily" {
		t.Errorf("retentionCron = %q, want @daily", svc.cfg.retentionCron)
	}
	if svc.Registry() == nil || len(svc.Registry().Types()) == 0 {
		t.Error("Registry() should default to the built-in drivers")
	}
	if len(svc.Devices()) != 0 {
		t.Errorf("len(Devices()) = %d, want 0", len(svc.Devices()))
	}
}

func TestNew_WithDevices(t *testing.T) {
	svc, err := New(
		WithDevice(simulatedDevice(1, "boiler")),
		WithDevices(simulatedDevice(2, "freezer"), simulatedDevice(0, "unnumbered")),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(svc.Devices()) != 3 {
		t.Fatalf("len(Devices()) = %d, want 3", len(svc.Devices()))
	}

	// returned slice is a copy
	devices := svc.Devices()
	devices[0].Name = "mutated"
	devices[0].Config["base"] = 99.0
	if got := svc.Devices()[0]; got.Name != "boiler" || got.Config["base"] != 21.0 {
		t.Errorf("Devices() leaked internal state: %+v", got)
	}
}

func TestNew_DeviceValidation(t *testing.T) {
	bad := simulatedDevice(1, "boiler")
	bad.PollInterval = 0

	_, err := New(WithDevice(bad))
	if err == nil || !strings.Contains(err.Error(), "poll_interval") {
		t.Errorf("New() error = %v, want poll_interval error", err)
	}

	_, err = New(WithDevices(simulatedDevice(3, "a"), simulatedDevice(3, "b")))
	if err == nil || !strings.Contains(err.Error(), "duplicate device id") {
		t.Errorf("New() error = %v, want duplicate device id", err)
	}

	// zero IDs are assigned on insert and never collide
	if _, err := New(WithDevices(simulatedDevice(0, "a"), simulatedDevice(0, "b"))); err != nil {
		t.Errorf("New() with unnumbered devices error = %v", err)
	}
}

func TestWithPort(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"valid port", 9090, false},
		{"zero disables", 0, false},
		{"max port", 65535, false},
		{"negative", -1, true},
		{"too large", 65536, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := New(WithPort(tt.port))
			if tt.wantErr {
				if err == nil {
					t.Errorf("New(WithPort(%d)) expected error, got nil", tt.port)
				}
				return
			}
			if err != nil {
				t.Fatalf("New(WithPort(%d)) error = %v", tt.port, err)
			}
			if svc.Port() != tt.port {
				t.Errorf("Port() = %d, want %d", svc.Port(), tt.port)
			}
		})
	}
}

func TestOptions_Validation(t *testing.T) {
	tests := []struct {
		name    string
		opt     Option
		wantErr string
	}{
		{"nil logger", WithLogger(nil), "logger cannot be nil"},
		{"nil registry", WithRegistry(nil), "registry cannot be nil"},
		{"empty sqlite path", WithSQLite(" "), "sqlite path"},
		{"empty postgres dsn", WithPostgresHistory(""), "postgres dsn"},
		{"empty redis addr", WithRedisCache(""), "redis address"},
		{"empty mqtt broker", WithMQTT("", "id", "x"), "mqtt broker"},
		{"zero refresh", WithRefreshInterval(0), "refresh interval"},
		{"negative poll timeout", WithPollTimeout(-time.Second), "poll timeout"},
		{"negative grace", WithShutdownGrace(-time.Second), "shutdown grace"},
		{"zero retention", WithRetention(0, "@daily"), "retention days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opt)
			if err == nil {
				t.Fatal("New() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("New() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestOptions_Applied(t *testing.T) {
	reg := driver.NewRegistry()
	svc, err := New(
		WithRegistry(reg),
		WithSQLite("/tmp/devices.db"),
		WithPostgresHistory("postgres://localhost/history"),
		WithRedisCache("localhost:6379"),
		WithMQTT("tcp://localhost:1883", "", ""),
		WithRefreshInterval(time.Minute),
		WithPollTimeout(3*time.Second),
		WithShutdownGrace(0),
		WithFailureRecords(true),
		WithRetention(7, ""),
		WithPollCallback(nil),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cfg := svc.cfg
	if svc.Registry() != reg {
		t.Error("Registry() should return the supplied registry")
	}
	if cfg.sqlitePath != "/tmp/devices.db" || cfg.postgresDSN == "" || cfg.redisAddr != "localhost:6379" {
		t.Errorf("storage options not applied: %+v", cfg)
	}
	if cfg.mqtt == nil || cfg.mqtt.clientID != "devicepoll" || cfg.mqtt.topicPrefix != "devicepoll/history" {
		t.Errorf("mqtt = %+v, want defaults filled", cfg.mqtt)
	}
	if cfg.refreshInterval != time.Minute || cfg.pollTimeout != 3*time.Second || !cfg.recordFailures {
		t.Errorf("scheduler options not applied: %+v", cfg)
	}
	if cfg.retentionDays != 7 || cfg.retentionCron != "@daily" {
		t.Errorf("retention = %d %q, want 7 @daily", cfg.retentionDays, cfg.retentionCron)
	}
	if len(cfg.pollCallbacks) != 0 {
		t.Errorf("nil callback should be ignored, got %d", len(cfg.pollCallbacks))
	}
}

func TestWithLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	svc, err := New(WithLogger(logger))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if svc.logger != logger {
		t.Error("WithLogger() did not set the logger")
	}
}
