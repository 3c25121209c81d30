package driver

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// stubHost replaces the gopsutil entry points for the duration of a test.
func stubHost(t *testing.T) {
	t.Helper()
	origCPU, origMem, origDisk, origTemp := cpuPercent, virtualMemory, diskUsage, temperatures
	t.Cleanup(func() {
		cpuPercent, virtualMemory, diskUsage, temperatures = origCPU, origMem, origDisk, origTemp
	})

	cpuPercent = func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error) {
		return []float64{42.5}, nil
	}
	virtualMemory = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 1000, Available: 250}, nil
	}
	diskUsage = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		if path != "/data" {
			return nil, errors.New("no such path")
		}
		return &disk.UsageStat{Path: path, UsedPercent: 61.2}, nil
	}
	temperatures = func(ctx context.Context) ([]host.TemperatureStat, error) {
		return []host.TemperatureStat{
			{SensorKey: "acpitz_input", Temperature: 39},
			{SensorKey: "coretemp_package_id_0_input", Temperature: 51.5},
		}, errors.New("partial read")
	}
}

func TestHost_Poll(t *testing.T) {
	stubHost(t)

	tests := []struct {
		address string
		want    float64
	}{
		{"cpu", 42.5},
		{"memory", 75},
		{"disk:/data", 61.2},
		{"temperature:coretemp", 51.5},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			drv, err := NewHost(Spec{Address: tt.address})
			if err != nil {
				t.Fatalf("NewHost() error = %v", err)
			}
			res := drv.Poll(context.Background())
			if !res.Success {
				t.Fatalf("Poll() failed: %s", res.Error)
			}
			if math.Abs(*res.Value-tt.want) > 1e-9 {
				t.Errorf("Poll().Value = %v, want %v", *res.Value, tt.want)
			}
			if !drv.TestConnection(context.Background()) {
				t.Error("TestConnection() = false, want true")
			}
		})
	}
}

func TestHost_PollFailures(t *testing.T) {
	stubHost(t)

	for _, address := range []string{"disk:/missing", "temperature:gpu"} {
		drv, err := NewHost(Spec{Address: address})
		if err != nil {
			t.Fatalf("NewHost(%q) error = %v", address, err)
		}
		if res := drv.Poll(context.Background()); res.Success {
			t.Errorf("Poll(%q) succeeded, want failure", address)
		}
		if drv.TestConnection(context.Background()) {
			t.Errorf("TestConnection(%q) = true, want false", address)
		}
	}
}

func TestNewHost_ConfigErrors(t *testing.T) {
	for _, address := range []string{"", "gpu", "temperature"} {
		if _, err := NewHost(Spec{Address: address}); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("NewHost(%q) error = %v, want ErrInvalidConfig", address, err)
		}
	}
}
