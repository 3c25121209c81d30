package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/jpalmerr/devicepoll/device"
)

// TypeHost is the registry tag of the host sensor driver.
const TypeHost = "host"

// gopsutil entry points, replaced in tests.
var (
	cpuPercent    = cpu.PercentWithContext
	virtualMemory = mem.VirtualMemoryWithContext
	diskUsage     = disk.UsageWithContext
	temperatures  = host.SensorsTemperaturesWithContext
)

// Host samples the machine the poller runs on. The address selects the
// sensor:
//
//	cpu                  average CPU load in percent
//	memory               used memory in percent (total minus available)
//	disk:<path>          used space of the filesystem holding path
//	temperature:<key>    temperature sensor whose key contains <key>
//
// Config keys: sample (duration, CPU sampling window, default 500ms).
type Host struct {
	spec   Spec
	kind   string
	arg    string
	sample time.Duration
}

// NewHost is the [Constructor] for [TypeHost].
func NewHost(spec Spec) (Driver, error) {
	p := newParams(TypeHost, spec.Config)
	h := &Host{
		spec:   spec,
		sample: p.Duration("sample", 500*time.Millisecond),
	}
	if err := p.Err(); err != nil {
		return nil, err
	}

	kind, arg, _ := strings.Cut(strings.TrimSpace(spec.Address), ":")
	h.kind, h.arg = strings.ToLower(kind), strings.TrimSpace(arg)

	switch h.kind {
	case "cpu", "memory":
	case "disk":
		if h.arg == "" {
			h.arg = "/"
		}
	case "temperature":
		if h.arg == "" {
			return nil, configErr(TypeHost, "address", "temperature requires a sensor key (temperature:<key>)")
		}
	default:
		return nil, configErr(TypeHost, "address", "unknown host sensor %q (expected cpu, memory, disk:<path> or temperature:<key>)", spec.Address)
	}
	return h, nil
}

// Poll implements [Driver].
func (h *Host) Poll(ctx context.Context) device.PollResult {
	value, unit, err := h.read(ctx, h.sample)
	if err != nil {
		return device.Failure(err)
	}
	return device.Success(value, map[string]string{
		"unit":             unit,
		"measurement_type": h.kind,
	})
}

// TestConnection implements [Driver]. CPU is probed without a sampling
// window so the check stays short.
func (h *Host) TestConnection(ctx context.Context) bool {
	_, _, err := h.read(ctx, 0)
	return err == nil
}

func (h *Host) read(ctx context.Context, sample time.Duration) (float64, string, error) {
	switch h.kind {
	case "cpu":
		percentages, err := cpuPercent(ctx, sample, false)
		if err != nil {
			return 0, "", fmt.Errorf("cpu percent: %w", err)
		}
		if len(percentages) == 0 {
			return 0, "", errors.New("cpu percent: no samples")
		}
		return percentages[0], "%", nil

	case "memory":
		vm, err := virtualMemory(ctx)
		if err != nil {
			return 0, "", fmt.Errorf("virtual memory: %w", err)
		}
		if vm.Total == 0 {
			return 0, "", errors.New("virtual memory: total is zero")
		}
		// available excludes reclaimable page cache
		used := vm.Total - vm.Available
		return float64(used) / float64(vm.Total) * 100, "%", nil

	case "disk":
		usage, err := diskUsage(ctx, h.arg)
		if err != nil {
			return 0, "", fmt.Errorf("disk usage %s: %w", h.arg, err)
		}
		return usage.UsedPercent, "%", nil

	case "temperature":
		temps, err := temperatures(ctx)
		if err != nil && len(temps) == 0 {
			return 0, "", fmt.Errorf("sensors: %w", err)
		}
		for _, t := range temps {
			if strings.Contains(t.SensorKey, h.arg) {
				return t.Temperature, "C", nil
			}
		}
		return 0, "", fmt.Errorf("temperature sensor %q not found", h.arg)
	}
	return 0, "", fmt.Errorf("unknown host sensor %q", h.kind)
}
