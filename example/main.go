package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpalmerr/devicepoll"
	"github.com/jpalmerr/devicepoll/device"
	"github.com/jpalmerr/devicepoll/driver"
)

func main() {
	// start mock sensor boards (see mock_server.go)
	go StartMockSensorServer(":9999")
	time.Sleep(100 * time.Millisecond)

	devices := []device.Device{
		sensor(1, "Greenhouse temperature", "greenhouse", "sensors.temp", "C", 5),
		sensor(2, "Greenhouse humidity", "greenhouse", "sensors.humidity", "%RH", 10),
		sensor(3, "Heater relay", "greenhouse", "relay", "", 5),
		{
			ID:           4,
			Name:         "Cold room",
			DeviceType:   driver.TypeSimulated,
			PollEnabled:  true,
			IsActive:     true,
			PollInterval: 15,
			Unit:         "C",
			Config:       map[string]any{"base": 4.0, "amplitude": 1.5, "period": "2m", "unit": "C", "fail_every": 7},
		},
		{
			ID:           5,
			Name:         "Host CPU",
			DeviceType:   driver.TypeHost,
			Address:      "cpu",
			PollEnabled:  true,
			IsActive:     true,
			PollInterval: 10,
			Unit:         "%",
		},
	}

	svc, err := devicepoll.New(
		devicepoll.WithDevices(devices...),
		devicepoll.WithPort(8080),
		devicepoll.WithRefreshInterval(30*time.Second),
		devicepoll.WithFailureRecords(true),
		devicepoll.WithPollCallback(func(ev devicepoll.PollEvent) {
			if !ev.Success {
				fmt.Printf("  %-24s error: %s\n", ev.Device.Name, ev.Error)
				return
			}
			if ev.Value != nil {
				fmt.Printf("  %-24s %8.2f %s\n", ev.Device.Name, *ev.Value, ev.Device.Unit)
			}
		}),
	)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("  devicepoll demo")
	fmt.Println()
	fmt.Println("  Status:  http://localhost:8080/api/status")
	fmt.Println("  Stream:  http://localhost:8080/api/sse")
	fmt.Println("  History: http://localhost:8080/api/devices/1/history")
	fmt.Println()
	fmt.Println("  Devices: 3 mock HTTP sensors, 1 simulated, 1 host CPU")
	fmt.Println("  Press Ctrl+C to stop")
	fmt.Println()

	// set up context with signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		slog.Error("devicepoll error", "error", err)
		os.Exit(1)
	}
}

// sensor describes one reading served by a mock board.
func sensor(id int64, name, board, field, unit string, interval int) device.Device {
	return device.Device{
		ID:           id,
		Name:         name,
		DeviceType:   driver.TypeHTTPJSON,
		Address:      "http://localhost:9999/sensors?board=" + board,
		PollEnabled:  true,
		IsActive:     true,
		PollInterval: interval,
		Unit:         unit,
		Config:       map[string]any{"field": field, "unit": unit, "timeout": "2s"},
	}
}
