package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jpalmerr/devicepoll/config"
	"github.com/jpalmerr/devicepoll/device"
	"github.com/jpalmerr/devicepoll/driver"
	"github.com/spf13/cobra"
)

// probeCmd polls one configured device once.
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Poll one device once",
	Long: `Build the driver for one configured device, check that it is reachable,
and poll it once. Nothing is written to storage.

The device is selected by name or id. Disabled and inactive devices can
be probed.

Example:
  devicepoll probe -c config.yaml --device "Greenhouse probe"
  devicepoll probe -c config.yaml -d 12 --timeout 5s`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)

	probeCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	probeCmd.Flags().StringP("device", "d", "", "device name or id (required)")
	probeCmd.Flags().Duration("timeout", 10*time.Second, "bound for the connection test and the poll")
	_ = probeCmd.MarkFlagRequired("config")
	_ = probeCmd.MarkFlagRequired("device")
}

func runProbe(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	selector, _ := cmd.Flags().GetString("device")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	d, err := findDevice(config.BuildDevices(cfg), selector)
	if err != nil {
		return err
	}

	drv, err := driver.NewBuiltinRegistry().New(d.DeviceType, driver.SpecFor(d))
	if err != nil {
		return fmt.Errorf("failed to build driver: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	fmt.Printf("Device %q (%s at %s)\n", d.Name, d.DeviceType, d.Address)
	fmt.Printf("  Connection: %s\n", okOrFail(drv.TestConnection(ctx)))

	res := drv.Poll(ctx)
	if !res.Success {
		return fmt.Errorf("poll failed: %s", res.Error)
	}

	if res.Value != nil {
		fmt.Printf("  Value:      %g %s\n", *res.Value, d.Unit)
	}
	for _, k := range sortedKeys(res.Payload) {
		fmt.Printf("  %s: %v\n", k, res.Payload[k])
	}
	fmt.Printf("  Timestamp:  %s\n", device.FormatTimestamp(res.Timestamp))
	return nil
}

// findDevice selects a device by id when selector is numeric, otherwise by
// name.
func findDevice(devices []device.Device, selector string) (device.Device, error) {
	id, idErr := strconv.ParseInt(selector, 10, 64)
	for _, d := range devices {
		if d.Name == selector || (idErr == nil && d.ID != 0 && d.ID == id) {
			return d, nil
		}
	}
	return device.Device{}, fmt.Errorf("no device %q in config", selector)
}

func okOrFail(ok bool) string {
	if ok {
		return "ok"
	}
	return "unreachable"
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
