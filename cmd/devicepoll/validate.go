package main

import (
	"fmt"

	"github.com/jpalmerr/devicepoll/config"
	"github.com/jpalmerr/devicepoll/driver"
	"github.com/spf13/cobra"
)

// validateCmd validates a config file without starting the service.
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a devicepoll configuration file without starting the service.

This command parses the YAML, expands environment variables, validates all
fields, and checks that every device type has a registered driver that
accepts the device's config. Nothing is connected to.

Exit codes:
  0 - Config is valid
  1 - Config is invalid (error details printed to stderr)

Example:
  devicepoll validate -c config.yaml
  devicepoll validate --config /etc/devicepoll/config.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// constructors validate config without touching hardware
	registry := driver.NewBuiltinRegistry()
	schedulable := 0
	for i, d := range config.BuildDevices(cfg) {
		if _, err := registry.New(d.DeviceType, driver.SpecFor(d)); err != nil {
			return fmt.Errorf("invalid config: devices[%d] (%s): %w", i, d.Name, err)
		}
		if d.Schedulable() {
			schedulable++
		}
	}

	fmt.Printf("Config is valid!\n")
	fmt.Printf("  Port:             %d\n", cfg.Port)
	fmt.Printf("  Refresh interval: %s\n", cfg.RefreshInterval.Duration())
	fmt.Printf("  Store:            %s\n", cfg.Store.Driver)
	fmt.Printf("  Retention:        %d days (%s)\n", cfg.Retention.Days, cfg.Retention.Schedule)
	fmt.Printf("  Devices:          %d configured, %d schedulable\n", len(cfg.Devices), schedulable)

	return nil
}
