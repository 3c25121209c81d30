// Package main is the entry point for the devicepoll CLI.
//
// devicepoll can be embedded as a library or run as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	devicepoll serve -c config.yaml               # Poll devices and serve the status API
//	devicepoll validate -c config.yaml            # Validate configuration
//	devicepoll probe -c config.yaml -d "Probe 1"  # Poll one device once
//	devicepoll purge -c config.yaml               # Run one retention sweep
//	devicepoll version                            # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd is the base command when called without subcommands.
// It just displays help - actual functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "devicepoll",
	Short: "Poll hardware devices and keep their history",
	Long: `devicepoll samples temperature probes, humidity sensors, relays and
other devices on independent schedules and stores every reading as
time-series history.

Quick start:
  1. Create a config file (devicepoll.yaml)
  2. Check it: devicepoll validate -c devicepoll.yaml
  3. Run: devicepoll serve -c devicepoll.yaml
  4. Query http://localhost:8080/api/status

Example config:
  port: 8080
  store:
    driver: sqlite
    dsn: devicepoll.db
  devices:
    - id: 1
      name: Greenhouse probe
      device_type: modbus_probe
      address: tcp://10.0.0.5:502
      poll_interval: 30
      unit: C
      config: { slave_id: 1, register: 0, scale: 0.1 }`,
	// No Run/RunE means this just shows help when called without subcommands
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Cobra already prints the error, just exit with code 1
		os.Exit(1)
	}
}

func main() {
	Execute()
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this devicepoll binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("devicepoll %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
