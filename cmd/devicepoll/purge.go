package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// purgeCmd deletes history outside the normal service lifecycle.
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old history, or all history of one device",
	Long: `Run one retention sweep against the configured history store, deleting
records older than retention.days. With --device, delete every record of
that device instead.

Example:
  devicepoll purge -c config.yaml
  devicepoll purge -c config.yaml --device 12`,
	RunE: runPurge,
}

func init() {
	rootCmd.AddCommand(purgeCmd)

	purgeCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	purgeCmd.Flags().Int64("device", 0, "device id whose history is deleted")
	_ = purgeCmd.MarkFlagRequired("config")
}

func runPurge(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	configFile, _ := cmd.Flags().GetString("config")
	deviceID, _ := cmd.Flags().GetInt64("device")

	svc, cfg, err := newService(configFile, logger)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("device") {
		n, err := svc.PurgeDevice(cmd.Context(), deviceID)
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}
		fmt.Printf("Deleted %d records of device %d\n", n, deviceID)
		return nil
	}

	n, err := svc.Sweep(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}
	fmt.Printf("Deleted %d records older than %d days\n", n, cfg.Retention.Days)
	return nil
}
