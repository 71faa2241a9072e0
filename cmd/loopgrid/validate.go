package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/e7canasta/loopgrid/internal/config"
)

func newValidateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load the configuration and print the resolved values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			rows := [][]string{
				{"instance_id", cfg.InstanceID},
				{"capture", fmt.Sprintf("%s %s %dx%d %s @ %d fps", cfg.Capture.SourceElement, cfg.Capture.Device,
					cfg.Capture.Width, cfg.Capture.Height, cfg.Capture.Format, cfg.Capture.FPS)},
				{"recording.max_frames", fmt.Sprint(cfg.Recording.MaxFrames)},
				{"recording.memory_budget_mb", fmt.Sprint(cfg.Recording.MemoryBudgetMB)},
				{"grid", fmt.Sprintf("%dx%d cells of %dx%d", cfg.Grid.Columns, cfg.Grid.Rows, cfg.Grid.CellWidth, cfg.Grid.CellHeight)},
				{"grid.sink", cfg.Grid.SinkElement},
				{"recovery", fmt.Sprintf("%d retries, %dms..%dms", cfg.Recovery.MaxRetries, cfg.Recovery.RetryDelayMS, cfg.Recovery.MaxRetryDelayMS)},
				{"mqtt", fmt.Sprintf("enabled=%t broker=%s", cfg.MQTT.Enabled, cfg.MQTT.Broker)},
				{"health.listen", cfg.Health.Listen},
				{"device_watch", fmt.Sprintf("enabled=%t subsystem=%s", cfg.DeviceWatch.Enabled, cfg.DeviceWatch.Subsystem)},
				{"lock_file", cfg.LockFile},
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Setting", "Value"}, rows, nil))
			fmt.Fprintln(cmd.OutOrStdout(), "configuration OK")
			return nil
		},
	}
}
