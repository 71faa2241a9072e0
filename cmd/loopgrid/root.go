package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/loopgrid.yaml"

func newRootCommand() *cobra.Command {
	var configPath string
	var debug bool

	rootCmd := &cobra.Command{
		Use:           "loopgrid",
		Short:         "Live capture grid with palindrome clip playback",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newRunCommand(&configPath, &debug))
	rootCmd.AddCommand(newStatusCommand(&configPath))
	rootCmd.AddCommand(newValidateCommand(&configPath))

	return rootCmd
}
