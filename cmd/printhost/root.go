// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"github.com/spf13/cobra"

	"printhost/pkg/config"
	"printhost/pkg/log"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "printhost",
		Short:         "G-code print host with power-loss recovery",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"Configuration file path")

	rootCmd.AddCommand(newRunCommand(&configFlag))
	rootCmd.AddCommand(newRecoveryCommand(&configFlag))
	rootCmd.AddCommand(newHistoryCommand(&configFlag))
	rootCmd.AddCommand(newConfigCommand(&configFlag))

	return rootCmd
}

// loadConfig resolves and loads the configuration the subcommands share.
func loadConfig(configFlag *string) (*config.Config, error) {
	cfg, _, _, err := config.Load(*configFlag)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *log.Logger {
	logger := log.New("printhost")
	logger.SetLevel(log.ParseLevel(cfg.Logging.Level))
	return logger
}
