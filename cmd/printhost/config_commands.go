// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"printhost/pkg/config"
)

func newConfigCommand(configFlag *string) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the host configuration file",
	}
	configCmd.AddCommand(newConfigInitCommand(configFlag))
	configCmd.AddCommand(newConfigShowCommand(configFlag))
	return configCmd
}

func newConfigInitCommand(configFlag *string) *cobra.Command {
	var force bool

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configFlag
			if path == "" {
				var err error
				path, err = config.DefaultConfigPath()
				if err != nil {
					return err
				}
			} else {
				var err error
				path, err = config.ExpandPath(path)
				if err != nil {
					return err
				}
			}

			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
				}
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}

	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return initCmd
}

func newConfigShowCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := config.Load(*configFlag)
			if err != nil {
				return err
			}
			if exists {
				fmt.Printf("Config file:      %s\n", path)
			} else {
				fmt.Printf("Config file:      %s (not found, using defaults)\n", path)
			}
			fmt.Printf("Controller:       %s (%s)\n", cfg.Controller.Serial, cfg.Controller.Kinematics)
			fmt.Printf("SD card dir:      %s\n", cfg.Paths.SDCardDir)
			fmt.Printf("State dir:        %s\n", cfg.Paths.StateDir)
			fmt.Printf("Recovery enabled: %t\n", cfg.Recovery.Enabled)
			fmt.Printf("History enabled:  %t\n", cfg.History.Enabled)
			if cfg.History.Enabled {
				fmt.Printf("History path:     %s\n", cfg.History.Path)
			}
			fmt.Printf("Log level:        %s\n", cfg.Logging.Level)
			return nil
		},
	}
}
