// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"printhost/pkg/checkpoint"
	"printhost/pkg/config"
	"printhost/pkg/log"
)

func newRecoveryCommand(configFlag *string) *cobra.Command {
	recoveryCmd := &cobra.Command{
		Use:   "recovery",
		Short: "Inspect and manage power-loss recovery state",
	}
	recoveryCmd.AddCommand(newRecoveryShowCommand(configFlag))
	recoveryCmd.AddCommand(newRecoveryClearCommand(configFlag))
	return recoveryCmd
}

// openStore takes the controller lock, so these commands fail with a Busy
// error while a host is running against the same controller.
func openStore(cfg *config.Config) (*checkpoint.Store, error) {
	logger := log.New("recovery")
	logger.SetLevel(log.ParseLevel(cfg.Logging.Level))
	return checkpoint.NewStore(cfg.Paths.StateDir, cfg.Controller.Serial, logger)
}

func newRecoveryShowCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the checkpoint and job metadata of an interrupted job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFlag)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if !store.HasState() {
				fmt.Println("No recovery state.")
				return nil
			}

			rec, err := store.Latest()
			if err != nil {
				return err
			}
			meta, err := store.ReadMetadata()
			if err != nil {
				return err
			}

			if meta != nil {
				fmt.Printf("Job:              %s\n", meta.JobID)
				fmt.Printf("File:             %s (%d bytes)\n", meta.FilePath, meta.FileSize)
				fmt.Printf("Print duration:   %.1fs\n", meta.PrintDuration)
				fmt.Printf("Filament used:    %.1fmm\n", meta.FilamentUsed)
				if meta.FanState != "" {
					fmt.Printf("Fan state:        %s\n", meta.FanState)
				}
			}
			if rec != nil {
				fmt.Printf("Resume offset:    %d\n", rec.FileOffset)
				fmt.Printf("Extrude base:     %.5f\n", rec.BaseExtrudePos)
			}
			return nil
		},
	}
}

func newRecoveryClearCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Discard recovery state so the next start comes up idle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFlag)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if !store.HasState() {
				fmt.Println("No recovery state.")
				return nil
			}
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Println("Recovery state cleared.")
			return nil
		},
	}
}
