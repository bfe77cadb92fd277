// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"printhost/pkg/history"
	"printhost/pkg/host"
	"printhost/pkg/motion"
)

func newRunCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the print host with a G-code console on stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFlag)
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}
			logger := newLogger(cfg)

			engine := motion.NewTraceEngine(logger.WithPrefix("motion"))
			printer, err := host.NewPrinter(cfg, engine, logger)
			if err != nil {
				return err
			}

			if cfg.History.Enabled && cfg.History.Path != "" {
				store, err := history.Open(cfg.History.Path)
				if err != nil {
					return err
				}
				defer store.Close()
				printer.SetJobSink(func(res host.JobResult) {
					job := history.Job{
						JobID:         res.JobID,
						FileName:      res.FileName,
						State:         string(res.State),
						Message:       res.Message,
						TotalDuration: res.TotalDuration,
						PrintDuration: res.PrintDuration,
						FilamentUsed:  res.FilamentUsed,
						StartedAt:     res.StartedAt,
						FinishedAt:    res.FinishedAt,
					}
					if err := store.RecordJob(context.Background(), job); err != nil {
						logger.Warn("recording job history: %v", err)
					}
				})
			}

			printer.SetOutput(func(msg string) {
				fmt.Println(msg)
			})

			printer.Start()
			printer.TryRecover()

			ctx, stop := signal.NotifyContext(cmd.Context(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			// The console drives the same dispatch path jobs use, so console
			// commands interleave safely with a streaming job.
			consoleDone := make(chan struct{})
			go func() {
				defer close(consoleDone)
				scanner := bufio.NewScanner(os.Stdin)
				scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					if line == "" {
						continue
					}
					if err := printer.Dispatch(line); err != nil {
						fmt.Printf("!! %s\n", err)
					}
				}
			}()

			select {
			case <-ctx.Done():
			case <-consoleDone:
			}

			logger.Info("shutting down")
			printer.Shutdown()
			return nil
		},
	}
}
