// This file may be distributed under the terms of the GNU GPLv3 license.

package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"printhost/pkg/config"
	"printhost/pkg/history"
)

func newHistoryCommand(configFlag *string) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the job history database",
	}
	historyCmd.AddCommand(newHistoryListCommand(configFlag))
	historyCmd.AddCommand(newHistoryStatsCommand(configFlag))
	historyCmd.AddCommand(newHistoryClearCommand(configFlag))
	return historyCmd
}

func openHistory(cfg *config.Config) (*history.Store, error) {
	if strings.TrimSpace(cfg.History.Path) == "" {
		return nil, fmt.Errorf("history.path is not configured")
	}
	return history.Open(cfg.History.Path)
}

func newHistoryListCommand(configFlag *string) *cobra.Command {
	var limit int

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List finished jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFlag)
			if err != nil {
				return err
			}
			store, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			jobs, err := store.ListJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINISHED\tSTATE\tFILE\tPRINT\tFILAMENT")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1fmm\n",
					job.FinishedAt.Local().Format("2006-01-02 15:04"),
					job.State,
					job.FileName,
					(time.Duration(job.PrintDuration * float64(time.Second))).Round(time.Second),
					job.FilamentUsed,
				)
			}
			return w.Flush()
		},
	}

	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to show")
	return listCmd
}

func newHistoryStatsCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by final state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFlag)
			if err != nil {
				return err
			}
			store, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("No jobs recorded.")
				return nil
			}

			states := make([]string, 0, len(stats))
			for state := range stats {
				states = append(states, state)
			}
			sort.Strings(states)
			for _, state := range states {
				fmt.Printf("%-10s %d\n", state, stats[state])
			}
			return nil
		},
	}
}

func newHistoryClearCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all job history records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFlag)
			if err != nil {
				return err
			}
			store, err := openHistory(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d job record(s).\n", n)
			return nil
		},
	}
}
