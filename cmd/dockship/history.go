package main

import (
	"github.com/artpar/dockship/internal/shell/store"
	"github.com/spf13/cobra"
)

func newHistoryCmd(a *app) *cobra.Command {
	var opts store.ListOptions

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deployment runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			history, err := openHistory(a.cfg.History.DSN)
			if err != nil {
				return err
			}
			defer history.Close()

			runs, err := history.ListRuns(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return a.printer(cmd).Runs(runs)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.Limit, "limit", "n", 20, "Maximum number of runs")
	flags.IntVar(&opts.Offset, "offset", 0, "Runs to skip")
	flags.StringVar(&opts.Target, "target", "", "Only runs of this target (user@host:/path)")
	flags.BoolVar(&opts.FailedOnly, "failed", false, "Only failed runs")
	flags.String("history-dsn", "", "Run history database")

	return cmd
}
