package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/sweep"
)

func newSweepCmd() *cobra.Command {
	var (
		configPath string
		history    int
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one batch sweep and print its summary",
		Long:  "Runs the AI batch analyzer once over recently active conversations. With --history, lists past sweeps instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if history > 0 {
				return runSweepHistory(cmd, configPath, history)
			}
			return runSweep(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().IntVar(&history, "history", 0, "list the last N sweeps instead of running one")
	return cmd
}

func runSweep(cmd *cobra.Command, configPath string) error {
	ctx := context.Background()
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.sweeper == nil {
		return fmt.Errorf("sweep: ai.provider is none, the batch analyzer needs an AI classifier")
	}

	sum, err := a.sweeper.Run(ctx, sweep.TriggerManual)
	if errors.Is(err, sweep.ErrSweepRunning) {
		fmt.Fprintln(cmd.OutOrStdout(), "Skipped: another sweep is running")
		return nil
	}
	if sum != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(sum); encErr != nil {
			return encErr
		}
	}
	return err
}

func runSweepHistory(cmd *cobra.Command, configPath string, limit int) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	runs, err := sweep.Recent(cmd.Context(), gormDB, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No sweeps recorded.")
		return nil
	}
	w := newTable(out)
	fmt.Fprintln(w, "STARTED\tTRIGGER\tFOUND\tPROCESSED\tSKIPPED\tERRORS\tDISPATCHED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%dms\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Trigger,
			r.Found, r.Processed, r.Skipped, r.Errors, r.Dispatched, r.DurationMs)
	}
	return w.Flush()
}
