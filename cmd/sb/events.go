package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/dispatch"
	"github.com/zulandar/signalbox/internal/funnel"
)

func newEventsCmd() *cobra.Command {
	var (
		configPath string
		key        string
		status     string
		level      int
		limit      int
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List dispatched conversion events",
		Long:  "Lists event log rows newest first. Prints a table on a terminal and JSON lines otherwise.",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := dispatch.ListOpts{ConversationKey: key, Status: status, Limit: limit}
			if level != 0 {
				l, err := funnel.ParseLevel(level)
				if err != nil {
					return err
				}
				opts.Level = l
			}
			return runEvents(cmd, configPath, opts, asJSON)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().StringVarP(&key, "key", "k", "", "filter by conversation key")
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status (success, error, skipped)")
	cmd.Flags().IntVarP(&level, "level", "l", 0, "filter by funnel level (1-3)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "force JSON lines output")
	return cmd
}

func runEvents(cmd *cobra.Command, configPath string, opts dispatch.ListOpts, asJSON bool) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	rows, err := dispatch.NewEventLog(gormDB).List(cmd.Context(), opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON || !isTerminal(out) {
		enc := json.NewEncoder(out)
		for _, r := range rows {
			if err := enc.Encode(map[string]any{
				"key":         r.ConversationKey,
				"level":       r.Level,
				"event_id":    r.EventID,
				"event_name":  r.EventName,
				"status":      r.Status,
				"source":      r.Source,
				"epoch":       r.Epoch,
				"retry_count": r.RetryCount,
				"response":    r.Response,
				"created_at":  r.CreatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "No events found.")
		return nil
	}
	w := newTable(out)
	fmt.Fprintln(w, "TIME\tKEY\tLEVEL\tSTATUS\tSOURCE\tRETRIES\tEVENT ID\tRESPONSE")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
			r.CreatedAt.Local().Format("2006-01-02 15:04:05"), r.ConversationKey, r.Level,
			r.Status, r.Source, r.RetryCount, r.EventID, truncate(r.Response, 40))
	}
	return w.Flush()
}
