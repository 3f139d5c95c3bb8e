package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/dialog"
	"github.com/zulandar/signalbox/internal/models"
)

func newDialogsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dialogs",
		Short: "Inspect conversation state",
	}

	cmd.AddCommand(newDialogsShowCmd())
	return cmd
}

func newDialogsShowCmd() *cobra.Command {
	var (
		configPath string
		messages   int
	)

	cmd := &cobra.Command{
		Use:   "show <conversation-key>",
		Short: "Show funnel state and recent transcript for one conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDialogsShow(cmd, configPath, args[0], messages)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().IntVarP(&messages, "messages", "m", 10, "number of transcript lines to show (0 for none)")
	return cmd
}

func runDialogsShow(cmd *cobra.Command, configPath, key string, messages int) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	store := dialog.NewStore(gormDB)
	d, err := store.Get(cmd.Context(), key)
	if errors.Is(err, dialog.ErrNotFound) {
		return fmt.Errorf("dialog %q not found", key)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	w := newTable(out)
	fmt.Fprintf(w, "Key:\t%s\n", d.ConversationKey)
	if d.DirectionID != nil {
		fmt.Fprintf(w, "Direction:\t%d\n", *d.DirectionID)
	} else {
		fmt.Fprintf(w, "Direction:\t-\n")
	}
	if d.AdAttributedAt != nil {
		fmt.Fprintf(w, "Ad source:\t%s (since %s)\n", d.AdSourceID, formatTime(d.AdAttributedAt))
	} else {
		fmt.Fprintf(w, "Ad source:\t-\n")
	}
	fmt.Fprintf(w, "Messages since ad:\t%d\n", d.AdMessageCount)
	fmt.Fprintf(w, "Epoch:\t%d\n", d.Epoch)
	for level := 1; level <= 3; level++ {
		fmt.Fprintf(w, "Level %d:\t%s\n", level, levelState(d, level))
	}
	fmt.Fprintf(w, "Last activity:\t%s\n", formatTime(&d.LastActivityAt))
	if d.Ineligible {
		fmt.Fprintf(w, "Ineligible:\t%s\n", d.IneligibleReason)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if messages <= 0 {
		return nil
	}
	lines, err := store.Transcript(cmd.Context(), d.ID, messages)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nTranscript (%d):\n", len(lines))
	for _, m := range lines {
		fmt.Fprintf(out, "  [%s] %s: %s\n", m.SentAt.Local().Format("01-02 15:04"), m.Role, truncate(m.Text, 120))
	}
	return nil
}

func levelState(d *models.Dialog, level int) string {
	if !d.LevelSent(level) {
		return "not sent"
	}
	var at *time.Time
	switch level {
	case 1:
		at = d.Level1SentAt
	case 2:
		at = d.Level2SentAt
	case 3:
		at = d.Level3SentAt
	}
	return fmt.Sprintf("sent %s (%s)", formatTime(at), d.LevelEventID(level))
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
