package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "signalbox.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sb",
		Short:        "Signalbox: conversion attribution for chat and CRM funnels",
		Long:         "Signalbox turns chat and CRM activity into deduplicated funnel conversion events.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSweepCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newDialogsCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "sb %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	// Secrets usually come from the environment; a local .env is optional.
	_ = godotenv.Load()
	os.Exit(execute(newRootCmd()))
}
