package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/server"
	"github.com/zulandar/signalbox/internal/sweep"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and the scheduled sweep",
		Long:  "Serves the channel and CRM webhooks and, when an AI provider is configured, runs the batch analyzer on its schedule.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	if port <= 0 {
		port = a.cfg.Server.Port
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	switch {
	case a.sweeper == nil:
		a.log.Warnw("ai.provider is none, scheduled sweeps are disabled")
	case !a.cfg.Sweep.IsEnabled():
		a.log.Infow("scheduled sweeps disabled by config")
	default:
		sched, err := sweep.ParseSchedule(a.cfg.Sweep.Schedule)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.sweeper.RunSchedule(ctx, sched)
		}()
		a.log.Infow("sweep scheduled", "schedule", a.cfg.Sweep.Schedule)
	}

	opts := server.Opts{
		DB:           a.db,
		Intake:       a.intake,
		Store:        a.store,
		Events:       a.events,
		WebhookToken: a.cfg.Server.WebhookToken,
		Port:         port,
		Logger:       a.log.Named("http"),
		Out:          cmd.OutOrStdout(),
	}
	if a.sweeper != nil {
		opts.Sweeper = a.sweeper
	}
	err = server.Start(ctx, opts)
	cancel()
	return err
}
