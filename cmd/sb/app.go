package main

import (
	"context"
	"fmt"

	"github.com/zulandar/signalbox/internal/alert"
	"github.com/zulandar/signalbox/internal/capi"
	"github.com/zulandar/signalbox/internal/classify"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/db"
	"github.com/zulandar/signalbox/internal/dialog"
	"github.com/zulandar/signalbox/internal/direction"
	"github.com/zulandar/signalbox/internal/dispatch"
	"github.com/zulandar/signalbox/internal/intake"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/sweep"
	"github.com/zulandar/signalbox/internal/verdict"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app is the wired component graph shared by serve and sweep.
type app struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	db      *gorm.DB
	store   *dialog.Store
	events  *dispatch.EventLog
	intake  *intake.Service
	sweeper *sweep.Sweeper // nil when no AI provider is configured
	closers []func() error
}

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: logging.New(cfg.Logger), db: gormDB}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	a.store = dialog.NewStore(a.db)
	a.events = dispatch.NewEventLog(a.db)
	resolver := direction.NewResolver(a.db)

	var conversions dispatch.Conversions
	if cfg.CAPI.PixelID != "" {
		client, err := capi.NewClient(cfg.CAPI)
		if err != nil {
			return err
		}
		conversions = client
	} else {
		a.log.Warnw("capi.pixel_id is not set, signals will be logged as skipped and not sent")
	}
	dispatcher, err := dispatch.New(dispatch.Opts{
		Store:         a.store,
		Log:           a.events,
		Conversions:   conversions,
		SchemaVersion: cfg.Funnel.SchemaVersion,
		Logger:        a.log.Named("dispatch"),
	})
	if err != nil {
		return err
	}

	var lookup classify.AdOriginLookup
	if cfg.Funnel.ReferralRedisURL != "" {
		ref, err := classify.NewReferralLookup(cfg.Funnel.ReferralRedisURL, cfg.Funnel.ReferralPrefix)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, ref.Close)
		lookup = ref
	}

	a.intake, err = intake.New(intake.Opts{
		Store:      a.store,
		Resolver:   resolver,
		Counter:    classify.NewCounterClassifier(a.store, lookup, cfg.Funnel.Level1Threshold),
		CRM:        classify.NewCRMRuleClassifier(a.log.Named("crm")),
		Dispatcher: dispatcher,
		Logger:     a.log.Named("intake"),
	})
	if err != nil {
		return err
	}

	if cfg.AI.Provider == "none" {
		return nil
	}
	client, err := verdict.NewGemini(ctx, cfg.AI)
	if err != nil {
		return err
	}

	var locker sweep.Locker
	if cfg.Sweep.Lock == "redis" {
		rl, err := sweep.NewRedisLocker(cfg.Sweep.RedisURL, sweep.DefaultLockKey, cfg.Sweep.LockTTL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rl.Close)
		locker = rl
	}

	opts := sweep.Opts{
		DB:          a.db,
		Store:       a.store,
		Resolver:    resolver,
		Classifier:  classify.NewAIVerdictClassifier(client, a.store),
		Dispatcher:  dispatcher,
		Locker:      locker,
		Logger:      a.log.Named("sweep"),
		Window:      cfg.Sweep.Window,
		BatchSize:   cfg.Sweep.BatchSize,
		ItemDelay:   cfg.Sweep.ItemDelay,
		Concurrency: cfg.Sweep.Concurrency,
	}
	notifier, err := alert.NewNotifier(cfg.Alert, a.log.Named("alert"))
	if err != nil {
		return err
	}
	if notifier != nil {
		opts.Notifier = notifier
	}
	a.sweeper, err = sweep.New(opts)
	return err
}

// Close releases connections opened by newApp.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warnw("close failed", "error", err)
		}
	}
	if sqlDB, err := a.db.DB(); err == nil {
		sqlDB.Close()
	}
	a.log.Sync()
}
