// Package sweep is the scheduled batch analyzer: it periodically asks the AI
// verdict classifier about recently active channel conversations and hands
// levels 2 and 3 to the dispatcher.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zulandar/signalbox/internal/classify"
	"github.com/zulandar/signalbox/internal/dialog"
	"github.com/zulandar/signalbox/internal/direction"
	"github.com/zulandar/signalbox/internal/dispatch"
	"github.com/zulandar/signalbox/internal/funnel"
	"github.com/zulandar/signalbox/internal/models"
	"github.com/zulandar/signalbox/internal/verdict"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// ErrSweepRunning is returned when a sweep is already in progress. The
// caller's sweep is dropped, not queued.
var ErrSweepRunning = errors.New("sweep: already running")

// Sweep triggers recorded on SweepRun rows.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Summary describes one completed sweep.
type Summary struct {
	Trigger    string        `json:"trigger"`
	Found      int           `json:"found"`
	Processed  int           `json:"processed"`
	Skipped    int           `json:"skipped"`
	Errors     int           `json:"errors"`
	Dispatched int           `json:"dispatched"`
	Duration   time.Duration `json:"-"`
	DurationMs int64         `json:"duration_ms"`
	StartedAt  time.Time     `json:"started_at"`
	Err        string        `json:"error,omitempty"`
}

// Notifier receives sweep summaries.
type Notifier interface {
	Notify(ctx context.Context, sum Summary) error
}

// Opts configures a Sweeper.
type Opts struct {
	DB          *gorm.DB
	Store       *dialog.Store
	Resolver    *direction.Resolver
	Classifier  classify.LevelClassifier
	Dispatcher  *dispatch.Dispatcher
	Locker      Locker
	Notifier    Notifier
	Logger      *zap.SugaredLogger
	Window      time.Duration
	BatchSize   int
	ItemDelay   time.Duration
	Concurrency int
	Now         func() time.Time
}

// Sweeper runs batch sweeps.
type Sweeper struct {
	db          *gorm.DB
	store       *dialog.Store
	resolver    *direction.Resolver
	classifier  classify.LevelClassifier
	dispatcher  *dispatch.Dispatcher
	locker      Locker
	notifier    Notifier
	log         *zap.SugaredLogger
	window      time.Duration
	batchSize   int
	itemDelay   time.Duration
	concurrency int
	now         func() time.Time
}

// New returns a Sweeper. Unset limits take their defaults: a 60 minute
// window, batches of 50, 100ms between items, one worker.
func New(opts Opts) (*Sweeper, error) {
	if opts.DB == nil || opts.Store == nil || opts.Resolver == nil {
		return nil, fmt.Errorf("sweep: db, store and resolver are required")
	}
	if opts.Classifier == nil {
		return nil, fmt.Errorf("sweep: classifier is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("sweep: dispatcher is required")
	}
	if opts.Locker == nil {
		opts.Locker = &MutexLocker{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.Window <= 0 {
		opts.Window = 60 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.ItemDelay < 0 {
		opts.ItemDelay = 0
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		db:          opts.DB,
		store:       opts.Store,
		resolver:    opts.Resolver,
		classifier:  opts.Classifier,
		dispatcher:  opts.Dispatcher,
		locker:      opts.Locker,
		notifier:    opts.Notifier,
		log:         opts.Logger,
		window:      opts.Window,
		batchSize:   opts.BatchSize,
		itemDelay:   opts.ItemDelay,
		concurrency: opts.Concurrency,
		now:         opts.Now,
	}, nil
}

// tally accumulates per-item outcomes from concurrent workers.
type tally struct {
	mu         sync.Mutex
	processed  int
	skipped    int
	errors     int
	dispatched int
}

func (t *tally) add(processed, skipped, errs, dispatched int) {
	t.mu.Lock()
	t.processed += processed
	t.skipped += skipped
	t.errors += errs
	t.dispatched += dispatched
	t.mu.Unlock()
}

// Run performs one sweep. It returns ErrSweepRunning without a summary if
// another sweep holds the lock. Failures for one conversation are counted
// and never abort the sweep.
func (s *Sweeper) Run(ctx context.Context, trigger string) (sum *Summary, err error) {
	release, ok, err := s.locker.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.Infow("sweep skipped, previous sweep still running", "trigger", trigger)
		return nil, ErrSweepRunning
	}
	defer release()

	start := s.now()
	t := &tally{}
	var found int

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweep: panic: %v", r)
		}
		sum = &Summary{
			Trigger:    trigger,
			Found:      found,
			Processed:  t.processed,
			Skipped:    t.skipped,
			Errors:     t.errors,
			Dispatched: t.dispatched,
			Duration:   s.now().Sub(start),
			StartedAt:  start,
		}
		sum.DurationMs = sum.Duration.Milliseconds()
		if err != nil {
			sum.Err = err.Error()
			sum.Errors++
		}
		s.finish(ctx, sum)
	}()

	dialogs, err := s.store.Eligible(ctx, dialog.EligibleQuery{
		Since: start.Add(-s.window),
		Limit: s.batchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("sweep: select eligible: %w", err)
	}
	found = len(dialogs)
	s.log.Infow("sweep started", "trigger", trigger, "found", found)

	limit := rate.Inf
	if s.itemDelay > 0 {
		limit = rate.Every(s.itemDelay)
	}
	limiter := rate.NewLimiter(limit, 1)

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range dialogs {
		if err := limiter.Wait(ctx); err != nil {
			s.log.Warnw("sweep interrupted", "error", err, "remaining", len(dialogs)-i)
			break
		}
		d := dialogs[i]
		g.Go(func() error {
			s.process(ctx, &d, t)
			return nil
		})
	}
	_ = g.Wait()
	return sum, nil
}

// process classifies one conversation and dispatches what it reached.
func (s *Sweeper) process(ctx context.Context, d *models.Dialog, t *tally) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("sweep item panicked", "key", d.ConversationKey, "panic", r)
			t.add(0, 0, 1, 0)
		}
	}()

	settings, err := s.resolver.ResolveFor(ctx, *d.DirectionID, funnel.SourceChannel)
	if err != nil {
		if funnel.IsConfigurationError(err) {
			s.log.Warnw("sweep item skipped", "key", d.ConversationKey, "error", err)
			t.add(0, 1, 0, 0)
			return
		}
		s.log.Errorw("sweep item resolve failed", "key", d.ConversationKey, "error", err)
		t.add(0, 0, 1, 0)
		return
	}

	sigs, err := s.classifier.Classify(ctx, classify.Input{Dialog: d, Settings: settings})
	if err != nil {
		if verdict.IsPermanent(err) {
			if markErr := s.store.MarkIneligible(ctx, d.ConversationKey, err.Error()); markErr != nil {
				s.log.Errorw("mark ineligible failed", "key", d.ConversationKey, "error", markErr)
			}
		}
		s.log.Warnw("sweep item classification failed", "key", d.ConversationKey, "permanent", verdict.IsPermanent(err), "error", err)
		t.add(0, 0, 1, 0)
		return
	}

	errs, dispatched := 0, 0
	for _, res := range s.dispatcher.DispatchAll(ctx, sigs) {
		switch res.Status {
		case dispatch.StatusSuccess:
			dispatched++
		case dispatch.StatusError:
			errs++
		}
	}
	t.add(1, 0, errs, dispatched)
}

// finish persists the summary and notifies operators.
func (s *Sweeper) finish(ctx context.Context, sum *Summary) {
	run := models.SweepRun{
		Trigger:    sum.Trigger,
		Found:      sum.Found,
		Processed:  sum.Processed,
		Skipped:    sum.Skipped,
		Errors:     sum.Errors,
		Dispatched: sum.Dispatched,
		DurationMs: sum.DurationMs,
		Error:      sum.Err,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.StartedAt.Add(sum.Duration),
	}
	storeCtx := context.WithoutCancel(ctx)
	if err := s.db.WithContext(storeCtx).Create(&run).Error; err != nil {
		s.log.Errorw("record sweep run failed", "error", err)
	}

	s.log.Infow("sweep finished",
		"trigger", sum.Trigger,
		"found", sum.Found,
		"processed", sum.Processed,
		"skipped", sum.Skipped,
		"errors", sum.Errors,
		"dispatched", sum.Dispatched,
		"duration", sum.Duration,
	)

	if s.notifier != nil {
		if err := s.notifier.Notify(storeCtx, *sum); err != nil {
			s.log.Warnw("sweep notification failed", "error", err)
		}
	}
}

// Recent returns the latest sweep runs, newest first.
func Recent(ctx context.Context, db *gorm.DB, limit int) ([]models.SweepRun, error) {
	var runs []models.SweepRun
	q := db.WithContext(ctx).Order("started_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("sweep: recent runs: %w", err)
	}
	return runs, nil
}
