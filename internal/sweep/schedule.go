package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@hourly" or "@every 30m".
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a schedule expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("sweep: parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// RunSchedule runs a sweep at every fire time of sched until ctx is done.
// Ticks start sweeps in the background, so a sweep that overruns the period
// makes the next tick find the lock held and skip.
func (s *Sweeper) RunSchedule(ctx context.Context, sched cron.Schedule) {
	var wg sync.WaitGroup
	defer wg.Wait()

	timer := time.NewTimer(time.Until(sched.Next(time.Now())))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Run(ctx, TriggerSchedule); err != nil && !errors.Is(err, ErrSweepRunning) {
					s.log.Errorw("scheduled sweep failed", "error", err)
				}
			}()
			timer.Reset(time.Until(sched.Next(time.Now())))
		}
	}
}
