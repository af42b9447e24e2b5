/*
scheduler.go - Failed dispatch replay scheduler

PURPOSE:
  The webhook acknowledges every lead update, so a commission dispatch that
  failed (database down, lock conflict past retries, inconsistent data) is
  parked in the dispatch_failures table. This scheduler replays them.

DESIGN:
  - gocron duration job, singleton mode so runs never overlap
  - Replays oldest first through the dispatcher with the referral version
    captured when the event failed; a referral that moved on since makes the
    replay stale, and it resolves without moving money
  - Success (including a skip) resolves the failure; an error bumps
    attempts and last_error
  - Failures at MaxAttempts stay queued for an operator and are not retried
    automatically; the admin endpoint still replays them
  - Events carry their EventID, so a replay that already landed is a
    duplicate and resolves without moving money twice

USAGE:
  scheduler, err := NewRetryScheduler(dispatcher, store, time.Minute, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/generic"
	"github.com/warp/commission-engine/logging"
	"github.com/warp/commission-engine/referral"
)

const (
	defaultRetryBatch       = 100
	defaultRetryMaxAttempts = 20
)

// RetryRun summarizes one pass over the queue.
type RetryRun struct {
	Processed int
	Resolved  int
	Failed    int
	// Stale counts resolved failures a newer lead status had superseded.
	Stale int
}

// RetryScheduler periodically replays failed dispatches.
type RetryScheduler struct {
	Dispatcher  *referral.Dispatcher
	Failures    generic.FailureStore
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int

	logger    *zap.Logger
	scheduler gocron.Scheduler
	mu        sync.Mutex
}

// NewRetryScheduler creates a scheduler. Call Start to begin the periodic job.
func NewRetryScheduler(d *referral.Dispatcher, failures generic.FailureStore, interval time.Duration, logger *zap.Logger) (*RetryScheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	rs := &RetryScheduler{
		Dispatcher:  d,
		Failures:    failures,
		Interval:    interval,
		BatchSize:   defaultRetryBatch,
		MaxAttempts: defaultRetryMaxAttempts,
		logger:      logging.OrNop(logger),
		scheduler:   s,
	}

	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(rs.tick),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("dispatch-failure-retry"),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule retry job: %w", err)
	}
	return rs, nil
}

// Start begins the periodic job.
func (rs *RetryScheduler) Start() {
	rs.scheduler.Start()
	rs.logger.Info("retry scheduler started", zap.Duration("interval", rs.Interval))
}

// Stop waits for a running pass to finish and stops the job.
func (rs *RetryScheduler) Stop() error {
	err := rs.scheduler.Shutdown()
	rs.logger.Info("retry scheduler stopped")
	return err
}

func (rs *RetryScheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.Interval)
	defer cancel()

	run, err := rs.replay(ctx, true)
	if err != nil {
		rs.logger.Error("dispatch failure replay failed", zap.Error(err))
		return
	}
	if run.Processed > 0 {
		rs.logger.Info("dispatch failures replayed",
			zap.Int("processed", run.Processed),
			zap.Int("resolved", run.Resolved),
			zap.Int("failed", run.Failed),
		)
	}
}

// RunNow replays every pending failure immediately, including those past
// MaxAttempts.
func (rs *RetryScheduler) RunNow(ctx context.Context) (RetryRun, error) {
	return rs.replay(ctx, false)
}

func (rs *RetryScheduler) replay(ctx context.Context, honorMaxAttempts bool) (RetryRun, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var run RetryRun
	pending, err := rs.Failures.PendingFailures(ctx, rs.BatchSize)
	if err != nil {
		return run, fmt.Errorf("list pending failures: %w", err)
	}

	for _, f := range pending {
		if ctx.Err() != nil {
			return run, ctx.Err()
		}
		if honorMaxAttempts && rs.MaxAttempts > 0 && f.Attempts >= rs.MaxAttempts {
			continue
		}
		run.Processed++

		res, derr := rs.Dispatcher.OnLeadStatusChanged(ctx, referral.LeadStatusChanged{
			LeadID:          f.LeadID,
			NewStatus:       referral.LeadStatus(f.NewStatus),
			EventID:         f.EventID,
			ExpectedVersion: f.ExpectedVersion,
		})
		if derr != nil {
			run.Failed++
			if err := rs.Failures.MarkFailureAttempt(ctx, f.ID, derr.Error()); err != nil {
				return run, fmt.Errorf("mark failure %s: %w", f.ID, err)
			}
			rs.logger.Warn("dispatch replay failed",
				zap.String("failure_id", f.ID),
				zap.String("lead_id", string(f.LeadID)),
				zap.Int("attempts", f.Attempts+1),
				zap.Error(derr),
			)
			continue
		}

		run.Resolved++
		if res != nil && res.Skipped == referral.SkipStale {
			run.Stale++
			rs.logger.Info("dispatch replay superseded by a newer lead status",
				zap.String("failure_id", f.ID),
				zap.String("lead_id", string(f.LeadID)),
			)
		}
		if err := rs.Failures.ResolveFailure(ctx, f.ID); err != nil {
			return run, fmt.Errorf("resolve failure %s: %w", f.ID, err)
		}
	}
	return run, nil
}
