// Package automation runs the once-per-day background jobs: applying due price
// changes and scanning client stock for replenishment quotes.
package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"poolcare/backend/internal/domain"
	"poolcare/backend/internal/observability"
	"poolcare/backend/internal/runmarker"
	"poolcare/backend/internal/store"
)

const (
	JobPriceChangeCheck   = "price-change-check"
	JobStockReplenishment = "stock-replenishment"
)

// WatchedCollections are the collections whose changes trigger a pass.
var WatchedCollections = []string{
	store.CollectionSettings,
	store.CollectionClients,
	store.CollectionProducts,
}

// Jobs is the work a pass runs.
type Jobs interface {
	ApplyDuePriceChanges(ctx context.Context, now time.Time) (domain.PriceChangeApplyResult, error)
	RunReplenishmentScan(ctx context.Context, now time.Time) (domain.ReplenishmentScanResult, error)
}

type Outcome string

const (
	OutcomeRan     Outcome = "ran"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

type JobResult struct {
	Job     string
	Day     string
	Outcome Outcome
	Err     error
}

type Options struct {
	Logger   logrus.FieldLogger
	Metrics  *observability.Metrics
	Clock    func() time.Time
	Location *time.Location
}

type Runner struct {
	jobs    Jobs
	tracker runmarker.LastRunTracker
	log     logrus.FieldLogger
	metrics *observability.Metrics
	now     func() time.Time
	loc     *time.Location

	group singleflight.Group

	mu   sync.Mutex
	cron *cron.Cron
}

func NewRunner(jobs Jobs, tracker runmarker.LastRunTracker, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Runner{
		jobs:    jobs,
		tracker: tracker,
		log:     opts.Logger.WithField("component", "automation"),
		metrics: opts.Metrics,
		now:     opts.Clock,
		loc:     opts.Location,
	}
}

// RunPass runs every job that has not yet run today. Concurrent callers share
// one pass and its result.
func (r *Runner) RunPass(ctx context.Context) []JobResult {
	value, _, _ := r.group.Do("pass", func() (any, error) {
		return r.runPass(ctx, r.now()), nil
	})
	return value.([]JobResult)
}

func (r *Runner) runPass(ctx context.Context, now time.Time) []JobResult {
	return []JobResult{
		r.runJob(ctx, JobPriceChangeCheck, now, func(ctx context.Context) (bool, error) {
			result, err := r.jobs.ApplyDuePriceChanges(ctx, now)
			if err != nil {
				return false, err
			}
			if len(result.Failed) > 0 {
				return false, fmt.Errorf("%d price change(s) failed to apply", len(result.Failed))
			}
			// Nothing was due yet; a change effective later today is picked up
			// by the next pass.
			return len(result.Applied) > 0, nil
		}),
		r.runJob(ctx, JobStockReplenishment, now, func(ctx context.Context) (bool, error) {
			result, err := r.jobs.RunReplenishmentScan(ctx, now)
			if err != nil {
				return false, err
			}
			if len(result.Failed) > 0 {
				return false, fmt.Errorf("%d client(s) failed to get a quote", len(result.Failed))
			}
			return true, nil
		}),
	}
}

// runJob claims the job's day marker before running and gives it back when
// the job fails or reports it has not finished for the day, so a later pass
// the same day runs it again.
func (r *Runner) runJob(ctx context.Context, job string, now time.Time, run func(context.Context) (bool, error)) JobResult {
	day := runmarker.Day(now, r.loc)
	result := JobResult{Job: job, Day: day}
	log := r.log.WithFields(logrus.Fields{"job": job, "day": day})

	claimed, err := r.tracker.Claim(ctx, job, day)
	if err != nil {
		log.WithError(err).Warn("claim run marker failed")
		result.Outcome = OutcomeFailed
		result.Err = err
		r.metrics.AutomationRun(job, string(OutcomeFailed))
		return result
	}
	if !claimed {
		result.Outcome = OutcomeSkipped
		r.metrics.AutomationRun(job, string(OutcomeSkipped))
		return result
	}

	done, err := run(ctx)
	if err != nil {
		log.WithError(err).Warn("automation job failed")
		r.release(ctx, log, job, day)
		result.Outcome = OutcomeFailed
		result.Err = err
		r.metrics.AutomationRun(job, string(OutcomeFailed))
		return result
	}
	if !done {
		r.release(ctx, log, job, day)
	}

	log.WithField("done_for_day", done).Debug("automation job finished")
	result.Outcome = OutcomeRan
	r.metrics.AutomationRun(job, string(OutcomeRan))
	return result
}

func (r *Runner) release(ctx context.Context, log logrus.FieldLogger, job, day string) {
	if err := r.tracker.Release(ctx, job, day); err != nil {
		log.WithError(err).Error("release run marker failed")
	}
}

// Watch runs a pass for every change event until ctx is done or the
// subscription closes.
func (r *Runner) Watch(ctx context.Context, sub store.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			r.log.WithFields(logrus.Fields{
				"collection": event.Collection,
				"id":         event.ID,
			}).Debug("change observed")
			r.RunPass(ctx)
		}
	}
}

// Start schedules passes on a cron spec evaluated in the business location.
func (r *Runner) Start(spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("automation runner already started")
	}

	c := cron.New(cron.WithLocation(r.loc))
	if _, err := c.AddFunc(spec, func() {
		r.RunPass(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule automation %q: %w", spec, err)
	}
	c.Start()
	r.cron = c
	r.log.WithField("schedule", spec).Info("automation scheduled")
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
