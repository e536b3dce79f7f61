// Package scheduler is the background dispatcher. A single in-process
// ticker drains due continuation-queue jobs back into the run engine and
// starts scheduled runs for users whose auto-run interval has elapsed.
// There is no cross-process leader election; the per-user advisory lock
// inside the run engine keeps dispatch at most once.
package scheduler

import (
	"context"
	"errors"
	"time"

	"go.scholarhound.org/scholarhound/go/metrics2"
	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/go/util"
	"go.scholarhound.org/scholarhound/ingest/go/contqueue"
	"go.scholarhound.org/scholarhound/ingest/go/engine"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// Reschedule reasons recorded on queue items.
const (
	ReasonUserRunLockActive    = "user_run_lock_active"
	ReasonScrapeCooldownActive = "scrape_cooldown_active"
)

// minRunInterval is the floor on a user's auto-run interval.
const minRunInterval = 15 * time.Minute

// Config tunes one Scheduler. The zero value gets the defaults below.
type Config struct {
	TickInterval   time.Duration
	QueueBatchSize int
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	LockRetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.QueueBatchSize <= 0 {
		c.QueueBatchSize = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Minute
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Hour
	}
	if c.LockRetryDelay <= 0 {
		c.LockRetryDelay = 2 * time.Minute
	}
	return c
}

// RunStarter is the slice of the run engine the scheduler drives.
type RunStarter interface {
	StartRun(ctx context.Context, userID int64, opts engine.RunOptions) (*types.RunStartResult, error)
}

// Scheduler drains the continuation queue and starts due auto runs.
type Scheduler struct {
	stores store.Stores
	eng    RunStarter
	cfg    Config

	ticks       metrics2.Counter
	jobsStarted metrics2.Counter
	jobsDropped metrics2.Counter
	autoRuns    metrics2.Counter
}

// New returns a Scheduler.
func New(stores store.Stores, eng RunStarter, cfg Config) *Scheduler {
	return &Scheduler{
		stores:      stores,
		eng:         eng,
		cfg:         cfg.withDefaults(),
		ticks:       metrics2.GetCounter("scheduler_ticks", nil),
		jobsStarted: metrics2.GetCounter("scheduler_jobs_started", nil),
		jobsDropped: metrics2.GetCounter("scheduler_jobs_dropped", nil),
		autoRuns:    metrics2.GetCounter("scheduler_auto_runs_started", nil),
	}
}

// Start launches the tick loop in a goroutine. It stops when ctx is
// canceled.
func (s *Scheduler) Start(ctx context.Context) {
	go util.RepeatCtx(ctx, s.cfg.TickInterval, s.Tick)
}

// Tick runs one scheduler pass: the continuation queue first, then due
// auto runs.
func (s *Scheduler) Tick(ctx context.Context) {
	s.ticks.Inc(1)
	s.drainQueue(ctx)
	s.startDueAutoRuns(ctx)
}

func (s *Scheduler) drainQueue(ctx context.Context) {
	jobs, err := s.stores.Queue.ListDue(ctx, now.Now(ctx), s.cfg.QueueBatchSize)
	if err != nil {
		sklog.Errorf("Failed to list due continuation jobs: %s", err)
		return
	}
	for i := range jobs {
		s.dispatchJob(ctx, &jobs[i])
	}
}

func (s *Scheduler) dispatchJob(ctx context.Context, job *types.QueueItem) {
	if contqueue.ShouldDrop(job.AttemptCount, s.cfg.MaxAttempts) {
		s.dropJob(ctx, job, contqueue.DropMaxAttempts, "")
		return
	}
	if err := s.stores.Queue.MarkRetrying(ctx, job.ID); err != nil {
		sklog.Errorf("Failed to mark job %d retrying: %s", job.ID, err)
		return
	}
	sch, err := s.stores.Scholars.GetScholar(ctx, job.ScholarProfileID)
	if err != nil || !sch.IsEnabled {
		s.dropJob(ctx, job, contqueue.DropScholarUnavailable, "")
		return
	}

	s.jobsStarted.Inc(1)
	sklog.Infof("Dispatching continuation for scholar %d (user %d) at cstart %d.", job.ScholarProfileID, job.UserID, job.ResumeCstart)
	res, err := s.eng.StartRun(ctx, job.UserID, engine.RunOptions{
		Trigger:           types.TriggerScheduled,
		ScholarProfileIDs: []int64{job.ScholarProfileID},
		StartCstartByScholarID: map[int64]int{
			job.ScholarProfileID: job.ResumeCstart,
		},
	})

	var blocked *engine.BlockedBySafetyError
	switch {
	case errors.Is(err, engine.ErrRunInProgress):
		s.reschedule(ctx, job.ID, s.cfg.LockRetryDelay, ReasonUserRunLockActive, "")
	case errors.As(err, &blocked):
		delay := time.Duration(blocked.Payload.CooldownRemainingSeconds) * time.Second
		if delay < s.cfg.LockRetryDelay {
			delay = s.cfg.LockRetryDelay
		}
		s.reschedule(ctx, job.ID, delay, ReasonScrapeCooldownActive, "")
	case err != nil:
		s.failJob(ctx, job, err.Error())
	case res.FailedCount == 0:
		// The run engine reconciled the queue itself: it either cleared
		// the job or requeued a fresh continuation.
		sklog.Infof("Continuation for scholar %d finished: %s.", job.ScholarProfileID, res.Status)
	default:
		s.failJob(ctx, job, "")
	}
}

// failJob bumps the attempt counter and either drops the job or
// backoff-reschedules it under its existing reason.
func (s *Scheduler) failJob(ctx context.Context, job *types.QueueItem, lastError string) {
	attempts, err := s.stores.Queue.IncrementAttempt(ctx, job.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			sklog.Errorf("Failed to bump attempts for job %d: %s", job.ID, err)
		}
		return
	}
	if contqueue.ShouldDrop(attempts, s.cfg.MaxAttempts) {
		s.dropJob(ctx, job, contqueue.DropIngestionError, lastError)
		return
	}
	delay := contqueue.Backoff(s.cfg.BackoffBase, s.cfg.BackoffMax, attempts)
	s.reschedule(ctx, job.ID, delay, job.Reason, lastError)
}

func (s *Scheduler) reschedule(ctx context.Context, jobID int64, delay time.Duration, reason, lastError string) {
	next := now.Now(ctx).Add(delay)
	if err := s.stores.Queue.RescheduleJob(ctx, jobID, next, reason, lastError); err != nil {
		sklog.Errorf("Failed to reschedule job %d: %s", jobID, err)
		return
	}
	sklog.Infof("Rescheduled job %d for %s (%s).", jobID, next.Format(time.RFC3339), reason)
}

func (s *Scheduler) dropJob(ctx context.Context, job *types.QueueItem, reason, lastError string) {
	if err := s.stores.Queue.MarkDropped(ctx, job.ID, reason, lastError, now.Now(ctx)); err != nil {
		sklog.Errorf("Failed to drop job %d: %s", job.ID, err)
		return
	}
	s.jobsDropped.Inc(1)
	sklog.Warningf("Dropped continuation job %d for scholar %d: %s.", job.ID, job.ScholarProfileID, reason)
}

// startDueAutoRuns starts a scheduled run for every auto-run user whose
// interval has elapsed. The safety gate and user lock still apply inside
// the engine.
func (s *Scheduler) startDueAutoRuns(ctx context.Context) {
	settings, err := s.stores.Users.ListAutoRunEnabled(ctx)
	if err != nil {
		sklog.Errorf("Failed to list auto-run users: %s", err)
		return
	}
	ts := now.Now(ctx)
	for _, st := range settings {
		interval := time.Duration(st.RunIntervalMinutes) * time.Minute
		if interval < minRunInterval {
			interval = minRunInterval
		}
		last, err := s.stores.Runs.LastRunStart(ctx, st.UserID)
		if err != nil {
			sklog.Errorf("Failed to read last run start for user %d: %s", st.UserID, err)
			continue
		}
		if last != nil && ts.Sub(*last) < interval {
			continue
		}
		if _, err := s.eng.StartRun(ctx, st.UserID, engine.RunOptions{Trigger: types.TriggerScheduled}); err != nil {
			var blocked *engine.BlockedBySafetyError
			if errors.Is(err, engine.ErrRunInProgress) || errors.As(err, &blocked) {
				sklog.Infof("Auto run for user %d deferred: %s.", st.UserID, err)
			} else {
				sklog.Errorf("Auto run for user %d failed: %s", st.UserID, err)
			}
			continue
		}
		s.autoRuns.Inc(1)
	}
}
