// Package engine is the central run state machine. One StartRun call
// drives a user's crawl end to end: the safety gate, the per-user
// advisory lock, run record creation, breadth-then-depth iteration over
// the user's scholars, page-by-page publication commits, the run summary
// with its alert flags and safety feedback, and finally the handoff to
// background enrichment.
package engine

import (
	"context"
	"errors"
	"time"

	"go.scholarhound.org/scholarhound/go/metrics2"
	"go.scholarhound.org/scholarhound/go/now"
	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/go/sklog"
	"go.scholarhound.org/scholarhound/ingest/go/pagedfetch"
	"go.scholarhound.org/scholarhound/ingest/go/runevents"
	"go.scholarhound.org/scholarhound/ingest/go/safety"
	"go.scholarhound.org/scholarhound/ingest/go/scholparse"
	"go.scholarhound.org/scholarhound/ingest/go/scholsource"
	"go.scholarhound.org/scholarhound/ingest/go/store"
	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// ReasonNoChangeInitialPage is the per-scholar state reason when the
// first page matched the stored fingerprint and scraping was skipped.
const ReasonNoChangeInitialPage = "no_change_initial_page_signature"

// StateIngestionError marks a scholar whose processing hit an internal
// error rather than a page-level failure.
const StateIngestionError = "ingestion_error"

// ErrRunInProgress is returned when another run holds the user's lock or
// the one-active-run index rejects the insert.
var ErrRunInProgress = errors.New("run already in progress")

// SafetyPayload is the cooldown context attached to a blocked start.
type SafetyPayload struct {
	Reason                   string               `json:"reason"`
	CooldownUntil            *time.Time           `json:"cooldown_until"`
	CooldownRemainingSeconds int                  `json:"cooldown_remaining_seconds"`
	Counters                 types.SafetyCounters `json:"counters"`
}

// BlockedBySafetyError is returned when a run start is rejected by an
// active scrape cooldown.
type BlockedBySafetyError struct {
	Payload SafetyPayload
}

func (e *BlockedBySafetyError) Error() string {
	return "scrape_cooldown_active"
}

// Config carries the ingestion knobs of the instance configuration.
type Config struct {
	PageSize                     int
	MaxPagesPerScholar           int
	NetworkErrorRetries          int
	NetworkRetryBackoff          time.Duration
	RateLimitRetries             int
	RateLimitRetryBackoff        time.Duration
	ContinuationQueueEnabled     bool
	ContinuationBaseDelay        time.Duration
	ContinuationMaxDelay         time.Duration
	ContinuationMaxAttempts      int
	AlertBlockedThreshold        int
	AlertNetworkThreshold        int
	AlertRetryScheduledThreshold int
	SafetyBlockedCooldown        time.Duration
	SafetyNetworkCooldown        time.Duration
	MinRequestDelay              time.Duration
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = scholsource.DefaultPageSize
	}
	if c.MaxPagesPerScholar <= 0 {
		c.MaxPagesPerScholar = 3
	}
	if c.NetworkRetryBackoff <= 0 {
		c.NetworkRetryBackoff = 2 * time.Second
	}
	if c.RateLimitRetryBackoff <= 0 {
		c.RateLimitRetryBackoff = 30 * time.Second
	}
	if c.ContinuationBaseDelay <= 0 {
		c.ContinuationBaseDelay = 5 * time.Minute
	}
	if c.ContinuationMaxDelay <= 0 {
		c.ContinuationMaxDelay = time.Hour
	}
	if c.ContinuationMaxAttempts <= 0 {
		c.ContinuationMaxAttempts = 5
	}
	if c.SafetyBlockedCooldown <= 0 {
		c.SafetyBlockedCooldown = 30 * time.Minute
	}
	if c.SafetyNetworkCooldown <= 0 {
		c.SafetyNetworkCooldown = 15 * time.Minute
	}
	if c.MinRequestDelay <= 0 {
		c.MinRequestDelay = 2 * time.Second
	}
	return c
}

// Resolver runs the post-scrape enrichment pass and moves the run from
// resolving to its intended terminal status.
type Resolver interface {
	ResolveRun(ctx context.Context, runID, userID int64, terminal types.RunStatus)
}

// RunOptions select what one StartRun invocation covers.
type RunOptions struct {
	Trigger        types.TriggerType
	IdempotencyKey string
	// ScholarProfileIDs restricts the run to a subset of the user's
	// enabled scholars. Empty means all.
	ScholarProfileIDs []int64
	// StartCstartByScholarID resumes specific scholars mid-list, used by
	// the continuation queue.
	StartCstartByScholarID map[int64]int
}

// Engine drives crawl runs. Safe for concurrent use across users.
type Engine struct {
	stores   store.Stores
	fetcher  *pagedfetch.Fetcher
	bus      *runevents.Bus
	resolver Resolver
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration)
	spawn    func(f func())

	runsStarted   metrics2.Counter
	blockedStarts metrics2.Counter
}

// New returns an Engine. bus and resolver may be nil; a nil resolver
// finishes the resolving transition synchronously with no enrichment.
func New(stores store.Stores, fetcher *pagedfetch.Fetcher, bus *runevents.Bus, resolver Resolver, cfg Config) *Engine {
	return &Engine{
		stores:        stores,
		fetcher:       fetcher,
		bus:           bus,
		resolver:      resolver,
		cfg:           cfg.withDefaults(),
		sleep:         sleepCtx,
		spawn:         func(f func()) { go f() },
		runsStarted:   metrics2.GetCounter("engine_runs_started", nil),
		blockedStarts: metrics2.GetCounter("engine_blocked_starts", nil),
	}
}

// SetSleepForTesting replaces the inter-scholar sleep.
func (e *Engine) SetSleepForTesting(f func(ctx context.Context, d time.Duration)) {
	e.sleep = f
}

// SetSpawnForTesting replaces the background task spawner, letting tests
// run enrichment synchronously.
func (e *Engine) SetSpawnForTesting(f func(f func())) {
	e.spawn = f
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// StartRun executes one crawl run for the user and blocks until scraping
// is finished; enrichment continues in the background. The returned
// result reflects the run's intended terminal status.
func (e *Engine) StartRun(ctx context.Context, userID int64, opts RunOptions) (*types.RunStartResult, error) {
	if opts.Trigger == "" {
		opts.Trigger = types.TriggerManual
	}

	// Phase A: safety gate.
	settings, err := e.stores.Users.GetOrCreateSettings(ctx, userID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	ts := now.Now(ctx)
	if safety.IsCooldownActive(ctx, settings) {
		safety.RegisterBlockedStart(settings)
		if err := e.stores.Users.UpdateSettings(ctx, settings); err != nil {
			return nil, skerr.Wrap(err)
		}
		e.blockedStarts.Inc(1)
		remaining := 0
		if settings.ScrapeCooldownUntil != nil {
			remaining = int(settings.ScrapeCooldownUntil.Sub(ts).Seconds())
		}
		sklog.Warningf("Run start for user %d blocked by scrape cooldown (%ds remaining).", userID, remaining)
		return nil, &BlockedBySafetyError{Payload: SafetyPayload{
			Reason:                   settings.ScrapeCooldownReason,
			CooldownUntil:            settings.ScrapeCooldownUntil,
			CooldownRemainingSeconds: remaining,
			Counters:                 settings.SafetyState,
		}}
	}

	// Phase B: per-user lock.
	release, ok, err := e.stores.Locker.AcquireRunLock(ctx, userID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	defer release()

	// Phase C: target resolution.
	scholars, err := e.stores.Scholars.ListEnabled(ctx, userID)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	targets := scholars
	if len(opts.ScholarProfileIDs) > 0 {
		want := make(map[int64]bool, len(opts.ScholarProfileIDs))
		for _, id := range opts.ScholarProfileIDs {
			want[id] = true
		}
		targets = targets[:0:0]
		for _, sch := range scholars {
			if want[sch.ID] {
				targets = append(targets, sch)
				continue
			}
			// A subset run supersedes pending continuations for the
			// scholars it leaves out.
			if err := e.stores.Queue.ClearForScholar(ctx, userID, sch.ID); err != nil {
				return nil, skerr.Wrap(err)
			}
		}
	}

	// Phase D: run record.
	run := &types.CrawlRun{
		UserID:         userID,
		TriggerType:    opts.Trigger,
		Status:         types.RunStatusRunning,
		StartDT:        ts,
		ScholarCount:   len(targets),
		IdempotencyKey: opts.IdempotencyKey,
	}
	if err := e.stores.Runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrActiveRunExists) {
			return nil, ErrRunInProgress
		}
		if errors.Is(err, store.ErrIdempotencyConflict) {
			existing, lookupErr := e.stores.Runs.GetByIdempotencyKey(ctx, userID, opts.IdempotencyKey)
			if lookupErr != nil || existing == nil {
				return nil, skerr.Wrap(err)
			}
			sklog.Infof("Reusing run %d for user %d idempotency key %q.", existing.ID, userID, opts.IdempotencyKey)
			return reusedResult(existing), nil
		}
		return nil, skerr.Wrap(err)
	}
	e.runsStarted.Inc(1)
	sklog.Infof("Run %d started for user %d (%s), %d scholars.", run.ID, userID, opts.Trigger, len(targets))

	requestDelay := time.Duration(settings.RequestDelaySeconds) * time.Second
	if requestDelay < e.cfg.MinRequestDelay {
		requestDelay = e.cfg.MinRequestDelay
	}

	// Phase E: breadth-then-depth iteration.
	states := make([]*scholarState, 0, len(targets))
	for i := range targets {
		if i > 0 {
			if canceled := e.probeCanceled(ctx, run.ID); canceled {
				break
			}
			e.sleep(ctx, requestDelay)
		}
		st := newScholarState(&targets[i], opts.StartCstartByScholarID[targets[i].ID])
		e.runPass(ctx, run.ID, st, 1, requestDelay, true)
		states = append(states, st)
	}
	if e.cfg.MaxPagesPerScholar > 1 {
		for _, st := range states {
			if st.continuation == nil || *st.continuation <= st.startCstart {
				continue
			}
			if st.lastRes == nil || st.lastRes.TruncatedReason != pagedfetch.TruncatedMaxPages {
				continue
			}
			if canceled := e.probeCanceled(ctx, run.ID); canceled {
				break
			}
			e.sleep(ctx, requestDelay)
			e.runPass(ctx, run.ID, st, e.cfg.MaxPagesPerScholar-1, requestDelay, false)
		}
	}

	results := make([]types.ScholarResult, 0, len(states))
	retriesScheduled := 0
	totalNew := 0
	for _, st := range states {
		results = append(results, e.finishScholar(ctx, run.ID, ts, st))
		if st.queued {
			retriesScheduled++
		}
		totalNew += st.newPubs
	}

	// Phase F: summary, safety feedback, status resolution.
	summary := e.buildSummary(results, retriesScheduled)
	entered, reason := safety.ApplyRunOutcome(ctx, settings, run.ID, summary.Failures.BlockedOrCaptcha, summary.Failures.NetworkError, safety.Thresholds{
		BlockedThreshold: e.cfg.AlertBlockedThreshold,
		NetworkThreshold: e.cfg.AlertNetworkThreshold,
		BlockedCooldown:  e.cfg.SafetyBlockedCooldown,
		NetworkCooldown:  e.cfg.SafetyNetworkCooldown,
	})
	if err := e.stores.Users.UpdateSettings(ctx, settings); err != nil {
		return nil, skerr.Wrap(err)
	}
	if entered {
		sklog.Warningf("User %d entered scrape cooldown after run %d: %s.", userID, run.ID, reason)
	}

	intended := resolveStatus(len(targets), &summary)
	log := types.RunLog{Scholars: results, Summary: &summary}
	actual, err := e.stores.Runs.FinalizeRun(ctx, run.ID, now.Now(ctx), len(targets), log, types.RunStatusResolving)
	if err != nil {
		return nil, skerr.Wrap(err)
	}

	final := intended
	switch actual {
	case types.RunStatusCanceled:
		final = types.RunStatusCanceled
	case types.RunStatusResolving:
		if e.resolver != nil {
			bg := context.WithoutCancel(ctx)
			runID := run.ID
			e.spawn(func() {
				e.resolver.ResolveRun(bg, runID, userID, intended)
			})
		} else if err := e.stores.Runs.FinishResolving(ctx, run.ID, intended); err != nil {
			return nil, skerr.Wrap(err)
		}
	}

	sklog.Infof("Run %d finished scraping: %s, %d new publications.", run.ID, final, totalNew)
	return &types.RunStartResult{
		CrawlRunID:          run.ID,
		Status:              final,
		ScholarCount:        len(targets),
		SucceededCount:      summary.SucceededCount,
		FailedCount:         summary.FailedCount,
		PartialCount:        summary.PartialCount,
		NewPublicationCount: totalNew,
	}, nil
}

// CancelRun requests cancellation of an active run. The scrape loop and
// the enrichment pass observe it at their next probe point.
func (e *Engine) CancelRun(ctx context.Context, runID int64) error {
	if err := e.stores.Runs.CancelRun(ctx, runID, now.Now(ctx)); err != nil {
		return skerr.Wrap(err)
	}
	sklog.Infof("Run %d canceled.", runID)
	return nil
}

func (e *Engine) probeCanceled(ctx context.Context, runID int64) bool {
	status, err := e.stores.Runs.GetRunStatus(ctx, runID)
	if err != nil {
		sklog.Errorf("Failed to probe run %d status: %s", runID, err)
		return false
	}
	return status == types.RunStatusCanceled
}

func reusedResult(run *types.CrawlRun) *types.RunStartResult {
	res := &types.RunStartResult{
		CrawlRunID:          run.ID,
		Status:              run.Status,
		ScholarCount:        run.ScholarCount,
		NewPublicationCount: run.NewPubCount,
		ReusedExistingRun:   true,
	}
	if s := run.Log.Summary; s != nil {
		res.SucceededCount = s.SucceededCount
		res.FailedCount = s.FailedCount
		res.PartialCount = s.PartialCount
	}
	return res
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func (e *Engine) buildSummary(results []types.ScholarResult, retriesScheduled int) types.RunSummary {
	var s types.RunSummary
	s.RetriesScheduled = retriesScheduled
	for _, r := range results {
		switch r.Outcome {
		case types.OutcomeSuccess:
			s.SucceededCount++
		case types.OutcomePartial:
			s.PartialCount++
		case types.OutcomeFailed:
			s.FailedCount++
			switch r.State {
			case string(scholparse.StateBlocked):
				s.Failures.BlockedOrCaptcha++
			case string(scholparse.StateNetworkError):
				s.Failures.NetworkError++
				if r.AttemptCount > 1 {
					s.RetryExhaustedCount++
				}
			case string(scholparse.StateLayoutChanged):
				s.Failures.LayoutChanged++
			case StateIngestionError:
				s.Failures.IngestionError++
			default:
				s.Failures.Other++
			}
		}
	}
	s.Alerts = types.AlertFlags{
		Blocked:        s.Failures.BlockedOrCaptcha >= atLeastOne(e.cfg.AlertBlockedThreshold),
		Network:        s.Failures.NetworkError >= atLeastOne(e.cfg.AlertNetworkThreshold),
		RetryScheduled: s.RetriesScheduled >= atLeastOne(e.cfg.AlertRetryScheduledThreshold),
	}
	return s
}

func resolveStatus(scholarCount int, s *types.RunSummary) types.RunStatus {
	switch {
	case scholarCount == 0:
		return types.RunStatusSuccess
	case s.FailedCount == scholarCount:
		return types.RunStatusFailed
	case s.FailedCount > 0 || s.PartialCount > 0:
		return types.RunStatusPartialFailure
	case s.SucceededCount > 0:
		return types.RunStatusSuccess
	default:
		return types.RunStatusFailed
	}
}
