// Package store defines the repository interfaces the ingestion core reads
// and writes through. SQL implementations live under ingest/go/sql; the
// in-memory implementations in the memstore subpackage back the unit tests.
package store

import (
	"context"
	"errors"
	"time"

	"go.scholarhound.org/scholarhound/ingest/go/types"
)

// Sentinel errors returned by store implementations. Callers are expected
// to check them with errors.Is.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrActiveRunExists is returned by RunStore.Create when the partial
	// unique index on active runs rejects the insert.
	ErrActiveRunExists = errors.New("an active run already exists for this user")

	// ErrIdempotencyConflict is returned by RunStore.Create when a manual
	// run with the same (user_id, idempotency_key) already exists.
	ErrIdempotencyConflict = errors.New("idempotency key already used")

	// ErrNotCancelable is returned by RunStore.Cancel for terminal runs.
	ErrNotCancelable = errors.New("run is not cancelable")
)

// UserStore provides access to users and their settings.
type UserStore interface {
	// GetUser returns the user with the given id.
	GetUser(ctx context.Context, userID int64) (*types.User, error)

	// GetOrCreateSettings returns the settings row for the user, creating a
	// default row if none exists yet.
	GetOrCreateSettings(ctx context.Context, userID int64) (*types.UserSettings, error)

	// UpdateSettings writes the full settings row back.
	UpdateSettings(ctx context.Context, s *types.UserSettings) error

	// ListAutoRunEnabled returns settings for all users with
	// auto_run_enabled set.
	ListAutoRunEnabled(ctx context.Context) ([]types.UserSettings, error)
}

// ScholarStore provides access to scholar profiles.
type ScholarStore interface {
	// GetScholar returns the scholar profile with the given id.
	GetScholar(ctx context.Context, id int64) (*types.ScholarProfile, error)

	// ListEnabled returns the user's enabled scholars in (created_at, id)
	// order.
	ListEnabled(ctx context.Context, userID int64) ([]types.ScholarProfile, error)

	// UpdateRunState records the outcome of the scholar's most recent run.
	UpdateRunState(ctx context.Context, id int64, status types.ScholarOutcome, runDT time.Time) error

	// SetInitialPageFingerprint stores the first-page fingerprint and marks
	// the baseline as completed.
	SetInitialPageFingerprint(ctx context.Context, id int64, fingerprint string, checkedAt time.Time) error

	// UpdateProfileMeta applies scraped display name and/or profile image.
	// Empty strings leave the corresponding column untouched.
	UpdateProfileMeta(ctx context.Context, id int64, displayName, profileImageURL string) error
}

// PublicationListOptions control publication listing.
type PublicationListOptions struct {
	// SortBy is one of first_seen, title, year, citations, scholar,
	// pdf_status.
	SortBy   string
	SortDesc bool
	// SnapshotBefore, when non-zero, restricts results to links created at
	// or before the given instant so pagination is stable across
	// concurrent inserts.
	SnapshotBefore time.Time
	Limit          int
	Offset         int
}

// PublicationRow is a publication joined with one scholar link, as listed
// for a user.
type PublicationRow struct {
	types.Publication
	ScholarProfileID int64
	IsRead           bool
	IsFavorite       bool
	FirstSeenRunID   int64
	FirstSeenAt      time.Time
}

// PublicationStore provides access to the shared publication corpus.
type PublicationStore interface {
	// GetPublication returns the publication with the given id.
	GetPublication(ctx context.Context, id int64) (*types.Publication, error)

	// FindByClusterID returns the publication with the given Scholar
	// cluster id, or nil if none matches.
	FindByClusterID(ctx context.Context, clusterID string) (*types.Publication, error)

	// FindByFingerprint returns the publication with the given
	// fingerprint_sha256, or nil.
	FindByFingerprint(ctx context.Context, fingerprint string) (*types.Publication, error)

	// FindByCanonicalTitleHash returns the first publication with the given
	// canonical title hash, or nil.
	FindByCanonicalTitleHash(ctx context.Context, hash string) (*types.Publication, error)

	// CreatePublication inserts a new publication and returns its id.
	CreatePublication(ctx context.Context, p *types.Publication) (int64, error)

	// UpdatePublication writes the mutable columns back.
	UpdatePublication(ctx context.Context, p *types.Publication) error

	// AddIdentifier upserts an identifier, keeping the higher confidence on
	// conflict.
	AddIdentifier(ctx context.Context, id types.PublicationIdentifier) error

	// ListIdentifiers returns all identifiers for a publication.
	ListIdentifiers(ctx context.Context, publicationID int64) ([]types.PublicationIdentifier, error)

	// LinkScholar inserts the scholar/publication link if it does not
	// already exist. Returns true if a new link was created.
	LinkScholar(ctx context.Context, scholarProfileID, publicationID, runID int64) (bool, error)

	// ListForEnrichment returns the user's publications that are not yet
	// enriched and were last attempted before the given cutoff (or never).
	ListForEnrichment(ctx context.Context, userID int64, attemptedBefore time.Time, limit int) ([]types.Publication, error)

	// MarkEnrichmentAttempt sets openalex_last_attempt_at.
	MarkEnrichmentAttempt(ctx context.Context, publicationID int64, at time.Time) error

	// BestDisplayIdentifier picks the highest-confidence identifier for UI
	// display, or nil if the publication has none.
	BestDisplayIdentifier(ctx context.Context, publicationID int64) (*types.DisplayIdentifier, error)

	// FindIdentifierDuplicatePairs returns (winner, dup) publication id
	// pairs that share a normalized identifier; winner is the lower id.
	FindIdentifierDuplicatePairs(ctx context.Context) ([][2]int64, error)

	// MergePublications migrates the dup's scholar links to the winner
	// (dropping conflicts) and deletes the dup.
	MergePublications(ctx context.Context, winnerID, dupID int64) error

	// ListForUser lists publications linked to any of the user's scholars.
	ListForUser(ctx context.Context, userID int64, opts PublicationListOptions) ([]PublicationRow, error)

	// MarkAllUnreadAsRead marks every unread link of the user as read and
	// returns how many rows changed.
	MarkAllUnreadAsRead(ctx context.Context, userID int64) (int, error)

	// MarkSelectedAsRead marks the given publications as read for the user.
	MarkSelectedAsRead(ctx context.Context, userID int64, publicationIDs []int64) error

	// SetFavorite sets the favorite flag on the user's link to the
	// publication.
	SetFavorite(ctx context.Context, userID, publicationID int64, favorite bool) error
}

// RunStore provides access to crawl runs.
type RunStore interface {
	// CreateRun inserts a run in status running, filling in its ID. Returns
	// ErrActiveRunExists or ErrIdempotencyConflict on the corresponding
	// unique-index violations.
	CreateRun(ctx context.Context, run *types.CrawlRun) error

	// GetRun returns the run with the given id.
	GetRun(ctx context.Context, runID int64) (*types.CrawlRun, error)

	// GetRunStatus returns just the status column; used as the cheap
	// cancellation probe between pages and batches.
	GetRunStatus(ctx context.Context, runID int64) (types.RunStatus, error)

	// GetByIdempotencyKey returns the manual run with the given key, or nil.
	GetByIdempotencyKey(ctx context.Context, userID int64, key string) (*types.CrawlRun, error)

	// IncNewPubCount adds delta to the run's new_pub_count. Called
	// page-by-page so cancellation preserves partial discovery counts.
	IncNewPubCount(ctx context.Context, runID int64, delta int) error

	// FinalizeRun writes the end timestamp, counters, and log; sets status
	// unless the run was canceled in the meantime. Returns the status the
	// run actually holds afterwards.
	FinalizeRun(ctx context.Context, runID int64, endDT time.Time, scholarCount int, log types.RunLog, status types.RunStatus) (types.RunStatus, error)

	// FinishResolving transitions resolving -> terminal. It is a no-op if
	// the run is not in resolving (e.g. it was canceled).
	FinishResolving(ctx context.Context, runID int64, terminal types.RunStatus) error

	// CancelRun marks an active run canceled. Returns ErrNotCancelable for
	// terminal runs.
	CancelRun(ctx context.Context, runID int64, at time.Time) error

	// LastRunStart returns the start time of the user's most recent run, or
	// nil if the user never ran.
	LastRunStart(ctx context.Context, userID int64) (*time.Time, error)
}

// QueueStore provides access to the continuation queue.
type QueueStore interface {
	// UpsertJob creates or replaces the job for (user, scholar), resetting
	// it to status queued with the given resume cursor, reason, and next
	// attempt time. The attempt count of a live existing job is preserved
	// so scheduler retries keep counting toward the max-attempt drop; only
	// a previously dropped job starts over at the given count.
	UpsertJob(ctx context.Context, job *types.QueueItem) error

	// GetJob returns the job with the given id.
	GetJob(ctx context.Context, id int64) (*types.QueueItem, error)

	// ClearForScholar deletes any job for (user, scholar).
	ClearForScholar(ctx context.Context, userID, scholarProfileID int64) error

	// DeleteJob deletes the job with the given id.
	DeleteJob(ctx context.Context, id int64) error

	// ListDue returns active jobs (queued or retrying) whose
	// next_attempt_dt <= now, ordered by (next_attempt_dt, id), at most
	// limit.
	ListDue(ctx context.Context, now time.Time, limit int) ([]types.QueueItem, error)

	// ListJobsForUser returns all jobs of the user.
	ListJobsForUser(ctx context.Context, userID int64) ([]types.QueueItem, error)

	// IncrementAttempt bumps attempt_count and returns the new value.
	IncrementAttempt(ctx context.Context, id int64) (int, error)

	// ResetAttempts sets attempt_count back to zero.
	ResetAttempts(ctx context.Context, id int64) error

	// MarkRetrying flips the job to status retrying.
	MarkRetrying(ctx context.Context, id int64) error

	// MarkDropped moves the job to its terminal dropped state.
	MarkDropped(ctx context.Context, id int64, reason, lastError string, at time.Time) error

	// MarkQueuedNow re-activates a job immediately, optionally resetting
	// its attempt count. Used by operators to retry dropped jobs.
	MarkQueuedNow(ctx context.Context, id int64, reason string, resetAttempts bool, now time.Time) error

	// RescheduleJob moves next_attempt_dt into the future and records the
	// reason and last error, returning the job to status queued.
	RescheduleJob(ctx context.Context, id int64, nextAttempt time.Time, reason, lastError string) error

	// CountActive returns the number of queued+retrying jobs; exported as a
	// gauge.
	CountActive(ctx context.Context) (int, error)
}

// CacheStore persists remote-service feed cache entries.
type CacheStore interface {
	// GetFeed returns the raw cache row for (service, key), or nil.
	GetFeed(ctx context.Context, service, key string) (*types.CachedFeed, error)

	// UpsertFeed inserts or replaces the cache row.
	UpsertFeed(ctx context.Context, feed *types.CachedFeed) error

	// DeleteFeed removes the cache row, if present.
	DeleteFeed(ctx context.Context, service, key string) error

	// PruneToMax evicts the oldest rows (by cached_at) of the service until
	// at most max remain.
	PruneToMax(ctx context.Context, service string, max int) error
}

// RuntimeStateStore persists per-remote-service politeness state.
type RuntimeStateStore interface {
	// GetState returns the runtime state row for the key, or nil.
	GetState(ctx context.Context, key string) (*types.RuntimeState, error)

	// UpsertState inserts or replaces the runtime state row.
	UpsertState(ctx context.Context, s *types.RuntimeState) error
}

// UserLocker serializes runs per user. The SQL implementation uses a
// transactional advisory lock (pg_try_advisory_xact_lock) held for the
// duration of the run.
type UserLocker interface {
	// AcquireRunLock attempts to take the per-user run lock without
	// blocking. On success it returns a release function which must be
	// called exactly once; on contention it returns ok=false.
	AcquireRunLock(ctx context.Context, userID int64) (release func(), ok bool, err error)
}

// Stores aggregates every repository; constructed once at startup and
// threaded through the components.
type Stores struct {
	Users        UserStore
	Scholars     ScholarStore
	Publications PublicationStore
	Runs         RunStore
	Queue        QueueStore
	Cache        CacheStore
	RuntimeState RuntimeStateStore
	Locker       UserLocker
}
