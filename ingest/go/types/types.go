// Package types contains the domain types shared by the ingestion service.
package types

import (
	"encoding/json"
	"regexp"
	"time"
)

// RunStatus is the lifecycle status of a CrawlRun.
type RunStatus string

const (
	RunStatusRunning        RunStatus = "running"
	RunStatusResolving      RunStatus = "resolving"
	RunStatusSuccess        RunStatus = "success"
	RunStatusPartialFailure RunStatus = "partial_failure"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCanceled       RunStatus = "canceled"
)

// IsActive returns true for statuses that count against the one-active-run
// per user limit.
func (s RunStatus) IsActive() bool {
	return s == RunStatusRunning || s == RunStatusResolving
}

// IsTerminal returns true for statuses a run can never leave. Note that
// resolving is not terminal even though scraping has finished.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusPartialFailure, RunStatusFailed, RunStatusCanceled:
		return true
	}
	return false
}

// TriggerType says what started a run.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
)

// ScholarOutcome is the per-scholar result of one run.
type ScholarOutcome string

const (
	OutcomeSuccess ScholarOutcome = "success"
	OutcomePartial ScholarOutcome = "partial"
	OutcomeFailed  ScholarOutcome = "failed"
)

// QueueStatus is the lifecycle status of a continuation queue item.
type QueueStatus string

const (
	QueueStatusQueued   QueueStatus = "queued"
	QueueStatusRetrying QueueStatus = "retrying"
	QueueStatusDropped  QueueStatus = "dropped"
)

// IdentifierKind enumerates the canonical identifier namespaces we track.
type IdentifierKind string

const (
	IdentifierDOI   IdentifierKind = "doi"
	IdentifierArxiv IdentifierKind = "arxiv"
	IdentifierPMID  IdentifierKind = "pmid"
	IdentifierPMCID IdentifierKind = "pmcid"
)

// scholarIDRegexp matches Google Scholar's 12 character profile ids.
var scholarIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{12}$`)

// ValidScholarID returns true if the given string is a plausible Scholar
// profile id.
func ValidScholarID(s string) bool {
	return scholarIDRegexp.MatchString(s)
}

// User is a registered account. Authn/authz is handled outside this service;
// the ingestion core only needs the id and active flag.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	IsActive     bool
	IsAdmin      bool
}

// SafetyCounters is the typed form of UserSettings.ScrapeSafetyState. It is
// stored as JSON but parsed at every read/write boundary.
type SafetyCounters struct {
	ConsecutiveBlockedRuns  int    `json:"consecutive_blocked_runs"`
	ConsecutiveNetworkRuns  int    `json:"consecutive_network_runs"`
	CooldownEntryCount      int    `json:"cooldown_entry_count"`
	BlockedStartCount       int    `json:"blocked_start_count"`
	LastBlockedFailureCount int    `json:"last_blocked_failure_count"`
	LastNetworkFailureCount int    `json:"last_network_failure_count"`
	LastEvaluatedRunID      *int64 `json:"last_evaluated_run_id"`
}

// UserSettings is the 1:1 per-user settings row, created lazily on first
// access.
type UserSettings struct {
	UserID              int64
	AutoRunEnabled      bool
	RunIntervalMinutes  int // >= 15
	RequestDelaySeconds int // >= 2, also enforced by a DB check constraint
	NavVisiblePages     json.RawMessage
	SafetyState         SafetyCounters
	ScrapeCooldownUntil *time.Time
	ScrapeCooldownReason string
	OpenAlexAPIKey      string
	CrossrefMailto      string
}

// ScholarProfile is a Google-Scholar-identified author profile owned by a
// user.
type ScholarProfile struct {
	ID                      int64
	UserID                  int64
	ScholarID               string
	DisplayName             string
	ProfileImageURL         string
	ProfileImageOverrideURL string
	ProfileImageUploadPath  string
	IsEnabled               bool
	BaselineCompleted       bool
	LastRunDT               *time.Time
	LastRunStatus           ScholarOutcome
	// LastInitialPageFingerprint is the sha256 of the scholar's first page
	// the last time a non-partial run saw it; used to skip unchanged
	// re-scrapes.
	LastInitialPageFingerprint string
	LastInitialPageCheckedAt   *time.Time
	CreatedAt                  time.Time
}

// Publication is a globally shared record representing one academic work.
// Multiple users may link to the same Publication.
type Publication struct {
	ID                    int64
	ClusterID             string // "" when unknown; globally unique when set
	FingerprintSHA256     string // globally unique
	CanonicalTitleHash    string
	DOI                   string
	TitleRaw              string
	TitleNormalized       string
	Year                  int // 0 when unknown
	CitationCount         int // >= 0
	AuthorText            string
	VenueText             string
	PubURL                string
	PDFURL                string
	OpenAlexEnriched      bool
	OpenAlexLastAttemptAt *time.Time
}

// PublicationIdentifier is one external identifier attached to a
// Publication. (publication_id, kind, value_normalized) is unique.
type PublicationIdentifier struct {
	PublicationID   int64
	Kind            IdentifierKind
	ValueNormalized string
	ValueRaw        string
	Confidence      float64 // [0, 1]
	Source          string
	EvidenceURL     string
}

// ScholarPublication links a scholar profile to a publication it surfaced.
type ScholarPublication struct {
	ScholarProfileID int64
	PublicationID    int64
	IsRead           bool
	IsFavorite       bool
	FirstSeenRunID   int64
	CreatedAt        time.Time
}

// ScholarResult is the per-scholar entry of a run's error log.
type ScholarResult struct {
	ScholarProfileID int64          `json:"scholar_profile_id"`
	ScholarID        string         `json:"scholar_id"`
	Outcome          ScholarOutcome `json:"outcome"`
	State            string         `json:"state"`
	StateReason      string         `json:"state_reason"`
	NewPublications  int            `json:"new_publications"`
	AttemptCount     int            `json:"attempt_count"`
	TruncatedReason  string         `json:"truncated_reason,omitempty"`
	ContinuationCstart *int         `json:"continuation_cstart,omitempty"`
	Error            string         `json:"error,omitempty"`
	Debug            *ScholarDebug  `json:"debug,omitempty"`
}

// ScholarDebug carries failure context recorded for failed scholars.
type ScholarDebug struct {
	BodyLength   int            `json:"body_length"`
	BodySHA256   string         `json:"body_sha256"`
	BodyExcerpt  string         `json:"body_excerpt"`
	MarkerCounts map[string]int `json:"marker_counts"`
	AttemptLog   []string       `json:"attempt_log"`
}

// FailureBuckets tallies per-scholar failures by their cause.
type FailureBuckets struct {
	BlockedOrCaptcha int `json:"blocked_or_captcha"`
	NetworkError     int `json:"network_error"`
	LayoutChanged    int `json:"layout_changed"`
	IngestionError   int `json:"ingestion_error"`
	Other            int `json:"other"`
}

// AlertFlags are raised when a run's failure counts cross their configured
// thresholds.
type AlertFlags struct {
	Blocked        bool `json:"blocked"`
	Network        bool `json:"network"`
	RetryScheduled bool `json:"retry_scheduled"`
}

// RunSummary is the typed form of error_log.summary.
type RunSummary struct {
	SucceededCount      int            `json:"succeeded_count"`
	FailedCount         int            `json:"failed_count"`
	PartialCount        int            `json:"partial_count"`
	Failures            FailureBuckets `json:"failures"`
	RetriesScheduled    int            `json:"retries_scheduled"`
	RetryExhaustedCount int            `json:"retry_exhausted_count"`
	Alerts              AlertFlags     `json:"alerts"`
}

// RunLog is the typed form of CrawlRun.error_log.
type RunLog struct {
	Scholars []ScholarResult   `json:"scholars"`
	Summary  *RunSummary       `json:"summary,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// CrawlRun is one execution of the ingestion process for a single user.
type CrawlRun struct {
	ID             int64
	UserID         int64
	TriggerType    TriggerType
	Status         RunStatus
	StartDT        time.Time
	EndDT          *time.Time
	ScholarCount   int
	NewPubCount    int
	IdempotencyKey string // "" when absent
	Log            RunLog
}

// QueueItem is one resumable per-scholar continuation job.
// (user_id, scholar_profile_id) is unique.
type QueueItem struct {
	ID               int64
	UserID           int64
	ScholarProfileID int64
	ResumeCstart     int // >= 0
	Reason           string
	Status           QueueStatus
	AttemptCount     int
	NextAttemptDT    time.Time
	LastRunID        *int64
	LastError        string
	DroppedReason    string
	DroppedAt        *time.Time
}

// CachedFeed is one persisted remote-service cache entry.
type CachedFeed struct {
	Service  string
	QueryKey string
	Payload  json.RawMessage
	ExpiresAt time.Time
	CachedAt  time.Time
}

// RuntimeState is the per-remote-service politeness singleton.
type RuntimeState struct {
	StateKey           string
	NextAllowedAt      *time.Time
	CooldownUntil      *time.Time
	ConsecutiveBlocked int
}

// RunStartResult is what the run engine reports to its caller.
type RunStartResult struct {
	CrawlRunID          int64     `json:"crawl_run_id"`
	Status              RunStatus `json:"status"`
	ScholarCount        int       `json:"scholar_count"`
	SucceededCount      int       `json:"succeeded_count"`
	FailedCount         int       `json:"failed_count"`
	PartialCount        int       `json:"partial_count"`
	NewPublicationCount int       `json:"new_publication_count"`
	ReusedExistingRun   bool      `json:"reused_existing_run"`
}

// DisplayIdentifier is the highest-confidence identifier chosen for UI
// display.
type DisplayIdentifier struct {
	Kind       IdentifierKind `json:"kind"`
	Value      string         `json:"value"`
	Label      string         `json:"label"`
	URL        string         `json:"url"`
	Confidence float64        `json:"confidence_score"`
}
