// Package instanceconfig defines the JSON5 instance configuration of the
// ingestion service and its conversions into the per-component configs.
package instanceconfig

import (
	"go.scholarhound.org/scholarhound/go/config"
	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/ingest/go/engine"
	"go.scholarhound.org/scholarhound/ingest/go/scheduler"
)

// DatabaseConfig locates the CockroachDB / Postgres instance.
type DatabaseConfig struct {
	// ConnectionString is a pgx connection URL.
	ConnectionString string `json:"connection_string"`
}

// IngestionConfig tunes the run engine.
type IngestionConfig struct {
	MinRequestDelay              config.Duration `json:"min_request_delay" optional:"true"`
	NetworkErrorRetries          int             `json:"network_error_retries" optional:"true"`
	RetryBackoff                 config.Duration `json:"retry_backoff" optional:"true"`
	RateLimitRetries             int             `json:"rate_limit_retries" optional:"true"`
	RateLimitBackoff             config.Duration `json:"rate_limit_backoff" optional:"true"`
	MaxPagesPerScholar           int             `json:"max_pages_per_scholar" optional:"true"`
	PageSize                     int             `json:"page_size" optional:"true"`
	ContinuationQueueEnabled     bool            `json:"continuation_queue_enabled"`
	ContinuationBaseDelay        config.Duration `json:"continuation_base_delay" optional:"true"`
	ContinuationMaxDelay         config.Duration `json:"continuation_max_delay" optional:"true"`
	ContinuationMaxAttempts      int             `json:"continuation_max_attempts" optional:"true"`
	AlertBlockedFailureThreshold int             `json:"alert_blocked_failure_threshold" optional:"true"`
	AlertNetworkFailureThreshold int             `json:"alert_network_failure_threshold" optional:"true"`
	AlertRetryScheduledThreshold int             `json:"alert_retry_scheduled_threshold" optional:"true"`
	SafetyCooldownBlocked        config.Duration `json:"safety_cooldown_blocked" optional:"true"`
	SafetyCooldownNetwork        config.Duration `json:"safety_cooldown_network" optional:"true"`
}

// EngineConfig converts to the run engine's config; the engine applies
// its own defaults to zero fields.
func (c IngestionConfig) EngineConfig() engine.Config {
	return engine.Config{
		PageSize:                     c.PageSize,
		MaxPagesPerScholar:           c.MaxPagesPerScholar,
		NetworkErrorRetries:          c.NetworkErrorRetries,
		NetworkRetryBackoff:          c.RetryBackoff.Duration,
		RateLimitRetries:             c.RateLimitRetries,
		RateLimitRetryBackoff:        c.RateLimitBackoff.Duration,
		ContinuationQueueEnabled:     c.ContinuationQueueEnabled,
		ContinuationBaseDelay:        c.ContinuationBaseDelay.Duration,
		ContinuationMaxDelay:         c.ContinuationMaxDelay.Duration,
		ContinuationMaxAttempts:      c.ContinuationMaxAttempts,
		AlertBlockedThreshold:        c.AlertBlockedFailureThreshold,
		AlertNetworkThreshold:        c.AlertNetworkFailureThreshold,
		AlertRetryScheduledThreshold: c.AlertRetryScheduledThreshold,
		SafetyBlockedCooldown:        c.SafetyCooldownBlocked.Duration,
		SafetyNetworkCooldown:        c.SafetyCooldownNetwork.Duration,
		MinRequestDelay:              c.MinRequestDelay.Duration,
	}
}

// SchedulerConfig tunes the background dispatcher.
type SchedulerConfig struct {
	TickInterval   config.Duration `json:"tick_interval" optional:"true"`
	QueueBatchSize int             `json:"queue_batch_size" optional:"true"`
	LockRetryDelay config.Duration `json:"lock_retry_delay" optional:"true"`
}

// Config converts to the scheduler's config, borrowing the continuation
// knobs from the ingestion section.
func (c SchedulerConfig) Config(ing IngestionConfig) scheduler.Config {
	return scheduler.Config{
		TickInterval:   c.TickInterval.Duration,
		QueueBatchSize: c.QueueBatchSize,
		MaxAttempts:    ing.ContinuationMaxAttempts,
		BackoffBase:    ing.ContinuationBaseDelay.Duration,
		BackoffMax:     ing.ContinuationMaxDelay.Duration,
		LockRetryDelay: c.LockRetryDelay.Duration,
	}
}

// ArxivConfig tunes the arXiv gateway.
type ArxivConfig struct {
	Enabled           bool            `json:"enabled"`
	Timeout           config.Duration `json:"timeout" optional:"true"`
	DefaultMaxResults int             `json:"default_max_results" optional:"true"`
	CacheTTL          config.Duration `json:"cache_ttl" optional:"true"`
	CacheMaxEntries   int             `json:"cache_max_entries" optional:"true"`
	Mailto            string          `json:"mailto" optional:"true"`
}

// AuthorSearchConfig tunes the author-search feed cache.
type AuthorSearchConfig struct {
	CacheTTL         config.Duration `json:"cache_ttl" optional:"true"`
	CacheMaxEntries  int             `json:"cache_max_entries" optional:"true"`
	Cooldown         config.Duration `json:"cooldown" optional:"true"`
	BlockedThreshold int             `json:"blocked_threshold" optional:"true"`
	JitterMax        config.Duration `json:"jitter_max" optional:"true"`
}

// OpenAlexConfig holds instance-wide OpenAlex credentials; per-user
// settings override both fields.
type OpenAlexConfig struct {
	APIKey string `json:"api_key" optional:"true"`
	Mailto string `json:"mailto" optional:"true"`
}

// InstanceConfig is the root of the service's JSON5 config file.
type InstanceConfig struct {
	// Port is the main HTTP serving address, e.g. ":8000".
	Port string `json:"port"`
	// PromPort is the Prometheus metrics address, e.g. ":20000".
	PromPort string `json:"prom_port"`
	// ScholarBaseURL overrides the Google Scholar endpoint, for tests.
	ScholarBaseURL string `json:"scholar_base_url" optional:"true"`

	Database       DatabaseConfig     `json:"database"`
	Ingestion      IngestionConfig    `json:"ingestion"`
	Scheduler      SchedulerConfig    `json:"scheduler"`
	Arxiv          ArxivConfig        `json:"arxiv"`
	AuthorSearch   AuthorSearchConfig `json:"author_search"`
	OpenAlex       OpenAlexConfig     `json:"openalex"`
	CrossrefMailto string             `json:"crossref_mailto" optional:"true"`
}

// Load reads and validates the InstanceConfig at path.
func Load(path string) (*InstanceConfig, error) {
	var c InstanceConfig
	if err := config.LoadFromJSON5(&c, path); err != nil {
		return nil, skerr.Wrap(err)
	}
	return &c, nil
}
