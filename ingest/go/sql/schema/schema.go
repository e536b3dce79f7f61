// Package schema holds the DDL for the ingestion service's tables. It is
// applied by sqltest for tests; production migrations are managed outside
// this repository but must converge on this schema.
package schema

// Schema is the full DDL. The partial unique indexes on CrawlRuns enforce
// the one-active-run-per-user and manual idempotency invariants at the
// database level.
const Schema = `
CREATE TABLE IF NOT EXISTS Users (
  user_id INT8 PRIMARY KEY DEFAULT unique_rowid(),
  email STRING UNIQUE NOT NULL,
  password_hash STRING NOT NULL DEFAULT '',
  is_active BOOL NOT NULL DEFAULT TRUE,
  is_admin BOOL NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS UserSettings (
  user_id INT8 PRIMARY KEY,
  auto_run_enabled BOOL NOT NULL DEFAULT FALSE,
  run_interval_minutes INT4 NOT NULL DEFAULT 1440 CHECK (run_interval_minutes >= 15),
  request_delay_seconds INT4 NOT NULL DEFAULT 2 CHECK (request_delay_seconds >= 2),
  nav_visible_pages JSONB,
  scrape_safety_state JSONB NOT NULL DEFAULT '{}',
  scrape_cooldown_until TIMESTAMPTZ,
  scrape_cooldown_reason STRING NOT NULL DEFAULT '',
  openalex_api_key STRING NOT NULL DEFAULT '',
  crossref_mailto STRING NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS ScholarProfiles (
  scholar_profile_id INT8 PRIMARY KEY DEFAULT unique_rowid(),
  user_id INT8 NOT NULL,
  scholar_id STRING NOT NULL,
  display_name STRING NOT NULL DEFAULT '',
  profile_image_url STRING NOT NULL DEFAULT '',
  profile_image_override_url STRING NOT NULL DEFAULT '',
  profile_image_upload_path STRING NOT NULL DEFAULT '',
  is_enabled BOOL NOT NULL DEFAULT TRUE,
  baseline_completed BOOL NOT NULL DEFAULT FALSE,
  last_run_dt TIMESTAMPTZ,
  last_run_status STRING NOT NULL DEFAULT '',
  last_initial_page_fingerprint STRING NOT NULL DEFAULT '',
  last_initial_page_checked_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (user_id, scholar_id),
  INDEX scholarprofiles_by_user (user_id, created_at, scholar_profile_id)
);

CREATE TABLE IF NOT EXISTS Publications (
  publication_id INT8 PRIMARY KEY DEFAULT unique_rowid(),
  cluster_id STRING NOT NULL DEFAULT '',
  fingerprint_sha256 STRING NOT NULL UNIQUE,
  canonical_title_hash STRING NOT NULL,
  doi STRING NOT NULL DEFAULT '',
  title_raw STRING NOT NULL,
  title_normalized STRING NOT NULL,
  year INT4 NOT NULL DEFAULT 0,
  citation_count INT4 NOT NULL DEFAULT 0 CHECK (citation_count >= 0),
  author_text STRING NOT NULL DEFAULT '',
  venue_text STRING NOT NULL DEFAULT '',
  pub_url STRING NOT NULL DEFAULT '',
  pdf_url STRING NOT NULL DEFAULT '',
  openalex_enriched BOOL NOT NULL DEFAULT FALSE,
  openalex_last_attempt_at TIMESTAMPTZ,
  INDEX publications_by_title_hash (canonical_title_hash)
);

CREATE UNIQUE INDEX IF NOT EXISTS publications_cluster_id_unique
  ON Publications (cluster_id) WHERE cluster_id != '';

CREATE TABLE IF NOT EXISTS PublicationIdentifiers (
  publication_id INT8 NOT NULL,
  kind STRING NOT NULL,
  value_normalized STRING NOT NULL,
  value_raw STRING NOT NULL DEFAULT '',
  confidence FLOAT8 NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
  source STRING NOT NULL DEFAULT '',
  evidence_url STRING NOT NULL DEFAULT '',
  PRIMARY KEY (publication_id, kind, value_normalized),
  INDEX identifiers_by_value (kind, value_normalized)
);

CREATE TABLE IF NOT EXISTS ScholarPublications (
  scholar_profile_id INT8 NOT NULL,
  publication_id INT8 NOT NULL,
  is_read BOOL NOT NULL DEFAULT FALSE,
  is_favorite BOOL NOT NULL DEFAULT FALSE,
  first_seen_run_id INT8 NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (scholar_profile_id, publication_id),
  INDEX scholarpublications_by_created (scholar_profile_id, created_at)
);

CREATE TABLE IF NOT EXISTS CrawlRuns (
  crawl_run_id INT8 PRIMARY KEY DEFAULT unique_rowid(),
  user_id INT8 NOT NULL,
  trigger_type STRING NOT NULL,
  status STRING NOT NULL CHECK (status IN ('running', 'resolving', 'success', 'partial_failure', 'failed', 'canceled')),
  start_dt TIMESTAMPTZ NOT NULL,
  end_dt TIMESTAMPTZ,
  scholar_count INT4 NOT NULL DEFAULT 0,
  new_pub_count INT4 NOT NULL DEFAULT 0,
  idempotency_key STRING NOT NULL DEFAULT '',
  error_log JSONB NOT NULL DEFAULT '{}',
  INDEX crawlruns_by_user (user_id, start_dt DESC)
);

CREATE UNIQUE INDEX IF NOT EXISTS crawlruns_one_active_per_user
  ON CrawlRuns (user_id) WHERE status IN ('running', 'resolving');

CREATE UNIQUE INDEX IF NOT EXISTS crawlruns_idempotency
  ON CrawlRuns (user_id, idempotency_key) WHERE idempotency_key != '';

CREATE TABLE IF NOT EXISTS IngestionQueue (
  ingestion_queue_id INT8 PRIMARY KEY DEFAULT unique_rowid(),
  user_id INT8 NOT NULL,
  scholar_profile_id INT8 NOT NULL,
  resume_cstart INT4 NOT NULL DEFAULT 0 CHECK (resume_cstart >= 0),
  reason STRING NOT NULL DEFAULT '',
  status STRING NOT NULL CHECK (status IN ('queued', 'retrying', 'dropped')),
  attempt_count INT4 NOT NULL DEFAULT 0,
  next_attempt_dt TIMESTAMPTZ NOT NULL,
  last_run_id INT8,
  last_error STRING NOT NULL DEFAULT '',
  dropped_reason STRING NOT NULL DEFAULT '',
  dropped_at TIMESTAMPTZ,
  UNIQUE (user_id, scholar_profile_id),
  INDEX ingestionqueue_due (status, next_attempt_dt, ingestion_queue_id)
);

CREATE TABLE IF NOT EXISTS CachedFeeds (
  service STRING NOT NULL,
  query_key STRING NOT NULL,
  payload JSONB NOT NULL,
  expires_at TIMESTAMPTZ NOT NULL,
  cached_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (service, query_key),
  INDEX cachedfeeds_by_age (service, cached_at)
);

CREATE TABLE IF NOT EXISTS RuntimeState (
  state_key STRING PRIMARY KEY,
  next_allowed_at TIMESTAMPTZ,
  cooldown_until TIMESTAMPTZ,
  consecutive_blocked INT4 NOT NULL DEFAULT 0
);
`
