package instanceconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
	// Comments are allowed, this is JSON5.
	port: ":8000",
	prom_port: ":20000",
	database: {
		connection_string: "postgresql://root@localhost:26257/scholarhound?sslmode=disable",
	},
	ingestion: {
		continuation_queue_enabled: true,
		max_pages_per_scholar: 5,
		retry_backoff: "3s",
		safety_cooldown_blocked: "45m",
	},
	scheduler: {
		tick_interval: "30s",
		queue_batch_size: 25,
	},
	arxiv: {
		enabled: true,
		timeout: "10s",
		cache_ttl: "12h",
		mailto: "ops@scholarhound.org",
	},
	author_search: {
		cooldown: "5m",
	},
	openalex: {
		api_key: "secret",
	},
	crossref_mailto: "ops@scholarhound.org",
}`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	c, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, ":8000", c.Port)
	assert.Equal(t, 5, c.Ingestion.MaxPagesPerScholar)
	assert.Equal(t, 3*time.Second, c.Ingestion.RetryBackoff.Duration)
	assert.Equal(t, 45*time.Minute, c.Ingestion.SafetyCooldownBlocked.Duration)
	assert.Equal(t, 30*time.Second, c.Scheduler.TickInterval.Duration)
	assert.True(t, c.Arxiv.Enabled)
	assert.Equal(t, 12*time.Hour, c.Arxiv.CacheTTL.Duration)
	assert.Equal(t, "secret", c.OpenAlex.APIKey)
}

func TestLoad_MissingConnectionStringIsRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `{
		port: ":8000",
		prom_port: ":20000",
		database: {},
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ConnectionString")
}

func TestLoad_MissingFileIsRejected(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	require.Error(t, err)
}

func TestEngineConfig_Conversion(t *testing.T) {
	c, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)
	ec := c.Ingestion.EngineConfig()
	assert.Equal(t, 5, ec.MaxPagesPerScholar)
	assert.Equal(t, 3*time.Second, ec.NetworkRetryBackoff)
	assert.True(t, ec.ContinuationQueueEnabled)
	assert.Equal(t, 45*time.Minute, ec.SafetyBlockedCooldown)

	sc := c.Scheduler.Config(c.Ingestion)
	assert.Equal(t, 30*time.Second, sc.TickInterval)
	assert.Equal(t, 25, sc.QueueBatchSize)
}
