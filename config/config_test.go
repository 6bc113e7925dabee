package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesSpecDocumentedDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, 3, c.Resilience.MaxRetries)
	assert.Equal(t, 1000, c.Resilience.RetryBaseDelayMS)
	assert.Equal(t, 5, c.Resilience.CircuitBreakerThreshold)
	assert.Equal(t, 60000, c.Resilience.CircuitBreakerResetMS)
	assert.Equal(t, 3, c.Batch.BatchSize)
	assert.Equal(t, 1000, c.Batch.InterBatchDelayMS)
	assert.False(t, c.Logging.VerboseLogs)
}

func TestLoadFromEnv_OverridesOnlySetVars(t *testing.T) {
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("VERBOSE_LOGS", "true")
	os.Unsetenv("BATCH_SIZE")

	c := LoadFromEnv()
	assert.Equal(t, 7, c.Resilience.MaxRetries)
	assert.True(t, c.Logging.VerboseLogs)
	assert.Equal(t, 3, c.Batch.BatchSize, "unset vars keep the default")
}

func TestParseCollectors_OrdersProvidersAsDeclared(t *testing.T) {
	doc := []byte(`
collectors:
  - name: gemini
    enabled: true
    timeout_ms: 30000
    retries: 3
    priority_rank: 1
    providers:
      - name: direct_gemini
        priority: 1
        enabled: true
        timeout_ms: 30000
        fallback_on_failure: true
      - name: openrouter_gemini
        priority: 1
        enabled: true
        timeout_ms: 45000
        fallback_on_failure: true
`)
	collectors, err := ParseCollectors(doc)
	require.NoError(t, err)
	require.Contains(t, collectors, "gemini")

	providers := collectors["gemini"].Providers
	require.Len(t, providers, 2)
	assert.Equal(t, "direct_gemini", providers[0].Name)
	assert.Equal(t, "openrouter_gemini", providers[1].Name)
}
