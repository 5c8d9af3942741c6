package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, key, val string) {
	t.Helper()
	prior, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, val))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, prior)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestGetEnvOrDefault_FallsBackWhenUnset(t *testing.T) {
	os.Unsetenv("LABCTL_TEST_KEY")
	assert.Equal(t, "fallback", getEnvOrDefault("LABCTL_TEST_KEY", "fallback"))
}

func TestGetEnvInt_ParsesValidInt(t *testing.T) {
	withEnv(t, "LABCTL_TEST_INT", "42")
	assert.Equal(t, 42, getEnvInt("LABCTL_TEST_INT", 7))
}

func TestGetEnvInt_FallsBackOnGarbage(t *testing.T) {
	withEnv(t, "LABCTL_TEST_INT", "not-a-number")
	assert.Equal(t, 7, getEnvInt("LABCTL_TEST_INT", 7))
}

func TestGetEnvFloat_ParsesValidFloat(t *testing.T) {
	withEnv(t, "LABCTL_TEST_FLOAT", "0.85")
	v, err := getEnvFloat("LABCTL_TEST_FLOAT", 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 0.85, v, 1e-9)
}

func TestGetEnvFloat_ErrorsOnGarbage(t *testing.T) {
	withEnv(t, "LABCTL_TEST_FLOAT", "nope")
	_, err := getEnvFloat("LABCTL_TEST_FLOAT", 0.1)
	assert.Error(t, err)
}

func TestGetEnvBool_ParsesTrueFalse(t *testing.T) {
	withEnv(t, "LABCTL_TEST_BOOL", "false")
	assert.False(t, getEnvBool("LABCTL_TEST_BOOL", true))
}

func TestLoadAnalyteThresholds_DefaultsMatchSpec(t *testing.T) {
	os.Unsetenv("BACKFILL_SIMILARITY_THRESHOLD")
	os.Unsetenv("MAPPING_AUTO_ACCEPT")
	os.Unsetenv("MAPPING_QUEUE_LOWER")

	th, err := loadAnalyteThresholds()
	require.NoError(t, err)
	assert.Equal(t, 0.70, th.Fuzzy)
	assert.Equal(t, 0.80, th.AutoAccept)
	assert.Equal(t, 0.60, th.QueueLower)
	assert.Equal(t, 0.05, th.Ambiguity)
}

func TestLoadAnalyteThresholds_RespectsOverrides(t *testing.T) {
	withEnv(t, "BACKFILL_SIMILARITY_THRESHOLD", "0.75")
	th, err := loadAnalyteThresholds()
	require.NoError(t, err)
	assert.Equal(t, 0.75, th.Fuzzy)
}

func TestLoadSQLValidatorConfig_DefaultsMatchSpec(t *testing.T) {
	for _, k := range []string{"SQL_VALIDATOR_EXPLORE_LIMIT", "SQL_VALIDATOR_TABLE_LIMIT", "SQL_VALIDATOR_PLOT_LIMIT", "SQL_VALIDATOR_DATA_LIMIT"} {
		os.Unsetenv(k)
	}
	cfg, err := loadSQLValidatorConfig()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Limits.Explore)
	assert.Equal(t, 50, cfg.Limits.Table)
	assert.Equal(t, 5000, cfg.Limits.Plot)
}

func TestLoadAgenticConfig_DefaultsMatchSpec(t *testing.T) {
	for _, k := range []string{"AGENTIC_MAX_ITERATIONS", "AGENTIC_TIMEOUT_MS", "AGENTIC_SIMILARITY_THRESHOLD"} {
		os.Unsetenv(k)
	}
	cfg, err := loadAgenticConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxIterations)
	assert.Equal(t, 120000000000, int(cfg.Timeout))
	assert.Equal(t, 0.3, cfg.SimilarityThreshold)
}
