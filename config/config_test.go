package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestVerbosityLevelClampsToRange(t *testing.T) {
	assert.Equal(t, zerolog.ErrorLevel, VerbosityLevel(-1))
	assert.Equal(t, zerolog.ErrorLevel, VerbosityLevel(0))
	assert.Equal(t, zerolog.WarnLevel, VerbosityLevel(1))
	assert.Equal(t, zerolog.InfoLevel, VerbosityLevel(2))
	assert.Equal(t, zerolog.DebugLevel, VerbosityLevel(3))
	assert.Equal(t, zerolog.DebugLevel, VerbosityLevel(99))
}

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("SAT_LATENCY_DIR", "")
	t.Setenv("SAT_LATENCY_BATCH_SIZE", "")
	t.Setenv("SAT_LATENCY_BATCH_DELAY", "")

	env := LoadEnv()
	assert.Equal(t, defaultLatencyDir, env.LatencyDir)
	assert.Equal(t, defaultBatchMaxSize, env.BatchMaxSize)
	assert.Equal(t, defaultBatchMaxDelay, env.BatchMaxDelay)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SAT_LATENCY_DIR", "/tmp/latencies")
	t.Setenv("SAT_LATENCY_BATCH_SIZE", "512")
	t.Setenv("SAT_LATENCY_BATCH_DELAY", "not-a-number")

	env := LoadEnv()
	assert.Equal(t, "/tmp/latencies", env.LatencyDir)
	assert.Equal(t, 512, env.BatchMaxSize)
	assert.Equal(t, defaultBatchMaxDelay, env.BatchMaxDelay)
}
