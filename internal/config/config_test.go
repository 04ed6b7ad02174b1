package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 1000, cfg.Pipeline.InsertBatchSize)
	assert.Equal(t, 2000, cfg.Pipeline.StreamPageSize)
	assert.Equal(t, 60, cfg.Pipeline.ExecTimeoutSecs)
	assert.Equal(t, 2, cfg.Pipeline.SampleRowsPerFile)
	assert.Equal(t, 20, cfg.Pipeline.ProfileSampleRows)
	assert.Equal(t, "python3", cfg.Pipeline.Interpreter)
	assert.Equal(t, int64(8192), cfg.Anthropic.MaxTokens)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("STOCKINTEL_PIPELINE_EXEC_TIMEOUT_SECS", "5")
	t.Setenv("STOCKINTEL_STORE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Pipeline.ExecTimeoutSecs)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.Error(t, InitLogger(LogConfig{Level: "nope"}))
}
