package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/artifactd/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load("", dir)
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(dir, "watch")}, cfg.Paths.Watch)
	assert.Equal(t, filepath.Join(dir, "archive"), cfg.Paths.Archive)
	assert.Equal(t, "hybrid", cfg.Processing.Mode)
	assert.Equal(t, 4, cfg.Processing.MaxWorkers)
	assert.Equal(t, 5*time.Second, cfg.Processing.RetryDelay)
	assert.Equal(t, model.PriorityLevels{model.PriorityHigh, model.PriorityMedium, model.PriorityLow}, cfg.Queue.Levels())
	assert.False(t, cfg.Queue.StarvationGuard.Enabled, "strict priority by default")
	assert.Equal(t, "file", cfg.Queue.Backend)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	require.NoError(t, os.WriteFile(path, []byte(`
processing:
  mode: batch
  max_workers: 2
  batch_timeout: 1m
queue:
  max_queue_size: 5
  priority_levels: [high, low]
monitoring:
  alert_thresholds:
    error_rate: 0.5
`), 0644))
	t.Setenv("ARTIFACTD_PROCESSING_MAX_WORKERS", "7")

	cfg, err := Load(path, dir)
	require.NoError(t, err)
	assert.Equal(t, "batch", cfg.Processing.Mode)
	assert.Equal(t, 7, cfg.Processing.MaxWorkers, "environment wins over file")
	assert.Equal(t, time.Minute, cfg.Processing.BatchTimeout)
	assert.Equal(t, 5, cfg.Queue.MaxQueueSize)
	assert.Equal(t, model.PriorityLevels{model.PriorityHigh, model.PriorityLow}, cfg.Queue.Levels())
	assert.InDelta(t, 0.5, cfg.Monitoring.AlertThresholds.ErrorRate, 1e-9)
	assert.Equal(t, 3, cfg.Processing.RetryAttempts, "unset keys keep defaults")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad mode", "processing:\n  mode: sometimes\n"},
		{"zero workers", "processing:\n  max_workers: 0\n"},
		{"unknown level", "queue:\n  priority_levels: [high, urgent]\n"},
		{"duplicate level", "queue:\n  priority_levels: [high, high]\n"},
		{"redis without url", "queue:\n  backend: redis\n"},
		{"error rate above one", "monitoring:\n  alert_thresholds:\n    error_rate: 2\n"},
		{"guard without ratio", "queue:\n  starvation_guard:\n    enabled: true\n    ratio: 0\n"},
		{"http without url", "processor:\n  type: http\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, DefaultFile)
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			_, err := Load(path, dir)
			assert.Error(t, err)
		})
	}
}

func TestWriteDefault_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	require.NoError(t, WriteDefault(path))
	assert.Error(t, WriteDefault(path), "must not overwrite")

	cfg, err := Load(path, dir)
	require.NoError(t, err)
	assert.Equal(t, Default(dir), cfg)
}

func TestEnsureDirs(t *testing.T) {
	cfg := Default(t.TempDir())
	require.NoError(t, EnsureDirs(cfg.Paths))
	for _, d := range []string{cfg.Paths.Watch[0], cfg.Paths.Temp, filepath.Join(cfg.Paths.State, "records")} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
