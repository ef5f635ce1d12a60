package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/batchgrid/internal/fault"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batchgrid.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
database: /var/lib/batchgrid/jobs.db
redis:
  addr: localhost:6379
job:
  chunk_size: 250
  grid_size: 8
  poll_interval: 500ms
  timeout: 10m
  receive_timeout: 2s
  skippable_kinds: [invalid-customer, bad-row]
  backoff:
    initial: 100ms
    max: 2s
    multiplier: 2
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/batchgrid/jobs.db", cfg.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 250, cfg.Job.ChunkSize)
	assert.Equal(t, 8, cfg.Job.GridSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Job.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Job.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Job.ReceiveTimeout)
	// Untouched keys keep their defaults
	assert.Equal(t, 1000, cfg.Job.FetchSize)
	assert.Equal(t, ":8080", cfg.Coordinator.Listen)

	p := cfg.Job.Policy()
	assert.True(t, p.SkippableKinds.Contains("bad-row"))
	assert.False(t, p.RetryableKinds.Contains("bad-row"))
	assert.Equal(t, 10, p.SkipLimit)
	assert.Equal(t, 100*time.Millisecond, p.Backoff.Initial)
	assert.Equal(t, 2.0, p.Backoff.Multiplier)

	r := cfg.Job.Remote("job-7")
	assert.Equal(t, "job-7", r.JobID)
	assert.Equal(t, 4, r.MaxInFlight)
	assert.Equal(t, 10, r.MaxWaitTimeouts)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "job:\n  grid_size: 8\n")
	t.Setenv("BATCHGRID_GRID_SIZE", "16")
	t.Setenv("BATCHGRID_POLL_INTERVAL", "250ms")
	t.Setenv("BATCHGRID_NODE_ID", "node-a")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Job.GridSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Job.PollInterval)
	assert.Equal(t, "node-a", cfg.Node.ID)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		want    string
	}{
		{name: "bad yaml", content: "job: [", want: "parse"},
		{name: "bad duration", content: "job:\n  poll_interval: soon\n", want: "parse"},
		{name: "zero chunk size", content: "job:\n  chunk_size: 0\n", want: `"job.chunk_size"`},
		{name: "negative skip limit", content: "job:\n  skip_limit: -1\n", want: `"job.skip_limit"`},
		{name: "unknown log level", content: "log:\n  level: loud\n", want: `"log.level"`},
		{name: "bad redis addr", content: "redis:\n  addr: 'not an address'\n", want: `"redis.addr"`},
		{name: "bad env int", env: map[string]string{"BATCHGRID_CHUNK_SIZE": "many"}, want: "BATCHGRID_CHUNK_SIZE"},
		{name: "bad env duration", env: map[string]string{"BATCHGRID_TIMEOUT": "later"}, want: "BATCHGRID_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.content != "" {
				path = writeFile(t, tt.content)
			}
			_, err := Load(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, fault.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, fault.ErrConfiguration)
}

func TestValidateReportsEveryViolation(t *testing.T) {
	cfg := Default()
	cfg.Job.GridSize = 0
	cfg.Job.MaxInFlight = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job.grid_size")
	assert.Contains(t, err.Error(), "job.max_in_flight")
}
