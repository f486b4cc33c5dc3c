package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Batch.ChunkSize)
	assert.Equal(t, 24, cfg.Export.DownloadTTLHours)
	assert.Equal(t, "file", cfg.Export.ArtifactStore)
	assert.Equal(t, int64(100), cfg.Batch.RetryBackoff().Milliseconds())
}

func TestLoadFromEnvOverride(t *testing.T) {
	t.Setenv("BATCHGATE_LIMITS_EXPORT_DAILY", "3")
	t.Setenv("BATCHGATE_EXPORT_ARTIFACT_STORE", "memory")

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Limits.ExportDaily)
	assert.Equal(t, "memory", cfg.Export.ArtifactStore)
}

func TestLoadFromExplicitSetWins(t *testing.T) {
	v := viper.New()
	v.Set("batch.chunk_size", 10)
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Batch.ChunkSize)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"chunk size":     func(c *Config) { c.Batch.ChunkSize = 0 },
		"concurrency":    func(c *Config) { c.Batch.MaxConcurrency = -1 },
		"ingest cap":     func(c *Config) { c.Batch.MaxIngestRecords = 0 },
		"export cap":     func(c *Config) { c.Export.MaxRecords = 0 },
		"download ttl":   func(c *Config) { c.Export.DownloadTTLHours = 0 },
		"artifact store": func(c *Config) { c.Export.ArtifactStore = "s3" },
		"principal key":  func(c *Config) { c.Principals = []PrincipalConfig{{ID: "a"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
