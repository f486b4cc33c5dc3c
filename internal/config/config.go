package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Log         LogConfig          `mapstructure:"log"`
	Metrics     MetricsConfig      `mapstructure:"metrics"`
	Auth        AuthConfig         `mapstructure:"auth"`
	Database    DatabaseConfig     `mapstructure:"database"`
	Redis       RedisConfig        `mapstructure:"redis"`
	Limits      LimitsConfig       `mapstructure:"limits"`
	Batch       BatchConfig        `mapstructure:"batch"`
	Export      ExportConfig       `mapstructure:"export"`
	Anomaly     AnomalyConfig      `mapstructure:"anomaly"`
	Audit       AuditConfig        `mapstructure:"audit"`
	Principals  []PrincipalConfig  `mapstructure:"principals"`
	Permissions []PermissionConfig `mapstructure:"permissions"`
	FieldTypes  map[string]string  `mapstructure:"field_types"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type AuthConfig struct {
	AdminKey string `mapstructure:"admin_key"`
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	RecordsTable           string `mapstructure:"records_table"`
	AuditRetentionDays     int    `mapstructure:"audit_retention_days"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type LimitsConfig struct {
	ExportDaily int     `mapstructure:"export_daily"` // exports per principal per UTC day
	IngestDaily int     `mapstructure:"ingest_daily"` // ingest batches per principal per UTC day
	QPS         float64 `mapstructure:"qps"`          // burst guard in front of the API
	Burst       int     `mapstructure:"burst"`
}

type BatchConfig struct {
	ChunkSize        int      `mapstructure:"chunk_size"`
	MaxConcurrency   int      `mapstructure:"max_concurrency"`
	MaxIngestRecords int      `mapstructure:"max_ingest_records"`
	ItemRetries      int      `mapstructure:"item_retries"`
	RetryBackoffMs   int      `mapstructure:"retry_backoff_ms"`
	MaxErrorDetails  int      `mapstructure:"max_error_details"`
	RequiredFields   []string `mapstructure:"required_fields"`
}

type ExportConfig struct {
	MaxRecords       int    `mapstructure:"max_records"`
	DownloadTTLHours int    `mapstructure:"download_ttl_hours"`
	ArtifactDir      string `mapstructure:"artifact_dir"`
	ArtifactStore    string `mapstructure:"artifact_store"` // memory | file | redis
}

type AnomalyConfig struct {
	BulkRecordCutoff int `mapstructure:"bulk_record_cutoff"`
	BulkThreshold    int `mapstructure:"bulk_threshold"`
	BurstThreshold   int `mapstructure:"burst_threshold"`
}

type AuditConfig struct {
	LogDir        string `mapstructure:"log_dir"`
	BufferSize    int    `mapstructure:"buffer_size"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
	RetryDelayMs  int    `mapstructure:"retry_delay_ms"`
}

type PrincipalConfig struct {
	ID     string `mapstructure:"id"`
	Name   string `mapstructure:"name"`
	Role   string `mapstructure:"role"`
	APIKey string `mapstructure:"api_key"`
}

type PermissionConfig struct {
	Role             string   `mapstructure:"role"`
	Exportable       []string `mapstructure:"exportable"`
	RequiresApproval []string `mapstructure:"requires_approval"`
	Denied           []string `mapstructure:"denied"`
}

func (b BatchConfig) RetryBackoff() time.Duration {
	return time.Duration(b.RetryBackoffMs) * time.Millisecond
}

func (e ExportConfig) DownloadTTL() time.Duration {
	return time.Duration(e.DownloadTTLHours) * time.Hour
}

func (a AuditConfig) RetryDelay() time.Duration {
	return time.Duration(a.RetryDelayMs) * time.Millisecond
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Batch.ChunkSize <= 0 {
		return fmt.Errorf("batch.chunk_size must be positive, got %d", c.Batch.ChunkSize)
	}
	if c.Batch.MaxConcurrency <= 0 {
		return fmt.Errorf("batch.max_concurrency must be positive, got %d", c.Batch.MaxConcurrency)
	}
	if c.Batch.MaxIngestRecords <= 0 {
		return fmt.Errorf("batch.max_ingest_records must be positive, got %d", c.Batch.MaxIngestRecords)
	}
	if c.Export.MaxRecords <= 0 {
		return fmt.Errorf("export.max_records must be positive, got %d", c.Export.MaxRecords)
	}
	if c.Export.DownloadTTLHours <= 0 {
		return fmt.Errorf("export.download_ttl_hours must be positive, got %d", c.Export.DownloadTTLHours)
	}
	switch c.Export.ArtifactStore {
	case "memory", "file", "redis":
	default:
		return fmt.Errorf("export.artifact_store must be memory, file or redis, got %q", c.Export.ArtifactStore)
	}
	for _, p := range c.Principals {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.APIKey) == "" {
			return fmt.Errorf("principal entries need id and api_key")
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("auth.admin_key", "")
	v.SetDefault("database.records_table", "records")
	v.SetDefault("database.audit_retention_days", 365)
	v.SetDefault("database.cleanup_interval_minutes", 60)
	v.SetDefault("redis.key_prefix", "batchgate")
	v.SetDefault("limits.export_daily", 10)
	v.SetDefault("limits.ingest_daily", 50)
	v.SetDefault("limits.qps", 5)
	v.SetDefault("limits.burst", 10)
	v.SetDefault("batch.chunk_size", 50)
	v.SetDefault("batch.max_concurrency", 4)
	v.SetDefault("batch.max_ingest_records", 10000)
	v.SetDefault("batch.item_retries", 3)
	v.SetDefault("batch.retry_backoff_ms", 100)
	v.SetDefault("batch.max_error_details", 1000)
	v.SetDefault("batch.required_fields", []string{})
	v.SetDefault("export.max_records", 50000)
	v.SetDefault("export.download_ttl_hours", 24)
	v.SetDefault("export.artifact_dir", "./artifacts")
	v.SetDefault("export.artifact_store", "file")
	v.SetDefault("anomaly.bulk_record_cutoff", 1000)
	v.SetDefault("anomaly.bulk_threshold", 3)
	v.SetDefault("anomaly.burst_threshold", 10)
	v.SetDefault("audit.log_dir", "./logs")
	v.SetDefault("audit.buffer_size", 1000)
	v.SetDefault("audit.retry_attempts", 3)
	v.SetDefault("audit.retry_delay_ms", 200)
}

func Load() (*Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom reads configuration through the given viper instance. Values already
// Set on v win over the file, env and defaults.
func LoadFrom(v *viper.Viper) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. BATCHGATE_LIMITS_EXPORT_DAILY
	v.SetEnvPrefix("batchgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in defaults without touching files or the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
