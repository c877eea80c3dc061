package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Remote    RemoteConfig
	Sync      SyncConfig
	Log       LogConfig
	Backup    BackupConfig
	Central   CentralConfig
	Telemetry TelemetryConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	Output     string // stdout, stderr, or file path
	MaxSizeMB  int    // rotation size for file output
	MaxBackups int
	MaxAgeDays int
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name     string
	Env      string
	DeviceID string
}

// DatabaseConfig holds the local SQLite store settings
type DatabaseConfig struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// RemoteConfig holds the central server connection settings
type RemoteConfig struct {
	BaseURL       string
	Timeout       time.Duration // per request
	HealthTimeout time.Duration // health check
}

// SyncConfig holds synchronization behaviour switches
type SyncConfig struct {
	AutoReconcileStock bool
	AutoReconcileSales bool
	ChangeLogRetention time.Duration
	CollapsePending    bool
}

// BackupConfig holds where pre-repair snapshots are stored
type BackupConfig struct {
	Provider         string // local, s3
	Dir              string
	SnapshotOnRepair bool
	Bucket           string
	Endpoint         string
	Region           string
	AccessKey        string
	SecretKey        string
	UsePathStyle     bool
}

// CentralConfig holds settings for the reference central server
type CentralConfig struct {
	Port           string
	Database       CentralDatabaseConfig
	Redis          RedisConfig
	IdempotencyTTL time.Duration
	// Swagger UI under /swagger/, restricted to SwaggerAllowedIPs when set
	SwaggerEnabled    bool
	SwaggerAllowedIPs []string
}

// CentralDatabaseConfig holds the central server's store settings
type CentralDatabaseConfig struct {
	Driver       string // sqlite, postgres
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	DBTraceEnabled    bool
	LogsEnabled       bool
	// Pyroscope continuous profiling of the central server
	ProfilingEnabled       bool
	ProfilingServerAddress string
	ProfilingTypes         []string
}

// Load reads configuration from config.toml (if present) and POS_* environment variables
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from the given file, falling back to the
// default search path when path is empty.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.possync")
		v.AddConfigPath("/etc/possync")
	}

	// Booleans cannot be defaulted by zero-value checks
	v.SetDefault("sync.auto_reconcile_stock", true)
	v.SetDefault("sync.auto_reconcile_sales", true)
	v.SetDefault("sync.collapse_pending", true)
	v.SetDefault("backup.snapshot_on_repair", true)
	v.SetDefault("telemetry.insecure", true)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Enable environment variable override
	v.SetEnvPrefix("POS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:     v.GetString("app.name"),
			Env:      v.GetString("app.env"),
			DeviceID: v.GetString("app.device_id"),
		},
		Database: DatabaseConfig{
			Path:         v.GetString("database.path"),
			BusyTimeout:  v.GetDuration("database.busy_timeout"),
			MaxOpenConns: v.GetInt("database.max_open_conns"),
		},
		Remote: RemoteConfig{
			BaseURL:       v.GetString("remote.base_url"),
			Timeout:       v.GetDuration("remote.timeout"),
			HealthTimeout: v.GetDuration("remote.health_timeout"),
		},
		Sync: SyncConfig{
			AutoReconcileStock: v.GetBool("sync.auto_reconcile_stock"),
			AutoReconcileSales: v.GetBool("sync.auto_reconcile_sales"),
			ChangeLogRetention: v.GetDuration("sync.change_log_retention"),
			CollapsePending:    v.GetBool("sync.collapse_pending"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Output:     v.GetString("log.output"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		Backup: BackupConfig{
			Provider:         v.GetString("backup.provider"),
			Dir:              v.GetString("backup.dir"),
			SnapshotOnRepair: v.GetBool("backup.snapshot_on_repair"),
			Bucket:           v.GetString("backup.bucket"),
			Endpoint:         v.GetString("backup.endpoint"),
			Region:           v.GetString("backup.region"),
			AccessKey:        v.GetString("backup.access_key"),
			SecretKey:        v.GetString("backup.secret_key"),
			UsePathStyle:     v.GetBool("backup.use_path_style"),
		},
		Central: CentralConfig{
			Port: v.GetString("central.port"),
			Database: CentralDatabaseConfig{
				Driver:       v.GetString("central.database.driver"),
				DSN:          v.GetString("central.database.dsn"),
				MaxOpenConns: v.GetInt("central.database.max_open_conns"),
				MaxIdleConns: v.GetInt("central.database.max_idle_conns"),
			},
			Redis: RedisConfig{
				Enabled:  v.GetBool("central.redis.enabled"),
				Host:     v.GetString("central.redis.host"),
				Port:     v.GetInt("central.redis.port"),
				Password: v.GetString("central.redis.password"),
				DB:       v.GetInt("central.redis.db"),
			},
			IdempotencyTTL:    v.GetDuration("central.idempotency_ttl"),
			SwaggerEnabled:    v.GetBool("central.swagger_enabled"),
			SwaggerAllowedIPs: v.GetStringSlice("central.swagger_allowed_ips"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			LogsEnabled:       v.GetBool("telemetry.logs_enabled"),

			ProfilingEnabled:       v.GetBool("telemetry.profiling_enabled"),
			ProfilingServerAddress: v.GetString("telemetry.profiling_server_address"),
			ProfilingTypes:         v.GetStringSlice("telemetry.profiling_types"),
		},
	}

	// Apply defaults for empty values
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "possync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "pos.db"
	}
	if cfg.Database.BusyTimeout == 0 {
		cfg.Database.BusyTimeout = 5 * time.Second
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 4
	}
	if cfg.Remote.BaseURL == "" {
		cfg.Remote.BaseURL = "http://localhost:8080/api/v1"
	}
	if cfg.Remote.Timeout == 0 {
		cfg.Remote.Timeout = 5 * time.Second
	}
	if cfg.Remote.HealthTimeout == 0 {
		cfg.Remote.HealthTimeout = 3 * time.Second
	}
	if cfg.Sync.ChangeLogRetention == 0 {
		cfg.Sync.ChangeLogRetention = 7 * 24 * time.Hour
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 50
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 28
	}
	if cfg.Backup.Provider == "" {
		cfg.Backup.Provider = "local"
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = "backups"
	}
	if cfg.Backup.Region == "" {
		cfg.Backup.Region = "us-east-1"
	}
	if cfg.Central.Port == "" {
		cfg.Central.Port = "8080"
	}
	if cfg.Central.Database.Driver == "" {
		cfg.Central.Database.Driver = "sqlite"
	}
	if cfg.Central.Database.DSN == "" && cfg.Central.Database.Driver == "sqlite" {
		cfg.Central.Database.DSN = "central.db"
	}
	if cfg.Central.Database.MaxOpenConns == 0 {
		cfg.Central.Database.MaxOpenConns = 10
	}
	if cfg.Central.Database.MaxIdleConns == 0 {
		cfg.Central.Database.MaxIdleConns = 2
	}
	if cfg.Central.Redis.Host == "" {
		cfg.Central.Redis.Host = "localhost"
	}
	if cfg.Central.Redis.Port == 0 {
		cfg.Central.Redis.Port = 6379
	}
	if cfg.Central.IdempotencyTTL == 0 {
		cfg.Central.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("remote.base_url must be an absolute URL, got %q", c.Remote.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("remote.base_url scheme must be http or https, got %q", u.Scheme)
	}
	if c.Remote.Timeout < 0 || c.Remote.HealthTimeout < 0 {
		return fmt.Errorf("remote timeouts cannot be negative")
	}
	if c.Database.MaxOpenConns < 0 {
		return fmt.Errorf("database.max_open_conns cannot be negative")
	}

	switch c.Backup.Provider {
	case "local":
	case "s3":
		if c.Backup.Bucket == "" {
			return fmt.Errorf("backup.bucket is required when backup.provider is s3")
		}
	default:
		return fmt.Errorf("backup.provider must be local or s3, got %q", c.Backup.Provider)
	}

	switch c.Central.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("central.database.driver must be sqlite or postgres, got %q", c.Central.Database.Driver)
	}
	if c.Central.Database.Driver == "postgres" && c.Central.Database.DSN == "" {
		return fmt.Errorf("central.database.dsn is required for postgres")
	}
	if c.Central.Database.MaxIdleConns > c.Central.Database.MaxOpenConns {
		return fmt.Errorf("central.database.max_idle_conns (%d) cannot exceed central.database.max_open_conns (%d)",
			c.Central.Database.MaxIdleConns, c.Central.Database.MaxOpenConns)
	}

	if c.Telemetry.ProfilingEnabled && c.Telemetry.ProfilingServerAddress == "" {
		return fmt.Errorf("telemetry.profiling_server_address is required when profiling is enabled")
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if u.Scheme != "https" {
			return fmt.Errorf("remote.base_url must use https in production")
		}
		if c.App.DeviceID == "" {
			return fmt.Errorf("app.device_id is required in production")
		}
	}

	// Validate telemetry configuration (all environments)
	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// HealthURL returns the health check URL, {scheme://host}/healthz
func (r *RemoteConfig) HealthURL() string {
	u, err := url.Parse(r.BaseURL)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s://%s/healthz", u.Scheme, u.Host)
}

// DSN returns the SQLite connection string for the local store
func (d *DatabaseConfig) DSN() string {
	return SQLiteDSN(d.Path, d.BusyTimeout)
}

// SQLiteDSN builds a file DSN with a busy timeout and WAL journaling
func SQLiteDSN(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprintf("%d", busyTimeout.Milliseconds()))
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	return "file:" + path + "?" + q.Encode()
}
