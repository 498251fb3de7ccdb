// Package config loads the control plane's environment-driven configuration,
// following the same getEnv*/struct-per-subsystem shape as the teacher's
// internal/config package and the settings groups of the original Dumont
// Cloud Python config (core/config.py, core/constants.py).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates every subsystem's settings. Constructed once at process
// start by Load and passed explicitly from then on (§9: avoid true globals).
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	GPUMarket   GPUMarketConfig
	StableCloud StableCloudConfig
	ObjectStore ObjectStoreConfig
	Restic      ResticConfig
	Standby     StandbyConfig
	Serverless  ServerlessConfig
	History     HistoryConfig
	Billing     BillingConfig
	Agent       AgentConfig
	Security    SecurityConfig
	Maintenance MaintenanceConfig
	Recovery    RecoveryConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// GPUMarketConfig configures the spot/interruptible GPU marketplace adapter.
type GPUMarketConfig struct {
	APIKey          string
	APIURL          string
	RequestTimeout  time.Duration
	MinReliability  float64
	DefaultRegion   string
}

// StableCloudConfig configures the CPU standby cloud adapter (EC2-shaped).
type StableCloudConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Zone            string
	MachineType     string
	DiskSizeGB      int
	BootImageFamily string
	CostPerHour     float64
}

// ObjectStoreConfig is the S3-compatible endpoint snapshots/checkpoints
// archive to (the original's "R2Settings").
type ObjectStoreConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
}

// ResticConfig mirrors the original's ResticSettings: repo password and
// parallelism, layered on top of ObjectStoreConfig's bucket/endpoint.
type ResticConfig struct {
	Password    string
	Connections int
}

// StandbyConfig configures the Standby Manager's defaults (§4.6).
type StandbyConfig struct {
	AutoStandbyEnabled bool
	AutoFailover       bool
	AutoRecovery       bool
	SyncInterval       time.Duration
	HealthCheckInterval time.Duration
	FailoverThreshold  int
	ShellReadyTimeout  time.Duration
}

// ServerlessConfig configures the Serverless Scheduler's defaults (§4.7).
type ServerlessConfig struct {
	CheckInterval            time.Duration
	MinRuntime               time.Duration
	SSHVerifyTimeout         time.Duration
	DestroyAfterHoursPaused  float64
	AutoDestroyInterval      time.Duration
}

// HistoryConfig configures the Machine History / Blacklist Engine (§4.2).
type HistoryConfig struct {
	BlacklistFailureRate   float64
	BlacklistMinAttempts   int
	BlacklistDefaultTTL    time.Duration
}

type BillingConfig struct {
	Enabled             bool
	StripeSecretKey     string
	AggregationInterval time.Duration
}

// AgentConfig is consumed by cmd/agent, the in-guest heartbeat daemon.
type AgentConfig struct {
	ControlPlaneURL   string
	SyncIntervalSecs  int
	DemoMode          bool
}

// MaintenanceConfig configures the cron-driven slow-cadence jobs (A6).
type MaintenanceConfig struct {
	BlacklistSweepSchedule    string
	SnapshotRetentionSchedule string
	SnapshotKeepLast          int
}

// RecoveryConfig configures the Standby Manager's bounded recovery loop
// (§4.6 recovery).
type RecoveryConfig struct {
	Attempts    int
	Backoff     time.Duration
	MinVRAMGB   float64
	MaxPrice    float64
	Regions     []string
}

type SecurityConfig struct {
	SessionSecret     string
	AdminAPIToken     string
	UsersFilePath     string
	// SSHPrivateKeyPath is the operator key used to reach GPU/CPU instance
	// shells for sync, snapshot, and checkpoint operations. When empty, an
	// ephemeral key is generated for the process lifetime (development
	// only — it can never reach a real instance's authorized_keys).
	SSHPrivateKeyPath string
}

// Load reads configuration from the environment with sensible development
// defaults, mirroring the teacher's fail-fast validation for credentials
// that have no safe default.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8766),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
			CORSOrigins:  getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "dumont"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "dumont_fleet"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "30m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		GPUMarket: GPUMarketConfig{
			APIKey:         getEnv("GPU_MARKET_API_KEY", ""),
			APIURL:         getEnv("GPU_MARKET_API_URL", "https://api.gpu-market.example.com"),
			RequestTimeout: getEnvAsDuration("GPU_MARKET_TIMEOUT", "30s"),
			MinReliability: getEnvAsFloat("GPU_MARKET_MIN_RELIABILITY", 0.95),
			DefaultRegion:  getEnv("GPU_MARKET_DEFAULT_REGION", "EU"),
		},
		StableCloud: StableCloudConfig{
			Region:          getEnv("STABLE_CLOUD_REGION", "us-central1"),
			AccessKeyID:     getEnv("STABLE_CLOUD_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("STABLE_CLOUD_SECRET_ACCESS_KEY", ""),
			Zone:            getEnv("STABLE_CLOUD_ZONE", "us-central1-a"),
			MachineType:     getEnv("STABLE_CLOUD_MACHINE_TYPE", "e2-small"),
			DiskSizeGB:      getEnvAsInt("STABLE_CLOUD_DISK_GB", 20),
			BootImageFamily: getEnv("STABLE_CLOUD_BOOT_IMAGE", "debian-12"),
			CostPerHour:     getEnvAsFloat("STABLE_CLOUD_COST_PER_HOUR", 0.13),
		},
		ObjectStore: ObjectStoreConfig{
			Endpoint:  getEnv("OBJECT_STORE_ENDPOINT", ""),
			Bucket:    getEnv("OBJECT_STORE_BUCKET", "dumont-fleet"),
			AccessKey: getEnv("OBJECT_STORE_ACCESS_KEY", ""),
			SecretKey: getEnv("OBJECT_STORE_SECRET_KEY", ""),
		},
		Restic: ResticConfig{
			Password:    getEnv("RESTIC_PASSWORD", ""),
			Connections: getEnvAsInt("RESTIC_CONNECTIONS", 32),
		},
		Standby: StandbyConfig{
			AutoStandbyEnabled:  getEnvAsBool("STANDBY_AUTO_ENABLED", true),
			AutoFailover:        getEnvAsBool("STANDBY_AUTO_FAILOVER", true),
			AutoRecovery:        getEnvAsBool("STANDBY_AUTO_RECOVERY", true),
			SyncInterval:        getEnvAsDuration("STANDBY_SYNC_INTERVAL", "30s"),
			HealthCheckInterval: getEnvAsDuration("STANDBY_HEALTH_CHECK_INTERVAL", "10s"),
			FailoverThreshold:   getEnvAsInt("STANDBY_FAILOVER_THRESHOLD", 3),
			ShellReadyTimeout:   getEnvAsDuration("STANDBY_SHELL_READY_TIMEOUT", "300s"),
		},
		Serverless: ServerlessConfig{
			CheckInterval:           getEnvAsDuration("SERVERLESS_CHECK_INTERVAL", "1s"),
			MinRuntime:              getEnvAsDuration("SERVERLESS_MIN_RUNTIME", "60s"),
			SSHVerifyTimeout:        getEnvAsDuration("SERVERLESS_SSH_VERIFY_TIMEOUT", "300s"),
			DestroyAfterHoursPaused: getEnvAsFloat("SERVERLESS_DESTROY_AFTER_HOURS_PAUSED", 24),
			AutoDestroyInterval:     getEnvAsDuration("SERVERLESS_AUTO_DESTROY_INTERVAL", "5m"),
		},
		History: HistoryConfig{
			BlacklistFailureRate: getEnvAsFloat("HISTORY_BLACKLIST_FAILURE_RATE", 0.8),
			BlacklistMinAttempts: getEnvAsInt("HISTORY_BLACKLIST_MIN_ATTEMPTS", 3),
			BlacklistDefaultTTL:  getEnvAsDuration("HISTORY_BLACKLIST_DEFAULT_TTL", "24h"),
		},
		Billing: BillingConfig{
			Enabled:             getEnvAsBool("BILLING_ENABLED", false),
			StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			AggregationInterval: getEnvAsDuration("BILLING_AGGREGATION_INTERVAL", "1h"),
		},
		Agent: AgentConfig{
			ControlPlaneURL:  getEnv("AGENT_CONTROL_PLANE_URL", "http://localhost:8766"),
			SyncIntervalSecs: getEnvAsInt("AGENT_SYNC_INTERVAL_SECS", 30),
			DemoMode:         getEnvAsBool("DEMO_MODE", false),
		},
		Security: SecurityConfig{
			SessionSecret:     getEnv("SESSION_SECRET", "dumont-cloud-dev-secret"),
			AdminAPIToken:     getEnv("ADMIN_API_TOKEN", ""),
			UsersFilePath:     getEnv("USERS_FILE_PATH", "config/users.json"),
			SSHPrivateKeyPath: getEnv("SSH_PRIVATE_KEY_PATH", ""),
		},
		Maintenance: MaintenanceConfig{
			BlacklistSweepSchedule:    getEnv("MAINTENANCE_BLACKLIST_SWEEP_SCHEDULE", "*/30 * * * *"),
			SnapshotRetentionSchedule: getEnv("MAINTENANCE_SNAPSHOT_RETENTION_SCHEDULE", "0 3 * * *"),
			SnapshotKeepLast:          getEnvAsInt("MAINTENANCE_SNAPSHOT_KEEP_LAST", 5),
		},
		Recovery: RecoveryConfig{
			Attempts:  getEnvAsInt("RECOVERY_ATTEMPTS", 10),
			Backoff:   getEnvAsDuration("RECOVERY_BACKOFF", "30s"),
			MinVRAMGB: getEnvAsFloat("RECOVERY_MIN_VRAM_GB", 16),
			MaxPrice:  getEnvAsFloat("RECOVERY_MAX_PRICE", 2.0),
			Regions:   getEnvAsList("RECOVERY_REGIONS", []string{}),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Billing.Enabled && cfg.Billing.StripeSecretKey == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY is required when BILLING_ENABLED=true")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	start := 0
	for i := 0; i <= len(valueStr); i++ {
		if i == len(valueStr) || valueStr[i] == ',' {
			if i > start {
				out = append(out, valueStr[start:i])
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
