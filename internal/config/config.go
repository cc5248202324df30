// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mstakhov/wbsync/internal/domain"
)

// Config holds application configuration
type Config struct {
	DataDir           string // Base directory for the sqlite databases (always absolute)
	MasterKey         string // Master encryption key for per-tenant credential blobs (hex, 32 bytes)
	RedisURL          string // Backing store for the cache and the rate limiter
	AnalyticsBaseURL  string // Wildberries seller-analytics API
	StatisticsBaseURL string // Wildberries statistics API
	WorkerPoolSize    int    // 0 = auto (min(cores*2, tenant count))
	QueueSize         int    // Bounded dispatch queue capacity
	DefaultInterval   time.Duration
	LogLevel          string
	Port              int
	DevMode           bool
	Backup            *BackupConfig
}

// BackupConfig holds off-site backup configuration (S3-compatible storage)
type BackupConfig struct {
	Enabled       bool
	Endpoint      string // S3-compatible endpoint (Cloudflare R2, MinIO, AWS)
	Bucket        string
	AccessKey     string
	SecretKey     string
	RetentionDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("WBSYNC_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:           absDataDir,
		MasterKey:         getEnv("MASTER_ENCRYPTION_KEY", ""),
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		AnalyticsBaseURL:  getEnv("WB_ANALYTICS_BASE_URL", "https://seller-analytics-api.wildberries.ru"),
		StatisticsBaseURL: getEnv("WB_STATISTICS_BASE_URL", "https://statistics-api.wildberries.ru"),
		WorkerPoolSize:    getEnvAsInt("WORKER_POOL_SIZE", 0),
		QueueSize:         getEnvAsInt("QUEUE_SIZE", 64),
		DefaultInterval:   time.Duration(getEnvAsInt("DEFAULT_SYNC_INTERVAL_HOURS", 24)) * time.Hour,
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Port:              getEnvAsInt("GO_PORT", 8080),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		Backup:            loadBackupConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.MasterKey == "" {
		return domain.NewError(domain.KindConfigMissing, "MASTER_ENCRYPTION_KEY is required")
	}
	if c.QueueSize <= 0 {
		return domain.NewError(domain.KindConfigMissing, "QUEUE_SIZE must be positive")
	}
	if c.DefaultInterval <= 0 {
		return domain.NewError(domain.KindConfigMissing, "DEFAULT_SYNC_INTERVAL_HOURS must be positive")
	}
	return nil
}

// ResolvePoolSize returns the worker pool size, applying the auto-sizing rule
// (pool = min(cores*2, tenantCount)) when no explicit size is configured.
func (c *Config) ResolvePoolSize(tenantCount int) int {
	if c.WorkerPoolSize > 0 {
		return c.WorkerPoolSize
	}
	size := runtime.NumCPU() * 2
	if tenantCount > 0 && tenantCount < size {
		size = tenantCount
	}
	if size < 1 {
		size = 1
	}
	return size
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// loadBackupConfig loads off-site backup configuration
func loadBackupConfig() *BackupConfig {
	return &BackupConfig{
		Enabled:       getEnvAsBool("BACKUP_ENABLED", false),
		Endpoint:      getEnv("BACKUP_S3_ENDPOINT", ""),
		Bucket:        getEnv("BACKUP_S3_BUCKET", "wbsync-backups"),
		AccessKey:     getEnv("BACKUP_S3_ACCESS_KEY", ""),
		SecretKey:     getEnv("BACKUP_S3_SECRET_KEY", ""),
		RetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 14),
	}
}
