package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Job dispatch modes.
const (
	JobsModeInline = "inline"
	JobsModeRedis  = "redis"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Log          LogConfig
	CORS         CORSConfig
	Storage      StorageConfig
	Jobs         JobsConfig
	Credentials  CredentialsConfig
	PrintBatches PrintBatchesConfig
	Bulk         BulkConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type LogConfig struct {
	Level  string
	Format string
}

type CORSConfig struct {
	AllowedOrigins []string
}

// StorageConfig configures the blob store for rendered credentials and batch documents.
type StorageConfig struct {
	Dir             string
	SignedURLSecret string
	SignedURLTTL    time.Duration
}

// JobsConfig selects the asynchronous dispatcher.
type JobsConfig struct {
	Mode       string
	QueueKey   string
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration

	// RecoverInterval is how often stranded pending credentials and queued batches are rescheduled.
	RecoverInterval time.Duration
}

// CredentialsConfig tunes credential generation and housekeeping.
type CredentialsConfig struct {
	MaxRetries      int
	FailedRetention time.Duration
	ErrorMaxLength  int
	VerifyCacheTTL  time.Duration
	StuckAfter      time.Duration
}

// PrintBatchesConfig tunes print batch aggregation.
type PrintBatchesConfig struct {
	RetentionDays int
	StampRetries  int
	StampBackoff  time.Duration
}

// BulkConfig holds the orchestrator defaults used when CLI flags are not provided.
type BulkConfig struct {
	BatchSize    int
	WaitTime     time.Duration
	MaxWait      time.Duration
	PollInterval time.Duration
	LockTTL      time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
		AutoMigrate:  v.GetBool("DB_AUTO_MIGRATE"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
	}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Storage = StorageConfig{
		Dir:             v.GetString("STORAGE_DIR"),
		SignedURLSecret: v.GetString("STORAGE_SIGNED_URL_SECRET"),
		SignedURLTTL:    parseDuration(v.GetString("STORAGE_SIGNED_URL_TTL"), 30*time.Minute),
	}

	cfg.Jobs = JobsConfig{
		Mode:       strings.ToLower(v.GetString("JOBS_MODE")),
		QueueKey:   v.GetString("JOBS_QUEUE_KEY"),
		Workers:    v.GetInt("JOBS_WORKERS"),
		BufferSize: v.GetInt("JOBS_BUFFER"),
		MaxRetries: v.GetInt("JOBS_MAX_RETRIES"),
		RetryDelay: parseDuration(v.GetString("JOBS_RETRY_DELAY"), 2*time.Second),

		RecoverInterval: parseDuration(v.GetString("JOBS_RECOVER_INTERVAL"), time.Minute),
	}

	cfg.Credentials = CredentialsConfig{
		MaxRetries:      v.GetInt("CREDENTIALS_MAX_RETRIES"),
		FailedRetention: parseDuration(v.GetString("CREDENTIALS_FAILED_RETENTION"), 30*24*time.Hour),
		ErrorMaxLength:  v.GetInt("CREDENTIALS_ERROR_MAX_LEN"),
		VerifyCacheTTL:  parseDuration(v.GetString("CREDENTIALS_VERIFY_CACHE_TTL"), 5*time.Minute),
		StuckAfter:      parseDuration(v.GetString("CREDENTIALS_STUCK_AFTER"), 15*time.Minute),
	}

	cfg.PrintBatches = PrintBatchesConfig{
		RetentionDays: v.GetInt("BATCHES_RETENTION_DAYS"),
		StampRetries:  v.GetInt("BATCHES_STAMP_RETRIES"),
		StampBackoff:  parseDuration(v.GetString("BATCHES_STAMP_BACKOFF"), 100*time.Millisecond),
	}

	cfg.Bulk = BulkConfig{
		BatchSize:    v.GetInt("BULK_BATCH_SIZE"),
		WaitTime:     parseDuration(v.GetString("BULK_WAIT_TIME"), 10*time.Second),
		MaxWait:      parseDuration(v.GetString("BULK_MAX_WAIT"), 300*time.Second),
		PollInterval: parseDuration(v.GetString("BULK_POLL_INTERVAL"), 5*time.Second),
		LockTTL:      parseDuration(v.GetString("BULK_LOCK_TTL"), 2*time.Hour),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "accreditation")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_AUTO_MIGRATE", false)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("ALLOWED_ORIGINS", "")

	v.SetDefault("STORAGE_DIR", "./storage")
	v.SetDefault("STORAGE_SIGNED_URL_SECRET", "dev_storage_secret")
	v.SetDefault("STORAGE_SIGNED_URL_TTL", "30m")

	v.SetDefault("JOBS_MODE", JobsModeInline)
	v.SetDefault("JOBS_QUEUE_KEY", "accreditation:jobs")
	v.SetDefault("JOBS_WORKERS", 2)
	v.SetDefault("JOBS_BUFFER", 256)
	v.SetDefault("JOBS_MAX_RETRIES", 3)
	v.SetDefault("JOBS_RETRY_DELAY", "2s")
	v.SetDefault("JOBS_RECOVER_INTERVAL", "1m")

	v.SetDefault("CREDENTIALS_MAX_RETRIES", 5)
	v.SetDefault("CREDENTIALS_FAILED_RETENTION", "720h")
	v.SetDefault("CREDENTIALS_ERROR_MAX_LEN", 500)
	v.SetDefault("CREDENTIALS_VERIFY_CACHE_TTL", "5m")
	v.SetDefault("CREDENTIALS_STUCK_AFTER", "15m")

	v.SetDefault("BATCHES_RETENTION_DAYS", 90)
	v.SetDefault("BATCHES_STAMP_RETRIES", 3)
	v.SetDefault("BATCHES_STAMP_BACKOFF", "100ms")

	v.SetDefault("BULK_BATCH_SIZE", 100)
	v.SetDefault("BULK_WAIT_TIME", "10s")
	v.SetDefault("BULK_MAX_WAIT", "300s")
	v.SetDefault("BULK_POLL_INTERVAL", "5s")
	v.SetDefault("BULK_LOCK_TTL", "2h")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
