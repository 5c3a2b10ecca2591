package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Sync      SyncConfig
	CORS      CORSConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Port string
	Host string
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", d.User, d.Password, d.Host, d.Port)
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

// RedisConfig is optional: an empty Addr keeps rate limiting in process and
// runs the retention purge without a distributed lock.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled       bool
	PushPerMinute int
	PullPerMinute int
}

type SyncConfig struct {
	MaxBatchSize     int
	DefaultPullLimit int
	MaxPullLimit     int
	BatchTimeout     time.Duration
	StoreTimeout     time.Duration
	TxMaxAttempts    int
	RetentionDays    int
	PurgeInterval    time.Duration
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level string
}

func Load() (*Config, error) {
	godotenv.Load()

	jwtExp, err := time.ParseDuration(getEnv("JWT_EXPIRATION", "15m"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_EXPIRATION: %w", err)
	}

	batchTimeout, err := getEnvAsDuration("SYNC_BATCH_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	storeTimeout, err := getEnvAsDuration("SYNC_STORE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	purgeInterval, err := getEnvAsDuration("SYNC_PURGE_INTERVAL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "0.0.0.0"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "fieldsync"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Expiration: jwtExp,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvAsBool("RATE_LIMIT_ENABLED", true),
			PushPerMinute: getEnvAsInt("RATE_LIMIT_PUSH_PER_MINUTE", 100),
			PullPerMinute: getEnvAsInt("RATE_LIMIT_PULL_PER_MINUTE", 200),
		},
		Sync: SyncConfig{
			MaxBatchSize:     getEnvAsInt("SYNC_MAX_BATCH_SIZE", 50),
			DefaultPullLimit: getEnvAsInt("SYNC_DEFAULT_PULL_LIMIT", 100),
			MaxPullLimit:     getEnvAsInt("SYNC_MAX_PULL_LIMIT", 500),
			BatchTimeout:     batchTimeout,
			StoreTimeout:     storeTimeout,
			TxMaxAttempts:    getEnvAsInt("SYNC_TX_MAX_ATTEMPTS", 5),
			RetentionDays:    getEnvAsInt("SYNC_RETENTION_DAYS", 90),
			PurgeInterval:    purgeInterval,
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization,X-Device-Id"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if cfg.Sync.MaxBatchSize <= 0 {
		return nil, fmt.Errorf("invalid SYNC_MAX_BATCH_SIZE: %d", cfg.Sync.MaxBatchSize)
	}
	if cfg.Sync.TxMaxAttempts <= 0 {
		return nil, fmt.Errorf("invalid SYNC_TX_MAX_ATTEMPTS: %d", cfg.Sync.TxMaxAttempts)
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
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
