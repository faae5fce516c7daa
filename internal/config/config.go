package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Engine   EngineConfig
	Pacing   PacingConfig
	Janitor  JanitorConfig
	LogLevel string
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type EngineConfig struct {
	TransportQPS   float64
	TransportBurst int
	SendTimeout    time.Duration
	StorageRetries int
	StorageBackoff time.Duration
}

// Pacing holds the defaults applied when a submission omits its own values,
// and the ceilings submissions may not exceed.
type PacingConfig struct {
	DefaultBase   time.Duration
	DefaultJitter time.Duration
	MaxRecipients int
}

type JanitorConfig struct {
	Schedule string // cron spec for the allowance expiry sweep
}

func LoadAll() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: getEnv("DATABASE_URL", "postgres://wa:wa@localhost:5432/wa?sslmode=disable"),
		},
		Redis: loadRedisConfig(),
		Engine: EngineConfig{
			TransportQPS:   getEnvFloat("TRANSPORT_QPS", 50),
			TransportBurst: getEnvInt("TRANSPORT_BURST", 10),
			SendTimeout:    getEnvDuration("SEND_TIMEOUT_MS", 30*time.Second),
			StorageRetries: getEnvInt("STORAGE_RETRIES", 4),
			StorageBackoff: getEnvDuration("STORAGE_BACKOFF_MS", 200*time.Millisecond),
		},
		Pacing: PacingConfig{
			DefaultBase:   getEnvDuration("PACING_BASE_MS", 3*time.Second),
			DefaultJitter: getEnvDuration("PACING_JITTER_MS", 4*time.Second),
			MaxRecipients: getEnvInt("MAX_RECIPIENTS", 5000),
		},
		Janitor: JanitorConfig{
			Schedule: getEnv("JANITOR_SCHEDULE", "@every 1m"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() RedisConfig {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}
	}
	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       getEnvInt("REDIS_DB", 0),
		TTL:      getEnvDuration("REDIS_TTL_MS", 5*time.Second),
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.TransportQPS <= 0 {
		return fmt.Errorf("TRANSPORT_QPS must be > 0")
	}
	if cfg.Pacing.MaxRecipients <= 0 {
		return fmt.Errorf("MAX_RECIPIENTS must be > 0")
	}
	if cfg.Pacing.DefaultBase < 0 || cfg.Pacing.DefaultJitter < 0 {
		return fmt.Errorf("pacing defaults must not be negative")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		panic(fmt.Sprintf("invalid int for env %s: %s", key, v))
	}
	return i
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		panic(fmt.Sprintf("invalid float for env %s: %s", key, v))
	}
	return f
}

// getEnvDuration reads a millisecond count.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		panic(fmt.Sprintf("invalid duration (ms) for env %s: %s", key, v))
	}
	return time.Duration(ms) * time.Millisecond
}
