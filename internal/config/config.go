package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort  string
	DatabaseURL string
	RedisURL    string

	MQTTBrokerURL string
	MQTTClientID  string

	WorkerPoolSize   int
	QueueMaxAttempts int
	QueueRetryBase   time.Duration

	FlushInterval    time.Duration
	FlushBatchSize   int
	FlushConcurrency int

	StaleThreshold        time.Duration
	LivenessSweepInterval time.Duration

	DeviceCacheTTL time.Duration
	ModelCacheTTL  time.Duration
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort:    getEnv("SERVER_PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		MQTTBrokerURL: os.Getenv("MQTT_BROKER_URL"),
		MQTTClientID:  getEnv("MQTT_CLIENT_ID", "telemetry-ingestd"),
	}

	var err error
	if cfg.WorkerPoolSize, err = getEnvInt("WORKER_POOL_SIZE", 8); err != nil {
		return nil, err
	}
	if cfg.QueueMaxAttempts, err = getEnvInt("QUEUE_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.QueueRetryBase, err = getEnvDuration("QUEUE_RETRY_BASE", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.FlushInterval, err = getEnvDuration("FLUSH_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.FlushBatchSize, err = getEnvInt("FLUSH_BATCH_SIZE", 200); err != nil {
		return nil, err
	}
	if cfg.FlushConcurrency, err = getEnvInt("FLUSH_CONCURRENCY", 20); err != nil {
		return nil, err
	}
	if cfg.StaleThreshold, err = getEnvDuration("STALE_THRESHOLD", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.LivenessSweepInterval, err = getEnvDuration("LIVENESS_SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.DeviceCacheTTL, err = getEnvDuration("DEVICE_CACHE_TTL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.ModelCacheTTL, err = getEnvDuration("MODEL_CACHE_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.MQTTBrokerURL == "" {
		return nil, errors.New("MQTT_BROKER_URL is required")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
