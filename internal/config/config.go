// Package config loads gateway settings from the environment. Required keys
// fail loading with an error naming every missing or invalid key at once,
// so a broken deployment reports all of its problems in one pass.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Provider ProviderConfig
	Webhook  WebhookConfig
	Delivery DeliveryConfig
}

type ServerConfig struct {
	Address      string
	MediaDir     string
	MediaBaseURL string
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

type ProviderConfig struct {
	BaseURL string
	// Bypass suppresses all provider calls and returns synthetic
	// message ids. For test environments only.
	Bypass bool
}

type WebhookConfig struct {
	VerifyToken string
	// BypassSignature disables HMAC verification of incoming webhooks.
	// For test environments only.
	BypassSignature bool
}

type DeliveryConfig struct {
	QueueCapacity     int
	Workers           int
	MaxRetries        int
	ScanInterval      time.Duration
	ScanBatchSize     int
	MessagesPerSecond int
	Burst             int
}

func LoadAll() (*Config, error) {
	var errs []error

	collect := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	require := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address:      getEnv("SERVER_ADDRESS", ":8080"),
			MediaDir:     getEnv("MEDIA_DIR", "./media"),
			MediaBaseURL: getEnv("MEDIA_BASE_URL", "/media"),
		},
		Database: DatabaseConfig{
			PostgresURL: require("POSTGRES_URL"),
		},
		Provider: ProviderConfig{
			BaseURL: getEnv("PROVIDER_BASE_URL", ""),
			Bypass:  getEnvBool("PROVIDER_BYPASS", false),
		},
		Webhook: WebhookConfig{
			VerifyToken:     require("WEBHOOK_VERIFY_TOKEN"),
			BypassSignature: getEnvBool("WEBHOOK_BYPASS_SIGNATURE", false),
		},
		Delivery: DeliveryConfig{
			QueueCapacity:     collect("QUEUE_CAPACITY", 256),
			Workers:           collect("DELIVERY_WORKERS", 4),
			MaxRetries:        collect("MAX_RETRIES", 3),
			ScanInterval:      time.Duration(collect("RETRY_SCAN_INTERVAL_SECONDS", 60)) * time.Second,
			ScanBatchSize:     collect("RETRY_SCAN_BATCH_SIZE", 50),
			MessagesPerSecond: collect("RATE_LIMIT_PER_SECOND", 10),
			Burst:             collect("RATE_LIMIT_BURST", 20),
		},
	}

	redisCfg, redisErrs := loadRedisConfig()
	cfg.Redis = redisCfg
	errs = append(errs, redisErrs...)

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, []error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	var errs []error
	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		errs = append(errs, err)
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		errs = append(errs, err)
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, errs
}

func validate(cfg *Config) []error {
	var errs []error
	if cfg.Delivery.QueueCapacity <= 0 {
		errs = append(errs, errors.New("QUEUE_CAPACITY must be > 0"))
	}
	if cfg.Delivery.Workers <= 0 {
		errs = append(errs, errors.New("DELIVERY_WORKERS must be > 0"))
	}
	if cfg.Delivery.MaxRetries <= 0 {
		errs = append(errs, errors.New("MAX_RETRIES must be > 0"))
	}
	if cfg.Delivery.ScanInterval <= 0 {
		errs = append(errs, errors.New("RETRY_SCAN_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Delivery.ScanBatchSize <= 0 {
		errs = append(errs, errors.New("RETRY_SCAN_BATCH_SIZE must be > 0"))
	}
	if cfg.Delivery.MessagesPerSecond <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_SECOND must be > 0"))
	}
	if cfg.Delivery.Burst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_BURST must be > 0"))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return v, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func joinErrors(errs []error) error {
	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) == 0 {
		return nil
	}
	return errors.Join(nonNil...)
}
