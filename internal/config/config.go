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
	Gateway  GatewayConfig
	Queue    QueueConfig
	Rate     RateConfig
	Retry    RetryConfig
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

type GatewayConfig struct {
	BaseURL       string
	ApplicationID string
	SenderNumber  string
}

type QueueConfig struct {
	Workers int
	MaxSize int
}

type RateConfig struct {
	Capacity  int
	PerSecond float64
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func LoadAll() (*Config, error) {
	var errs []error

	postgresURL, err := requireEnv("POSTGRES_URL")
	if err != nil {
		errs = append(errs, err)
	}
	baseURL, err := requireEnv("SMS_BASE_URL")
	if err != nil {
		errs = append(errs, err)
	}
	applicationID, err := requireEnv("SMS_APPLICATION_ID")
	if err != nil {
		errs = append(errs, err)
	}
	senderNumber, err := requireEnv("SMS_SENDER_NUMBER")
	if err != nil {
		errs = append(errs, err)
	}

	workers, err := getEnvInt("SMS_QUEUE_WORKERS", 4)
	if err != nil {
		errs = append(errs, err)
	}
	maxSize, err := getEnvInt("SMS_QUEUE_MAX_SIZE", 1000)
	if err != nil {
		errs = append(errs, err)
	}
	rateCap, err := getEnvInt("SMS_RATE_CAPACITY", 10)
	if err != nil {
		errs = append(errs, err)
	}
	ratePerSec, err := getEnvFloat("SMS_RATE_PER_SEC", 5)
	if err != nil {
		errs = append(errs, err)
	}
	maxAttempts, err := getEnvInt("SMS_MAX_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, err)
	}
	retryBaseMS, err := getEnvInt("SMS_RETRY_BASE_MS", 500)
	if err != nil {
		errs = append(errs, err)
	}
	retryMaxMS, err := getEnvInt("SMS_RETRY_MAX_MS", 10000)
	if err != nil {
		errs = append(errs, err)
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}

	if err := joinErrors(errs); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: postgresURL,
		},
		Gateway: GatewayConfig{
			BaseURL:       baseURL,
			ApplicationID: applicationID,
			SenderNumber:  senderNumber,
		},
		Queue: QueueConfig{
			Workers: workers,
			MaxSize: maxSize,
		},
		Rate: RateConfig{
			Capacity:  rateCap,
			PerSecond: ratePerSec,
		},
		Retry: RetryConfig{
			MaxAttempts: maxAttempts,
			BaseDelay:   time.Duration(retryBaseMS) * time.Millisecond,
			MaxDelay:    time.Duration(retryMaxMS) * time.Millisecond,
		},
		Redis: redisCfg,
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, nil
}

func validate(cfg *Config) error {
	var errs []error

	if cfg.Queue.Workers <= 0 {
		errs = append(errs, errors.New("SMS_QUEUE_WORKERS must be > 0"))
	}
	if cfg.Queue.MaxSize <= 0 {
		errs = append(errs, errors.New("SMS_QUEUE_MAX_SIZE must be > 0"))
	}
	if cfg.Rate.Capacity <= 0 {
		errs = append(errs, errors.New("SMS_RATE_CAPACITY must be > 0"))
	}
	if cfg.Rate.PerSecond <= 0 {
		errs = append(errs, errors.New("SMS_RATE_PER_SEC must be > 0"))
	}
	if cfg.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("SMS_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.Retry.BaseDelay <= 0 {
		errs = append(errs, errors.New("SMS_RETRY_BASE_MS must be > 0"))
	}

	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
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
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float for env %s: %s", key, v)
	}
	return f, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
