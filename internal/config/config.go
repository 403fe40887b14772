package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppEnv               string
	Port                 string
	DatabaseURL          string
	RedisURL             string
	SessionSecret        string
	CredentialKey        string
	LogLevel             string
	LogFormat            string
	FarmingInterval      time.Duration
	ReconnectMaxAttempts int
	VerificationTTL      time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:               getEnv("APP_ENV", "development"),
		Port:                 getEnv("PORT", "8080"),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		SessionSecret:        getEnv("SESSION_SECRET", ""),
		CredentialKey:        getEnv("CREDENTIAL_ENCRYPTION_KEY", ""),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
		FarmingInterval:      15 * time.Minute,
		ReconnectMaxAttempts: 5,
		VerificationTTL:      5 * time.Minute,
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}
	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("SESSION_SECRET is required")
	}

	if cfg.CredentialKey != "" {
		keyBytes, err := hex.DecodeString(cfg.CredentialKey)
		if err != nil {
			return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must be valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must be exactly 64 hex characters (32 bytes), got %d bytes", len(keyBytes))
		}
	}

	if v := os.Getenv("FARMING_INTERVAL_MINUTES"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes < 1 {
			return nil, fmt.Errorf("FARMING_INTERVAL_MINUTES must be a positive integer")
		}
		cfg.FarmingInterval = time.Duration(minutes) * time.Minute
	}

	if v := os.Getenv("RECONNECT_MAX_ATTEMPTS"); v != "" {
		attempts, err := strconv.Atoi(v)
		if err != nil || attempts < 1 {
			return nil, fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be a positive integer")
		}
		cfg.ReconnectMaxAttempts = attempts
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
