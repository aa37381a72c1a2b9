// Package config loads scribe's runtime configuration from environment
// variables, with an optional YAML overlay for file-based deployments.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port              int
	NatsURL           string
	DatabaseURL       string
	ModelEndpoint     string
	ModelAPIKey       string
	ModelName         string
	ModelTemperature  float64
	ProcessInterval   time.Duration
	ProcessBatchLimit int
	LogLevel          string
	SlackBotToken     string
	SlackAlertChannel string
}

// fileConfig is the YAML overlay shape. Zero values leave the env-derived
// setting untouched.
type fileConfig struct {
	Port              int     `yaml:"port"`
	NatsURL           string  `yaml:"nats_url"`
	DatabaseURL       string  `yaml:"database_url"`
	ModelEndpoint     string  `yaml:"model_endpoint"`
	ModelAPIKey       string  `yaml:"model_api_key"`
	ModelName         string  `yaml:"model_name"`
	ModelTemperature  float64 `yaml:"model_temperature"`
	ProcessIntervalMs int     `yaml:"process_interval_ms"`
	ProcessBatchLimit int     `yaml:"process_batch_limit"`
	LogLevel          string  `yaml:"log_level"`
	SlackBotToken     string  `yaml:"slack_bot_token"`
	SlackAlertChannel string  `yaml:"slack_alert_channel"`
}

// Load builds the configuration from the environment. If SCRIBE_CONFIG
// names a YAML file, its non-zero values override the environment.
func Load() (Config, error) {
	cfg := Config{
		Port:              envInt("SCRIBE_PORT", 8800),
		NatsURL:           envStr("NATS_URL", "nats://localhost:4222"),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		ModelEndpoint:     envStr("MODEL_ENDPOINT", ""),
		ModelAPIKey:       envStr("MODEL_API_KEY", ""),
		ModelName:         envStr("MODEL_NAME", "gpt-4o-mini"),
		ModelTemperature:  envFloat("MODEL_TEMPERATURE", 0.4),
		ProcessInterval:   time.Duration(envInt("PROCESS_INTERVAL_MS", 0)) * time.Millisecond,
		ProcessBatchLimit: envInt("PROCESS_BATCH_LIMIT", 3),
		LogLevel:          envStr("LOG_LEVEL", "info"),
		SlackBotToken:     envStr("SLACK_BOT_TOKEN", ""),
		SlackAlertChannel: envStr("SLACK_ALERT_CHANNEL", ""),
	}

	if path := os.Getenv("SCRIBE_CONFIG"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.NatsURL != "" {
		cfg.NatsURL = fc.NatsURL
	}
	if fc.DatabaseURL != "" {
		cfg.DatabaseURL = fc.DatabaseURL
	}
	if fc.ModelEndpoint != "" {
		cfg.ModelEndpoint = fc.ModelEndpoint
	}
	if fc.ModelAPIKey != "" {
		cfg.ModelAPIKey = fc.ModelAPIKey
	}
	if fc.ModelName != "" {
		cfg.ModelName = fc.ModelName
	}
	if fc.ModelTemperature != 0 {
		cfg.ModelTemperature = fc.ModelTemperature
	}
	if fc.ProcessIntervalMs != 0 {
		cfg.ProcessInterval = time.Duration(fc.ProcessIntervalMs) * time.Millisecond
	}
	if fc.ProcessBatchLimit != 0 {
		cfg.ProcessBatchLimit = fc.ProcessBatchLimit
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.SlackBotToken != "" {
		cfg.SlackBotToken = fc.SlackBotToken
	}
	if fc.SlackAlertChannel != "" {
		cfg.SlackAlertChannel = fc.SlackAlertChannel
	}

	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
