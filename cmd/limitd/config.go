package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// config describes the limitd YAML configuration.
type config struct {
	Server struct {
		ListenAddr string `yaml:"listen_addr"`
		Backend    string `yaml:"backend"`
		// FailureMode is "block" or "allow".
		FailureMode string `yaml:"failure_mode"`
		LogLevel    string `yaml:"log_level"`
	} `yaml:"server"`
	Namespace string `yaml:"namespace"`
	Limiter   struct {
		MaxAttempts         int     `yaml:"max_attempts"`
		RetentionMultiplier float64 `yaml:"retention_multiplier"`
		CacheTTLSeconds     int     `yaml:"cache_ttl_seconds"`
		ParallelCascade     bool    `yaml:"parallel_cascade"`
		LeaseHoldSeconds    int     `yaml:"lease_hold_seconds"`
	} `yaml:"limiter"`
	DynamoDB struct {
		Table         string `yaml:"table"`
		ResourceIndex string `yaml:"resource_index"`
	} `yaml:"dynamodb"`
}

// loadConfig reads and validates the configuration file.
func loadConfig(path string) (config, error) {
	var cfg config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.Backend == "" {
		cfg.Server.Backend = "memory"
	}
	if cfg.Server.FailureMode == "" {
		cfg.Server.FailureMode = "block"
	}
	if cfg.Server.FailureMode != "block" && cfg.Server.FailureMode != "allow" {
		return cfg, fmt.Errorf("server.failure_mode must be block or allow")
	}
	if cfg.Namespace == "" {
		return cfg, fmt.Errorf("namespace is required")
	}
	if cfg.Server.Backend == "dynamodb" && cfg.DynamoDB.Table == "" {
		return cfg, fmt.Errorf("dynamodb.table is required")
	}
	return cfg, nil
}

// cacheTTL converts the configured seconds to a duration.
func cacheTTL(cfg config) time.Duration {
	if cfg.Limiter.CacheTTLSeconds <= 0 {
		return 0
	}
	return time.Duration(cfg.Limiter.CacheTTLSeconds) * time.Second
}

// leaseHold converts the configured seconds to a duration.
func leaseHold(cfg config) time.Duration {
	if cfg.Limiter.LeaseHoldSeconds <= 0 {
		return 0
	}
	return time.Duration(cfg.Limiter.LeaseHoldSeconds) * time.Second
}
