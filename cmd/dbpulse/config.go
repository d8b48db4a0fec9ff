// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigFileName is the name of the config file
const DefaultConfigFileName = "dbpulse"

// Config holds all configuration for the dbpulse service.
// Priority: CLI flags > config file > env vars > defaults
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Probes    ProbesConfig    `mapstructure:"probes"`
	Collector CollectorConfig `mapstructure:"collector"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Learning  LearningConfig  `mapstructure:"learning"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Tenant    TenantConfig    `mapstructure:"tenant"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// TenantConfig holds the identity resolution table for the read API.
// APIKeys maps key → tenant scope; when empty and Scope is set, every
// caller resolves to that single scope; when both are empty the API is
// unauthenticated and serves all scopes.
type TenantConfig struct {
	Scope   string            `mapstructure:"scope"`
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// ServerConfig holds the HTTP read API configuration.
type ServerConfig struct {
	Listen string     `mapstructure:"listen"`
	CORS   CORSConfig `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration for HTTP endpoints.
type CORSConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
	AllowedHeaders []string `mapstructure:"allowed_headers"`
	MaxAge         int      `mapstructure:"max_age"`
}

// DatabaseConfig holds the internal store configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`

	// ClaimTimeoutMin bounds how long an analyzer claim can stay
	// unfinished before another worker may reclaim the row.
	ClaimTimeoutMin int `mapstructure:"claim_timeout_min"`
}

// ProbesConfig points at the registered monitored databases.
type ProbesConfig struct {
	TargetsFile string `mapstructure:"targets_file"`

	// DeadlineSec bounds one probe fetch.
	DeadlineSec int `mapstructure:"deadline_sec"`

	// ReplayOverlapSec is re-read behind the cursor to tolerate clock skew.
	ReplayOverlapSec int `mapstructure:"replay_overlap_sec"`

	FetchLimit int `mapstructure:"fetch_limit"`
}

// CollectorConfig holds the collection pipeline configuration.
type CollectorConfig struct {
	IntervalSec int   `mapstructure:"interval_sec"`
	Concurrency int64 `mapstructure:"concurrency"`
}

// AnalyzerConfig holds the analysis pipeline configuration.
type AnalyzerConfig struct {
	IntervalSec int   `mapstructure:"interval_sec"`
	BatchSize   int   `mapstructure:"batch_size"`
	Concurrency int64 `mapstructure:"concurrency"`
	HintLimit   int   `mapstructure:"hint_limit"`
}

// LearningConfig holds the feedback evaluator configuration.
type LearningConfig struct {
	IntervalSec          int     `mapstructure:"interval_sec"`
	ImprovementThreshold float64 `mapstructure:"improvement_threshold"`
	MinSamples           int     `mapstructure:"min_samples"`
	SampleSize           int     `mapstructure:"sample_size"`
	GraceMin             int     `mapstructure:"grace_min"`
	MaxPendingAgeDays    int     `mapstructure:"max_pending_age_days"`
	MinBaselineMS        float64 `mapstructure:"min_baseline_ms"`
	IdempotencyHours     int     `mapstructure:"idempotency_hours"`
}

// OracleConfig holds the AI collaborator configuration.
type OracleConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	AnthropicModel  string `mapstructure:"anthropic_model"`
	Endpoint        string `mapstructure:"endpoint"`
	MaxTokens       int    `mapstructure:"max_tokens"`
	TimeoutSec      int    `mapstructure:"timeout_sec"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

// SchedulerConfig holds the job orchestration configuration.
type SchedulerConfig struct {
	ShutdownGraceSec int `mapstructure:"shutdown_grace_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from file, environment and defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/dbpulse/")
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// Config file not found; using defaults + env vars + flags
	}

	viper.SetEnvPrefix("DBPULSE")
	viper.AutomaticEnv()
	bindLegacyEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Oracle.AnthropicAPIKey == "" {
		config.Oracle.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// bindLegacyEnv wires the flat operational variable names deployments
// already use onto their config keys.
func bindLegacyEnv() {
	_ = viper.BindEnv("collector.interval_sec", "COLLECT_INTERVAL_SEC")
	_ = viper.BindEnv("analyzer.interval_sec", "ANALYZE_INTERVAL_SEC")
	_ = viper.BindEnv("learning.interval_sec", "LEARN_INTERVAL_SEC")
	_ = viper.BindEnv("learning.improvement_threshold", "IMPROVEMENT_THRESHOLD")
	_ = viper.BindEnv("learning.min_samples", "LEARN_MIN_SAMPLES")
	_ = viper.BindEnv("learning.sample_size", "LEARN_SAMPLE_SIZE")
	_ = viper.BindEnv("learning.grace_min", "LEARN_GRACE_MIN")
	_ = viper.BindEnv("learning.max_pending_age_days", "MAX_PENDING_AGE_DAYS")
	_ = viper.BindEnv("learning.min_baseline_ms", "LEARN_MIN_BASELINE_MS")
	_ = viper.BindEnv("learning.idempotency_hours", "FEEDBACK_IDEMPOTENCY_HOURS")
	_ = viper.BindEnv("probes.deadline_sec", "PROBE_DEADLINE_SEC")
	_ = viper.BindEnv("analyzer.concurrency", "ANALYZER_CONCURRENCY")
	_ = viper.BindEnv("oracle.max_retries", "ORACLE_MAX_RETRIES")
}

func setDefaults() {
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.cors.enabled", true)
	viper.SetDefault("server.cors.allowed_origins", []string{"*"})
	viper.SetDefault("server.cors.allowed_methods", []string{"GET", "OPTIONS"})
	viper.SetDefault("server.cors.allowed_headers", []string{"*"})
	viper.SetDefault("server.cors.max_age", 86400)

	viper.SetDefault("database.path", "dbpulse.db")
	viper.SetDefault("database.claim_timeout_min", 5)

	viper.SetDefault("probes.targets_file", "targets.yaml")
	viper.SetDefault("probes.deadline_sec", 30)
	viper.SetDefault("probes.replay_overlap_sec", 30)
	viper.SetDefault("probes.fetch_limit", 500)

	viper.SetDefault("collector.interval_sec", 60)
	viper.SetDefault("collector.concurrency", 16)

	viper.SetDefault("analyzer.interval_sec", 300)
	viper.SetDefault("analyzer.batch_size", 50)
	viper.SetDefault("analyzer.concurrency", 4)
	viper.SetDefault("analyzer.hint_limit", 5)

	viper.SetDefault("learning.interval_sec", 1800)
	viper.SetDefault("learning.improvement_threshold", 0.30)
	viper.SetDefault("learning.min_samples", 3)
	viper.SetDefault("learning.sample_size", 5)
	viper.SetDefault("learning.grace_min", 10)
	viper.SetDefault("learning.max_pending_age_days", 30)
	viper.SetDefault("learning.min_baseline_ms", 10.0)
	viper.SetDefault("learning.idempotency_hours", 24)

	viper.SetDefault("oracle.enabled", true)
	viper.SetDefault("oracle.max_tokens", 2048)
	viper.SetDefault("oracle.timeout_sec", 60)
	viper.SetDefault("oracle.max_retries", 3)

	viper.SetDefault("scheduler.shutdown_grace_sec", 30)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

// Validate rejects configurations the pipelines cannot run under.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Collector.IntervalSec <= 0 || c.Analyzer.IntervalSec <= 0 || c.Learning.IntervalSec <= 0 {
		return fmt.Errorf("job intervals must be positive")
	}
	if c.Learning.ImprovementThreshold <= 0 || c.Learning.ImprovementThreshold >= 1 {
		return fmt.Errorf("learning.improvement_threshold must be in (0, 1), got %v", c.Learning.ImprovementThreshold)
	}
	if c.Learning.MinSamples <= 0 || c.Learning.SampleSize < c.Learning.MinSamples {
		return fmt.Errorf("learning.sample_size (%d) must be >= learning.min_samples (%d) and both positive",
			c.Learning.SampleSize, c.Learning.MinSamples)
	}
	if c.Learning.MaxPendingAgeDays <= 0 {
		return fmt.Errorf("learning.max_pending_age_days must be positive")
	}
	if c.Probes.DeadlineSec <= 0 {
		return fmt.Errorf("probes.deadline_sec must be positive")
	}
	return nil
}

// CollectInterval is the collector cadence.
func (c *Config) CollectInterval() time.Duration {
	return time.Duration(c.Collector.IntervalSec) * time.Second
}

// AnalyzeInterval is the analyzer cadence.
func (c *Config) AnalyzeInterval() time.Duration {
	return time.Duration(c.Analyzer.IntervalSec) * time.Second
}

// LearnInterval is the learning evaluator cadence.
func (c *Config) LearnInterval() time.Duration {
	return time.Duration(c.Learning.IntervalSec) * time.Second
}
