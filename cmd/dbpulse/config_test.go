// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "dbpulse.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return LoadConfig(path)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadTestConfig(t, "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "dbpulse.db", cfg.Database.Path)
	assert.Equal(t, 60, cfg.Collector.IntervalSec)
	assert.Equal(t, 300, cfg.Analyzer.IntervalSec)
	assert.Equal(t, 1800, cfg.Learning.IntervalSec)
	assert.InDelta(t, 0.30, cfg.Learning.ImprovementThreshold, 1e-9)
	assert.Equal(t, 3, cfg.Learning.MinSamples)
	assert.Equal(t, 5, cfg.Learning.SampleSize)
	assert.Equal(t, 10, cfg.Learning.GraceMin)
	assert.Equal(t, 30, cfg.Learning.MaxPendingAgeDays)
	assert.InDelta(t, 10.0, cfg.Learning.MinBaselineMS, 1e-9)
	assert.Equal(t, 30, cfg.Probes.DeadlineSec)
	assert.True(t, cfg.Oracle.Enabled)
}

func TestLoadConfig_FileOverrides(t *testing.T) {
	cfg, err := loadTestConfig(t, `
server:
  listen: ":9090"
collector:
  interval_sec: 15
learning:
  improvement_threshold: 0.5
oracle:
  enabled: false
`)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, 15, cfg.Collector.IntervalSec)
	assert.InDelta(t, 0.5, cfg.Learning.ImprovementThreshold, 1e-9)
	assert.False(t, cfg.Oracle.Enabled)
}

func TestLoadConfig_LegacyEnvNames(t *testing.T) {
	t.Setenv("COLLECT_INTERVAL_SEC", "120")
	t.Setenv("IMPROVEMENT_THRESHOLD", "0.4")
	t.Setenv("LEARN_MIN_SAMPLES", "4")
	t.Setenv("MAX_PENDING_AGE_DAYS", "7")

	cfg, err := loadTestConfig(t, "")
	require.NoError(t, err)

	assert.Equal(t, 120, cfg.Collector.IntervalSec)
	assert.InDelta(t, 0.4, cfg.Learning.ImprovementThreshold, 1e-9)
	assert.Equal(t, 4, cfg.Learning.MinSamples)
	assert.Equal(t, 7, cfg.Learning.MaxPendingAgeDays)
}

func TestConfig_Validate(t *testing.T) {
	_, err := loadTestConfig(t, `
learning:
  improvement_threshold: 1.5
`)
	assert.Error(t, err)

	_, err = loadTestConfig(t, `
learning:
  min_samples: 6
  sample_size: 5
`)
	assert.Error(t, err)

	_, err = loadTestConfig(t, `
collector:
  interval_sec: 0
`)
	assert.Error(t, err)
}
