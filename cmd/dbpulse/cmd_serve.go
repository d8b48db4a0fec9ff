// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/internal/log"
	"github.com/teradata-labs/dbpulse/pkg/analyzer"
	"github.com/teradata-labs/dbpulse/pkg/collector"
	"github.com/teradata-labs/dbpulse/pkg/learning"
	"github.com/teradata-labs/dbpulse/pkg/oracle"
	"github.com/teradata-labs/dbpulse/pkg/probe"
	"github.com/teradata-labs/dbpulse/pkg/scheduler"
	"github.com/teradata-labs/dbpulse/pkg/server"
	"github.com/teradata-labs/dbpulse/pkg/storage"
	"github.com/teradata-labs/dbpulse/pkg/tenant"
	"github.com/teradata-labs/dbpulse/pkg/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dbpulse service",
	Long: `Start the dbpulse service.

The service will:
- Open (and migrate) the internal SQLite store
- Load registered probe targets and watch the file for changes
- Schedule the collect, analyze and learn pipelines
- Serve the read-only HTTP API

Press Ctrl+C to gracefully shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, err := log.Build(config.Logging.Level, config.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, config.Database.Path, logger, storage.Options{
		ClaimTimeout: time.Duration(config.Database.ClaimTimeoutMin) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	registry, err := probe.NewRegistry(config.Probes.TargetsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to load probe targets: %w", err)
	}
	go func() {
		if err := registry.Watch(ctx); err != nil && ctx.Err() == nil {
			logger.Error("Target watcher stopped", zap.Error(err))
		}
	}()

	coll := collector.New(store, registry, logger, collector.Options{
		Concurrency: config.Collector.Concurrency,
		ProbeOptions: probe.Options{
			ReplayOverlap: time.Duration(config.Probes.ReplayOverlapSec) * time.Second,
			Deadline:      time.Duration(config.Probes.DeadlineSec) * time.Second,
			FetchLimit:    config.Probes.FetchLimit,
		},
	})
	defer func() { _ = coll.Close() }()

	schema, err := buildSchemaProvider(registry, logger)
	if err != nil {
		return err
	}

	anlz := analyzer.New(store, buildOracle(logger), schema, logger, analyzer.Options{
		BatchSize:   config.Analyzer.BatchSize,
		Concurrency: config.Analyzer.Concurrency,
		MaxRetries:  config.Oracle.MaxRetries,
		HintLimit:   config.Analyzer.HintLimit,
	})

	eval := learning.New(store, logger, learning.Options{
		Grace:             time.Duration(config.Learning.GraceMin) * time.Minute,
		SampleSize:        config.Learning.SampleSize,
		MinSamples:        config.Learning.MinSamples,
		Threshold:         config.Learning.ImprovementThreshold,
		MinBaselineMS:     config.Learning.MinBaselineMS,
		MaxPendingAge:     time.Duration(config.Learning.MaxPendingAgeDays) * 24 * time.Hour,
		IdempotencyWindow: time.Duration(config.Learning.IdempotencyHours) * time.Hour,
	})

	sched := scheduler.New(logger, scheduler.Options{
		ShutdownGrace: time.Duration(config.Scheduler.ShutdownGraceSec) * time.Second,
	})
	if err := sched.AddJob("collect", config.CollectInterval(), coll.RunOnce); err != nil {
		return err
	}
	if err := sched.AddJob("analyze", config.AnalyzeInterval(), anlz.RunOnce); err != nil {
		return err
	}
	if err := sched.AddJob("learn", config.LearnInterval(), eval.RunOnce); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	corsCfg := server.CORSConfig{
		Enabled:        config.Server.CORS.Enabled,
		AllowedOrigins: config.Server.CORS.AllowedOrigins,
		AllowedMethods: config.Server.CORS.AllowedMethods,
		AllowedHeaders: config.Server.CORS.AllowedHeaders,
		MaxAge:         config.Server.CORS.MaxAge,
	}
	api := server.New(store, coll, sched, logger, server.Options{
		Addr:     config.Server.Listen,
		CORS:     &corsCfg,
		Resolver: buildResolver(),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- api.Start(ctx) }()

	logger.Info("dbpulse started",
		zap.String("listen", config.Server.Listen),
		zap.String("db", config.Database.Path),
		zap.Int("targets", len(registry.Targets())))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := api.Stop(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduler shutdown failed", zap.Error(err))
	}
	return nil
}

// buildResolver maps the tenant config onto a resolver; nil means the read
// API is unauthenticated.
func buildResolver() tenant.Resolver {
	if len(config.Tenant.APIKeys) > 0 {
		table := make(map[string]tenant.Identity, len(config.Tenant.APIKeys))
		for key, scope := range config.Tenant.APIKeys {
			table[key] = tenant.Identity{Scope: scope}
		}
		return tenant.NewStaticResolver(table)
	}
	if config.Tenant.Scope != "" {
		return tenant.AllowAll(config.Tenant.Scope)
	}
	return nil
}

// buildOracle returns the configured oracle provider, or nil for rules-only
// analysis.
func buildOracle(logger *zap.Logger) oracle.Provider {
	if !config.Oracle.Enabled {
		logger.Info("Oracle disabled, running rules-only analysis")
		return nil
	}
	apiKey := config.Oracle.AnthropicAPIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		logger.Warn("No Anthropic API key configured, running rules-only analysis")
		return nil
	}
	return oracle.NewAnthropicClient(oracle.AnthropicConfig{
		APIKey:    apiKey,
		Model:     config.Oracle.AnthropicModel,
		Endpoint:  config.Oracle.Endpoint,
		MaxTokens: config.Oracle.MaxTokens,
		Timeout:   time.Duration(config.Oracle.TimeoutSec) * time.Second,
	})
}

// buildSchemaProvider opens one metadata connection per registered target so
// the analyzer can read information_schema. Targets that fail to open are
// logged and skipped; their analyses degrade to schema-free rules.
func buildSchemaProvider(registry *probe.Registry, logger *zap.Logger) (analyzer.SchemaProvider, error) {
	dbProvider := analyzer.NewDBSchemaProvider(logger)
	for _, target := range registry.EnabledTargets() {
		db, err := openMetadataDB(target)
		if err != nil {
			logger.Warn("Schema metadata connection failed, analyses for this target run schema-free",
				zap.String("probe_id", target.ID),
				zap.Error(err))
			continue
		}
		dbProvider.Register(target.Host, db)
	}
	return analyzer.NewCachedSchemaProvider(dbProvider, 1024)
}

func openMetadataDB(target probe.Target) (*sql.DB, error) {
	switch target.SourceType {
	case types.SourceMySQL:
		return sql.Open("mysql", target.DSN)
	case types.SourcePostgres:
		return sql.Open("postgres", target.DSN)
	default:
		return nil, fmt.Errorf("unknown source type %q", target.SourceType)
	}
}
