// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package analyzer drains fresh observations, gathers schema context, applies
// a fixed rule set and optionally consults the AI oracle, then finalises one
// analysis per observation. Rule findings are always available as the
// fallback, so no observation stays claimed forever.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teradata-labs/dbpulse/pkg/oracle"
	"github.com/teradata-labs/dbpulse/pkg/storage"
	"github.com/teradata-labs/dbpulse/pkg/types"
)

const (
	// DefaultBatchSize is the claim batch per tick.
	DefaultBatchSize = 50
	// DefaultConcurrency bounds parallel analyses inside one batch.
	DefaultConcurrency = 4
	// DefaultMaxRetries bounds oracle retries on transient failures.
	DefaultMaxRetries = 3
	// DefaultBackoffBase seeds the exponential retry backoff.
	DefaultBackoffBase = time.Second
	// DefaultBackoffCap caps a single retry sleep.
	DefaultBackoffCap = 30 * time.Second
	// DefaultHintLimit is how many confirmed recommendation kinds feed the
	// oracle prompt.
	DefaultHintLimit = 5
)

// Store is the slice of the storage contract the analyzer needs.
type Store interface {
	ClaimNewObservations(ctx context.Context, workerID string, limit int) ([]*types.Observation, error)
	FinalizeAnalysis(ctx context.Context, workerID string, analysis *types.Analysis) (string, error)
	ReleaseClaims(ctx context.Context, workerID string) error
	QuarantineObservation(ctx context.Context, id string, reason string) error
	TopRecommendations(ctx context.Context, verbClass string, limit int) ([]*types.RankedRecommendation, error)
}

// Options tunes the analyzer; zero values take defaults.
type Options struct {
	BatchSize   int
	Concurrency int64
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	HintLimit   int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.HintLimit <= 0 {
		o.HintLimit = DefaultHintLimit
	}
	return o
}

// Analyzer owns one worker identity across ticks.
type Analyzer struct {
	store    Store
	provider oracle.Provider // nil disables the oracle
	schema   SchemaProvider
	logger   *zap.Logger
	opts     Options
	workerID string
}

// New builds an analyzer. provider may be nil for rules-only operation.
func New(store Store, provider oracle.Provider, schema SchemaProvider, logger *zap.Logger, opts Options) *Analyzer {
	if schema == nil {
		schema = NopSchemaProvider{}
	}
	return &Analyzer{
		store:    store,
		provider: provider,
		schema:   schema,
		logger:   logger,
		opts:     opts.withDefaults(),
		workerID: "analyzer-" + uuid.New().String(),
	}
}

// RunOnce claims one batch and analyses every observation in it. Errors are
// per-observation; the tick itself only fails when the store is unreachable.
func (a *Analyzer) RunOnce(ctx context.Context) error {
	batch, err := a.store.ClaimNewObservations(ctx, a.workerID, a.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to claim observations: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(a.opts.Concurrency)
	var wg sync.WaitGroup
	for _, obs := range batch {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(obs *types.Observation) {
			defer wg.Done()
			defer sem.Release(1)
			a.analyzeOne(ctx, obs)
		}(obs)
	}
	wg.Wait()

	// Anything not finalised (cancellation, store hiccups) goes back to the
	// pool immediately instead of waiting out the claim timeout.
	if err := a.store.ReleaseClaims(context.WithoutCancel(ctx), a.workerID); err != nil {
		a.logger.Warn("Failed to release leftover claims", zap.Error(err))
	}
	return ctx.Err()
}

// analyzeOne produces and finalises exactly one analysis. A failure of any
// single stage degrades rather than aborts: missing schema context skips the
// schema rules, a dead oracle falls back to rule findings.
func (a *Analyzer) analyzeOne(ctx context.Context, obs *types.Observation) {
	if strings.TrimSpace(obs.Fingerprint) == "" {
		if err := a.store.QuarantineObservation(ctx, obs.ID, "empty fingerprint"); err != nil {
			a.logger.Error("Failed to quarantine observation", zap.String("observation_id", obs.ID), zap.Error(err))
		}
		return
	}

	tables := a.gatherSchema(ctx, obs)
	findings := applyRules(obs, obs.Fingerprint, tables)

	recs := make([]types.Recommendation, 0, len(findings))
	for _, f := range findings {
		recs = append(recs, f.rec)
	}

	analysis := &types.Analysis{
		ObservationID:    obs.ID,
		Problem:          describeProblem(findings),
		RootCause:        "",
		Recommendations:  recs,
		ImprovementLevel: maxLevel(findings),
		Provider:         "rules",
	}

	if a.provider != nil {
		if resp := a.consultOracle(ctx, obs, tables, recs); resp != nil {
			analysis.Problem = resp.Problem
			analysis.RootCause = resp.RootCause
			analysis.Recommendations = resp.Recommendations
			analysis.ImprovementLevel = resp.ImprovementLevel
			analysis.Provider = a.provider.Name()
			analysis.ModelVersion = resp.ModelVersion
		}
	}

	analysis.Recommendations = synthesizeRewrites(obs, obs.Fingerprint, tables, analysis.Recommendations)

	if _, err := a.store.FinalizeAnalysis(ctx, a.workerID, analysis); err != nil {
		if errors.Is(err, storage.ErrClaimLost) {
			a.logger.Debug("Claim lost before finalize, another worker took over",
				zap.String("observation_id", obs.ID))
			return
		}
		a.logger.Error("Failed to finalize analysis",
			zap.String("observation_id", obs.ID),
			zap.Error(err))
	}
}

// gatherSchema resolves context for every referenced table. Unresolved
// identifiers are logged and skipped.
func (a *Analyzer) gatherSchema(ctx context.Context, obs *types.Observation) []*TableInfo {
	var tables []*TableInfo
	for _, name := range ExtractTables(obs.Fingerprint) {
		info, err := a.schema.TableInfo(ctx, obs.SourceType, obs.SourceHost, obs.SourceDatabase, name)
		if err != nil {
			a.logger.Debug("Skipping unresolved table",
				zap.String("table", name),
				zap.String("source_host", obs.SourceHost),
				zap.Error(err))
			continue
		}
		tables = append(tables, info)
	}
	return tables
}

// consultOracle calls the provider with retry on transient failures. Returns
// nil when the oracle cannot produce a usable verdict.
func (a *Analyzer) consultOracle(ctx context.Context, obs *types.Observation, tables []*TableInfo, ruleRecs []types.Recommendation) *oracle.Response {
	hints, err := a.store.TopRecommendations(ctx, verbClass(obs.Fingerprint), a.opts.HintLimit)
	if err != nil {
		a.logger.Warn("Failed to load confirmed recommendation hints", zap.Error(err))
	}

	req := &oracle.Request{
		SQL:            obs.FullSQL,
		Plan:           obs.Plan,
		SchemaContext:  renderSchemaContext(tables),
		RuleFindings:   ruleRecs,
		ConfirmedHints: hints,
	}

	backoff := a.opts.BackoffBase
	for attempt := 0; attempt <= a.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > a.opts.BackoffCap {
				backoff = a.opts.BackoffCap
			}
		}

		resp, err := a.provider.Analyze(ctx, req)
		if err == nil {
			return resp
		}
		if !oracle.IsTransient(err) {
			a.logger.Warn("Oracle returned a permanent error, using rule findings",
				zap.String("observation_id", obs.ID),
				zap.Error(err))
			return nil
		}
		a.logger.Warn("Transient oracle error",
			zap.String("observation_id", obs.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	a.logger.Warn("Oracle retries exhausted, using rule findings",
		zap.String("observation_id", obs.ID))
	return nil
}

// verbClass buckets fingerprints by their leading verb for hint ranking.
func verbClass(fp string) string {
	fields := strings.Fields(fp)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// describeProblem summarises rule hits when no oracle verdict exists.
func describeProblem(findings []finding) string {
	if len(findings) == 0 {
		return "slow statement with no static rule hits"
	}
	kinds := make([]string, 0, len(findings))
	for _, f := range findings {
		kinds = append(kinds, string(f.rec.Kind))
	}
	return "static analysis flagged: " + strings.Join(kinds, ", ")
}
