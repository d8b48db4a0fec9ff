// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package learning closes the feedback loop: it joins pre-recommendation
// baselines with post-recommendation observations per fingerprint, computes
// the measured gain and terminalises each analysis as CONFIRMED or FAILED.
// The resulting history ranks future recommendations.
package learning

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

const (
	// DefaultGrace is how long after the baseline capture post-observations
	// start to count; it gives operators time to apply a recommendation.
	DefaultGrace = 10 * time.Minute
	// DefaultSampleSize is the number of most recent post-observations that
	// form the new baseline.
	DefaultSampleSize = 5
	// DefaultMinSamples is the floor below which evaluation waits.
	DefaultMinSamples = 3
	// DefaultThreshold is the gain ratio at which an analysis is confirmed.
	DefaultThreshold = 0.30
	// DefaultMinBaselineMS skips baselines where measurement jitter
	// dominates the signal.
	DefaultMinBaselineMS = 10.0
	// DefaultMaxPendingAge bounds how long an analysis may stay PENDING.
	DefaultMaxPendingAge = 30 * 24 * time.Hour
	// DefaultIdempotencyWindow deduplicates feedback per analysis.
	DefaultIdempotencyWindow = 24 * time.Hour
	// DefaultBatchLimit caps pending analyses examined per tick.
	DefaultBatchLimit = 200
)

// Store is the slice of the storage contract the evaluator needs.
type Store interface {
	PendingAnalyses(ctx context.Context, minAge time.Duration, limit int) ([]*types.Analysis, error)
	GetObservation(ctx context.Context, id string) (*types.Observation, error)
	PostObservations(ctx context.Context, fingerprint string, after time.Time, limit int) ([]*types.Observation, error)
	TerminalizeAnalysis(ctx context.Context, analysisID string, effectiveness types.Effectiveness, gainRatio *float64, entry *types.FeedbackEntry, idempotencyWindow time.Duration) error
	ExpireStalePending(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Options tunes the evaluator; zero values take defaults.
type Options struct {
	Grace             time.Duration
	SampleSize        int
	MinSamples        int
	Threshold         float64
	MinBaselineMS     float64
	MaxPendingAge     time.Duration
	IdempotencyWindow time.Duration
	BatchLimit        int
}

func (o Options) withDefaults() Options {
	if o.Grace <= 0 {
		o.Grace = DefaultGrace
	}
	if o.SampleSize <= 0 {
		o.SampleSize = DefaultSampleSize
	}
	if o.MinSamples <= 0 {
		o.MinSamples = DefaultMinSamples
	}
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.MinBaselineMS <= 0 {
		o.MinBaselineMS = DefaultMinBaselineMS
	}
	if o.MaxPendingAge <= 0 {
		o.MaxPendingAge = DefaultMaxPendingAge
	}
	if o.IdempotencyWindow <= 0 {
		o.IdempotencyWindow = DefaultIdempotencyWindow
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = DefaultBatchLimit
	}
	return o
}

// Evaluator runs the periodic learning pass. Single-threaded per tick.
type Evaluator struct {
	store  Store
	logger *zap.Logger
	opts   Options
	now    func() time.Time
}

// New builds an evaluator.
func New(store Store, logger *zap.Logger, opts Options) *Evaluator {
	return &Evaluator{
		store:  store,
		logger: logger,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// RunOnce expires stale analyses, then evaluates every PENDING analysis old
// enough to have a settled post window. Per-analysis errors are isolated.
func (e *Evaluator) RunOnce(ctx context.Context) error {
	expired, err := e.store.ExpireStalePending(ctx, e.opts.MaxPendingAge)
	if err != nil {
		return fmt.Errorf("failed to expire stale analyses: %w", err)
	}
	if expired > 0 {
		e.logger.Info("Expired stale pending analyses", zap.Int64("count", expired))
	}

	pending, err := e.store.PendingAnalyses(ctx, e.opts.Grace, e.opts.BatchLimit)
	if err != nil {
		return fmt.Errorf("failed to load pending analyses: %w", err)
	}

	for _, analysis := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.evaluate(ctx, analysis); err != nil {
			e.logger.Error("Failed to evaluate analysis",
				zap.String("analysis_id", analysis.ID),
				zap.Error(err))
		}
	}
	return nil
}

// evaluate classifies one analysis, or leaves it PENDING when the evidence
// is not in yet.
func (e *Evaluator) evaluate(ctx context.Context, analysis *types.Analysis) error {
	obs, err := e.store.GetObservation(ctx, analysis.ObservationID)
	if err != nil {
		return fmt.Errorf("failed to resolve baseline observation: %w", err)
	}

	oldDuration := obs.DurationMS
	if oldDuration < e.opts.MinBaselineMS {
		// Jitter dominates tiny baselines; max-pending-age expiry will
		// eventually close these out.
		e.logger.Debug("Skipping analysis with sub-baseline duration",
			zap.String("analysis_id", analysis.ID),
			zap.Float64("duration_ms", oldDuration))
		return nil
	}

	after := obs.CapturedAt.Add(e.opts.Grace)
	post, err := e.store.PostObservations(ctx, obs.Fingerprint, after, e.opts.SampleSize)
	if err != nil {
		return fmt.Errorf("failed to load post observations: %w", err)
	}
	if len(post) < e.opts.MinSamples {
		// Partial windows are never evaluated.
		return nil
	}

	var sum float64
	for _, p := range post {
		sum += p.DurationMS
	}
	newDuration := sum / float64(len(post))
	gain := (oldDuration - newDuration) / oldDuration

	var effectiveness types.Effectiveness
	switch {
	case gain < 0:
		effectiveness = types.EffectivenessFailed
	case gain < e.opts.Threshold:
		// Below-threshold improvement is not classified yet; recording
		// feedback here would churn the ranking signal.
		return nil
	default:
		effectiveness = types.EffectivenessConfirmed
	}

	entry := &types.FeedbackEntry{
		Fingerprint:   obs.Fingerprint,
		AnalysisID:    analysis.ID,
		OldDurationMS: oldDuration,
		NewDurationMS: newDuration,
		GainRatio:     gain,
		CheckedAt:     e.now(),
	}
	if err := e.store.TerminalizeAnalysis(ctx, analysis.ID, effectiveness, &gain, entry, e.opts.IdempotencyWindow); err != nil {
		return fmt.Errorf("failed to terminalize analysis: %w", err)
	}

	e.logger.Info("Evaluated analysis",
		zap.String("analysis_id", analysis.ID),
		zap.String("fingerprint", obs.Fingerprint),
		zap.String("effectiveness", string(effectiveness)),
		zap.Float64("gain_ratio", gain),
		zap.Int("samples", len(post)))
	return nil
}
