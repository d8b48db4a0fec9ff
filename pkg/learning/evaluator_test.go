// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package learning

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/dbpulse/pkg/storage"
	"github.com/teradata-labs/dbpulse/pkg/types"
)

func setupLearningStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "dbpulse.db"),
		zaptest.NewLogger(t), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertBaseline(t *testing.T, store *storage.Store, fp string, durationMS float64, capturedAt time.Time) string {
	t.Helper()
	id, inserted, err := store.InsertObservation(context.Background(), &types.Observation{
		SourceType:  types.SourceMySQL,
		SourceHost:  "db-1:3306",
		Fingerprint: fp,
		FullSQL:     "SELECT 1",
		DurationMS:  durationMS,
		CapturedAt:  capturedAt,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return id
}

// seedAnalysis creates one baseline observation with a finalised analysis
// whose created_at is backdated far enough for the evaluator to pick it up.
func seedAnalysis(t *testing.T, store *storage.Store, fp string, durationMS float64, capturedAt, createdAt time.Time) string {
	t.Helper()
	ctx := context.Background()

	obsID := insertBaseline(t, store, fp, durationMS, capturedAt)

	batch, err := store.ClaimNewObservations(ctx, "seed", 100)
	require.NoError(t, err)
	require.NotEmpty(t, batch)

	analysisID, err := store.FinalizeAnalysis(ctx, "seed", &types.Analysis{
		ObservationID: obsID,
		Problem:       "slow",
		Recommendations: []types.Recommendation{
			{Kind: types.KindMissingIndex, Priority: 1, Description: "add index"},
		},
		ImprovementLevel: types.ImprovementHigh,
		Provider:         "rules",
		CreatedAt:        createdAt,
	})
	require.NoError(t, err)
	return analysisID
}

func insertPostSamples(t *testing.T, store *storage.Store, fp string, start time.Time, durations []float64) {
	t.Helper()
	for i, d := range durations {
		_, _, err := store.InsertObservation(context.Background(), &types.Observation{
			SourceType:  types.SourceMySQL,
			SourceHost:  "db-1:3306",
			Fingerprint: fp,
			FullSQL:     "SELECT 1",
			DurationMS:  d,
			CapturedAt:  start.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

func TestEvaluator_ConfirmedImprovement(t *testing.T) {
	ctx := context.Background()
	store := setupLearningStore(t)
	e := New(store, zaptest.NewLogger(t), Options{})

	baseline := time.Now().Add(-2 * time.Hour)
	fp := "select * from orders where id = ?"
	analysisID := seedAnalysis(t, store, fp, 1000, baseline, time.Now().Add(-time.Hour))
	insertPostSamples(t, store, fp, baseline.Add(20*time.Minute), []float64{200, 180, 220, 210, 190})

	require.NoError(t, e.RunOnce(ctx))

	analysis, err := store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, types.EffectivenessConfirmed, analysis.Effectiveness)
	require.NotNil(t, analysis.GainRatio)
	assert.InDelta(t, 0.80, *analysis.GainRatio, 1e-9)

	count, err := store.CountFeedback(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	timeline, err := store.FeedbackTimeline(ctx, fp)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.InDelta(t, 1000, timeline[0].OldDurationMS, 1e-9)
	assert.InDelta(t, 200, timeline[0].NewDurationMS, 1e-9)
}

func TestEvaluator_FailedRecommendation(t *testing.T) {
	ctx := context.Background()
	store := setupLearningStore(t)
	e := New(store, zaptest.NewLogger(t), Options{})

	baseline := time.Now().Add(-2 * time.Hour)
	fp := "update orders set total = ? where id = ?"
	analysisID := seedAnalysis(t, store, fp, 500, baseline, time.Now().Add(-time.Hour))
	insertPostSamples(t, store, fp, baseline.Add(20*time.Minute), []float64{700, 700, 700, 700, 700})

	require.NoError(t, e.RunOnce(ctx))

	analysis, err := store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, types.EffectivenessFailed, analysis.Effectiveness)
	require.NotNil(t, analysis.GainRatio)
	assert.InDelta(t, -0.40, *analysis.GainRatio, 1e-9)

	count, err := store.CountFeedback(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEvaluator_InsufficientSamplesStaysPending(t *testing.T) {
	ctx := context.Background()
	store := setupLearningStore(t)
	e := New(store, zaptest.NewLogger(t), Options{})

	baseline := time.Now().Add(-2 * time.Hour)
	fp := "select id from sessions where token = ?"
	analysisID := seedAnalysis(t, store, fp, 500, baseline, time.Now().Add(-time.Hour))
	insertPostSamples(t, store, fp, baseline.Add(20*time.Minute), []float64{100, 100})

	require.NoError(t, e.RunOnce(ctx))

	analysis, err := store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, types.EffectivenessPending, analysis.Effectiveness)
	assert.Nil(t, analysis.GainRatio)

	count, err := store.CountFeedback(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestEvaluator_BelowThresholdStaysPending(t *testing.T) {
	ctx := context.Background()
	store := setupLearningStore(t)
	e := New(store, zaptest.NewLogger(t), Options{})

	baseline := time.Now().Add(-2 * time.Hour)
	fp := "select id from carts where user_id = ?"
	analysisID := seedAnalysis(t, store, fp, 1000, baseline, time.Now().Add(-time.Hour))
	// 10% better: real but under the 30% threshold.
	insertPostSamples(t, store, fp, baseline.Add(20*time.Minute), []float64{900, 900, 900, 900, 900})

	require.NoError(t, e.RunOnce(ctx))

	analysis, err := store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, types.EffectivenessPending, analysis.Effectiveness)

	count, err := store.CountFeedback(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestEvaluator_IdempotentReRun(t *testing.T) {
	ctx := context.Background()
	store := setupLearningStore(t)
	e := New(store, zaptest.NewLogger(t), Options{})

	baseline := time.Now().Add(-2 * time.Hour)
	fp := "select * from orders where id = ?"
	analysisID := seedAnalysis(t, store, fp, 1000, baseline, time.Now().Add(-time.Hour))
	insertPostSamples(t, store, fp, baseline.Add(20*time.Minute), []float64{200, 200, 200, 200, 200})

	require.NoError(t, e.RunOnce(ctx))
	first, err := store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)

	require.NoError(t, e.RunOnce(ctx))
	second, err := store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)

	assert.Equal(t, first.Effectiveness, second.Effectiveness)
	assert.Equal(t, *first.GainRatio, *second.GainRatio)

	count, err := store.CountFeedback(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEvaluator_SkipsTinyBaseline(t *testing.T) {
	ctx := context.Background()
	store := setupLearningStore(t)
	e := New(store, zaptest.NewLogger(t), Options{})

	baseline := time.Now().Add(-2 * time.Hour)
	fp := "select ? from dual"
	analysisID := seedAnalysis(t, store, fp, 5, baseline, time.Now().Add(-time.Hour))
	insertPostSamples(t, store, fp, baseline.Add(20*time.Minute), []float64{1, 1, 1, 1, 1})

	require.NoError(t, e.RunOnce(ctx))

	// Jitter-dominated baselines are never classified.
	analysis, err := store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, types.EffectivenessPending, analysis.Effectiveness)
}

func TestEvaluator_GraceExcludesEarlySamples(t *testing.T) {
	ctx := context.Background()
	store := setupLearningStore(t)
	e := New(store, zaptest.NewLogger(t), Options{})

	baseline := time.Now().Add(-2 * time.Hour)
	fp := "select count ( * ) from events"
	analysisID := seedAnalysis(t, store, fp, 1000, baseline, time.Now().Add(-time.Hour))

	// Inside the grace window: must not count as evidence.
	insertPostSamples(t, store, fp, baseline.Add(2*time.Minute), []float64{100, 100, 100})

	require.NoError(t, e.RunOnce(ctx))

	analysis, err := store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, types.EffectivenessPending, analysis.Effectiveness)
}

func TestEvaluator_ExpiresStalePending(t *testing.T) {
	ctx := context.Background()
	store := setupLearningStore(t)
	e := New(store, zaptest.NewLogger(t), Options{})

	baseline := time.Now().Add(-40 * 24 * time.Hour)
	fp := "select * from archive where y = ?"
	analysisID := seedAnalysis(t, store, fp, 1000, baseline, time.Now().Add(-35*24*time.Hour))

	require.NoError(t, e.RunOnce(ctx))

	analysis, err := store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, types.EffectivenessFailed, analysis.Effectiveness)
	// Expiry records no measured gain; NULL distinguishes it from a
	// measured failure.
	assert.Nil(t, analysis.GainRatio)

	count, err := store.CountFeedback(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestEvaluator_MostRecentSamplesWin(t *testing.T) {
	ctx := context.Background()
	store := setupLearningStore(t)
	e := New(store, zaptest.NewLogger(t), Options{})

	baseline := time.Now().Add(-3 * time.Hour)
	fp := "select * from orders where state = ?"
	analysisID := seedAnalysis(t, store, fp, 1000, baseline, time.Now().Add(-time.Hour))

	// Older post samples are slow; the five most recent are fast. The
	// window uses the most recent N.
	insertPostSamples(t, store, fp, baseline.Add(20*time.Minute), []float64{900, 900, 900})
	insertPostSamples(t, store, fp, baseline.Add(60*time.Minute), []float64{200, 200, 200, 200, 200})

	require.NoError(t, e.RunOnce(ctx))

	analysis, err := store.GetAnalysis(ctx, analysisID)
	require.NoError(t, err)
	assert.Equal(t, types.EffectivenessConfirmed, analysis.Effectiveness)
	require.NotNil(t, analysis.GainRatio)
	assert.InDelta(t, 0.80, *analysis.GainRatio, 1e-9)
}
