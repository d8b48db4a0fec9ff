// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package analyzer

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/dbpulse/pkg/fingerprint"
	"github.com/teradata-labs/dbpulse/pkg/oracle"
	"github.com/teradata-labs/dbpulse/pkg/storage"
	"github.com/teradata-labs/dbpulse/pkg/types"
)

type fakeOracle struct {
	analyze func(ctx context.Context, req *oracle.Request) (*oracle.Response, error)
	calls   atomic.Int64
}

func (f *fakeOracle) Name() string { return "fake" }

func (f *fakeOracle) Analyze(ctx context.Context, req *oracle.Request) (*oracle.Response, error) {
	f.calls.Add(1)
	return f.analyze(ctx, req)
}

func setupAnalyzerStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "dbpulse.db"),
		zaptest.NewLogger(t), storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func insertObs(t *testing.T, store *storage.Store, sql string) string {
	t.Helper()
	obs := &types.Observation{
		SourceType:  types.SourceMySQL,
		SourceHost:  "db-1:3306",
		FullSQL:     sql,
		Fingerprint: fingerprint.Fingerprint(sql),
		DurationMS:  2500,
		CapturedAt:  time.Now(),
	}
	id, inserted, err := store.InsertObservation(context.Background(), obs)
	require.NoError(t, err)
	require.True(t, inserted)
	return id
}

func fastOpts() Options {
	return Options{BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
}

func TestAnalyzer_RulesOnly(t *testing.T) {
	ctx := context.Background()
	store := setupAnalyzerStore(t)
	id := insertObs(t, store, "SELECT * FROM orders ORDER BY created_at")

	a := New(store, nil, nil, zaptest.NewLogger(t), fastOpts())
	require.NoError(t, a.RunOnce(ctx))

	obs, err := store.GetObservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAnalyzed, obs.Status)

	analysis, err := store.AnalysisForObservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rules", analysis.Provider)
	assert.Equal(t, types.EffectivenessPending, analysis.Effectiveness)

	kinds := map[types.RecommendationKind]bool{}
	rewrites := 0
	for _, r := range analysis.Recommendations {
		kinds[r.Kind] = true
		if r.Kind == types.KindRewrite {
			rewrites++
		}
	}
	assert.True(t, kinds[types.KindSelectStar])
	assert.True(t, kinds[types.KindUnboundedSort])
	assert.GreaterOrEqual(t, rewrites, minRewriteVariants)
}

func TestAnalyzer_OracleVerdictWins(t *testing.T) {
	ctx := context.Background()
	store := setupAnalyzerStore(t)
	id := insertObs(t, store, "SELECT * FROM orders WHERE customer_id = 7")

	provider := &fakeOracle{analyze: func(_ context.Context, req *oracle.Request) (*oracle.Response, error) {
		assert.Contains(t, req.SQL, "SELECT * FROM orders")
		return &oracle.Response{
			Problem:          "missing index on customer_id",
			RootCause:        "every lookup scans the table",
			ImprovementLevel: types.ImprovementHigh,
			ModelVersion:     "fake-1",
			Recommendations: []types.Recommendation{
				{Kind: types.KindMissingIndex, Priority: 1, Description: "add index",
					SQL: "CREATE INDEX idx_orders_customer ON orders(customer_id)"},
			},
		}, nil
	}}

	a := New(store, provider, nil, zaptest.NewLogger(t), fastOpts())
	require.NoError(t, a.RunOnce(ctx))

	analysis, err := store.AnalysisForObservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fake", analysis.Provider)
	assert.Equal(t, "fake-1", analysis.ModelVersion)
	assert.Equal(t, "missing index on customer_id", analysis.Problem)
	assert.Equal(t, types.ImprovementHigh, analysis.ImprovementLevel)

	// The oracle offered no rewrites; deterministic variants top the list
	// up to the floor, each with concrete SQL.
	rewritesWithSQL := 0
	for _, r := range analysis.Recommendations {
		if r.Kind == types.KindRewrite && r.SQL != "" {
			rewritesWithSQL++
		}
	}
	assert.GreaterOrEqual(t, rewritesWithSQL, minRewriteVariants)
	assert.GreaterOrEqual(t, len(analysis.Recommendations), 3)
}

func TestAnalyzer_OracleDownFallsBackToRules(t *testing.T) {
	ctx := context.Background()
	store := setupAnalyzerStore(t)
	id := insertObs(t, store, "SELECT * FROM orders ORDER BY created_at")

	provider := &fakeOracle{analyze: func(context.Context, *oracle.Request) (*oracle.Response, error) {
		return nil, &oracle.TransientError{Err: errors.New("connection refused")}
	}}

	a := New(store, provider, nil, zaptest.NewLogger(t), fastOpts())
	require.NoError(t, a.RunOnce(ctx))

	// Initial attempt plus MaxRetries.
	assert.Equal(t, int64(1+DefaultMaxRetries), provider.calls.Load())

	// The observation is still finalised, rules-only.
	obs, err := store.GetObservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusAnalyzed, obs.Status)

	analysis, err := store.AnalysisForObservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rules", analysis.Provider)
	assert.NotEmpty(t, analysis.Recommendations)
}

func TestAnalyzer_TransientThenSuccess(t *testing.T) {
	ctx := context.Background()
	store := setupAnalyzerStore(t)
	id := insertObs(t, store, "SELECT id FROM orders WHERE region = 'eu'")

	provider := &fakeOracle{}
	provider.analyze = func(context.Context, *oracle.Request) (*oracle.Response, error) {
		if provider.calls.Load() < 3 {
			return nil, &oracle.TransientError{Err: errors.New("overloaded")}
		}
		return &oracle.Response{
			Problem: "ok now",
			Recommendations: []types.Recommendation{
				{Kind: types.KindRewrite, Priority: 1, Description: "r", SQL: "SELECT 1"},
			},
			ImprovementLevel: types.ImprovementLow,
		}, nil
	}

	a := New(store, provider, nil, zaptest.NewLogger(t), fastOpts())
	require.NoError(t, a.RunOnce(ctx))
	assert.Equal(t, int64(3), provider.calls.Load())

	analysis, err := store.AnalysisForObservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fake", analysis.Provider)
}

func TestAnalyzer_MalformedVerdictFallsBack(t *testing.T) {
	ctx := context.Background()
	store := setupAnalyzerStore(t)
	id := insertObs(t, store, "SELECT * FROM orders")

	provider := &fakeOracle{analyze: func(context.Context, *oracle.Request) (*oracle.Response, error) {
		return nil, oracle.ErrMalformedResponse
	}}

	a := New(store, provider, nil, zaptest.NewLogger(t), fastOpts())
	require.NoError(t, a.RunOnce(ctx))

	// Malformed replies are permanent: no retry.
	assert.Equal(t, int64(1), provider.calls.Load())

	analysis, err := store.AnalysisForObservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rules", analysis.Provider)
}

func TestAnalyzer_PerObservationIsolation(t *testing.T) {
	ctx := context.Background()
	store := setupAnalyzerStore(t)
	badID := insertObs(t, store, "SELECT * FROM cursed_table")
	goodID := insertObs(t, store, "SELECT * FROM orders")

	provider := &fakeOracle{analyze: func(_ context.Context, req *oracle.Request) (*oracle.Response, error) {
		if req.SQL == "SELECT * FROM cursed_table" {
			return nil, errors.New("provider bug on this statement")
		}
		return &oracle.Response{
			Problem: "fine",
			Recommendations: []types.Recommendation{
				{Kind: types.KindSelectStar, Priority: 1, Description: "d"},
			},
			ImprovementLevel: types.ImprovementLow,
		}, nil
	}}

	a := New(store, provider, nil, zaptest.NewLogger(t), fastOpts())
	require.NoError(t, a.RunOnce(ctx))

	// Both are finalised; the failing one fell back to rules.
	bad, err := store.AnalysisForObservation(ctx, badID)
	require.NoError(t, err)
	assert.Equal(t, "rules", bad.Provider)

	good, err := store.AnalysisForObservation(ctx, goodID)
	require.NoError(t, err)
	assert.Equal(t, "fake", good.Provider)
}

func TestAnalyzer_QuarantinesEmptyFingerprint(t *testing.T) {
	ctx := context.Background()
	store := setupAnalyzerStore(t)

	obs := &types.Observation{
		SourceType: types.SourceMySQL,
		SourceHost: "db-1:3306",
		FullSQL:    "-- comment only",
		DurationMS: 100,
		CapturedAt: time.Now(),
	}
	id, _, err := store.InsertObservation(ctx, obs)
	require.NoError(t, err)

	a := New(store, nil, nil, zaptest.NewLogger(t), fastOpts())
	require.NoError(t, a.RunOnce(ctx))

	got, err := store.GetObservation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, got.Status)
}

func TestAnalyzer_SchemaContextFeedsMissingIndexRule(t *testing.T) {
	ctx := context.Background()
	store := setupAnalyzerStore(t)
	id := insertObs(t, store, "SELECT id FROM orders WHERE customer_id = 7")

	schema := staticSchema{
		"orders": {
			Name: "orders",
			Columns: []ColumnInfo{
				{Name: "id", Type: "bigint"},
				{Name: "customer_id", Type: "bigint"},
			},
			Indexes:     []IndexInfo{{Name: "primary", Columns: []string{"id"}, Unique: true}},
			RowEstimate: 5000000,
		},
	}

	a := New(store, nil, schema, zaptest.NewLogger(t), fastOpts())
	require.NoError(t, a.RunOnce(ctx))

	analysis, err := store.AnalysisForObservation(ctx, id)
	require.NoError(t, err)
	var found bool
	for _, r := range analysis.Recommendations {
		if r.Kind == types.KindMissingIndex {
			found = true
			assert.Contains(t, r.SQL, "customer_id")
		}
	}
	assert.True(t, found)
	assert.Equal(t, types.ImprovementHigh, analysis.ImprovementLevel)
}

type staticSchema map[string]*TableInfo

func (s staticSchema) TableInfo(_ context.Context, _ types.SourceType, _, _, table string) (*TableInfo, error) {
	info, ok := s[table]
	if !ok {
		return nil, ErrTableUnknown
	}
	return info, nil
}

func TestCachedSchemaProvider(t *testing.T) {
	calls := 0
	inner := countingSchema{inner: staticSchema{"orders": {Name: "orders", Columns: []ColumnInfo{{Name: "id"}}}}, calls: &calls}

	cached, err := NewCachedSchemaProvider(inner, 8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		info, err := cached.TableInfo(context.Background(), types.SourceMySQL, "h", "d", "orders")
		require.NoError(t, err)
		assert.Equal(t, "orders", info.Name)
	}
	assert.Equal(t, 1, calls)

	// Misses are not cached.
	_, err = cached.TableInfo(context.Background(), types.SourceMySQL, "h", "d", "nope")
	assert.ErrorIs(t, err, ErrTableUnknown)
	_, err = cached.TableInfo(context.Background(), types.SourceMySQL, "h", "d", "nope")
	assert.ErrorIs(t, err, ErrTableUnknown)
	assert.Equal(t, 3, calls)
}

type countingSchema struct {
	inner SchemaProvider
	calls *int
}

func (c countingSchema) TableInfo(ctx context.Context, source types.SourceType, host, db, table string) (*TableInfo, error) {
	*c.calls++
	return c.inner.TableInfo(ctx, source, host, db, table)
}
