// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package probe

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

var pgColumns = []string{"queryid", "calls", "total_exec_time", "rows", "query", "datname"}

func pgTestTarget() Target {
	return Target{
		ID:          "pg-prod",
		SourceType:  types.SourcePostgres,
		Host:        "pg-1.internal:5432",
		TenantScope: "tenant-b",
	}
}

func TestPostgresProbe_FirstFetchEmitsAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM pg_stat_statements").WillReturnRows(
		sqlmock.NewRows(pgColumns).
			AddRow(int64(101), int64(4), 2000.0, int64(40), "SELECT * FROM orders WHERE id = $1", "shop"),
	)

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	p := newPostgresProbe(pgTestTarget(), db, zaptest.NewLogger(t), Options{})
	p.now = func() time.Time { return now }

	obs, cursor, err := p.FetchSince(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, obs, 1)

	assert.Equal(t, types.SourcePostgres, obs[0].SourceType)
	assert.Equal(t, "shop", obs[0].SourceDatabase)
	// Mean over all 4 recorded calls.
	assert.InDelta(t, 500, obs[0].DurationMS, 1e-6)
	assert.Equal(t, now, obs[0].CapturedAt)
	require.NotNil(t, obs[0].RowsReturned)
	assert.Equal(t, int64(10), *obs[0].RowsReturned)
	assert.NotEmpty(t, cursor)
}

func TestPostgresProbe_DeltaAgainstCursor(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	first := sqlmock.NewRows(pgColumns).
		AddRow(int64(101), int64(4), 2000.0, int64(40), "SELECT * FROM orders WHERE id = $1", "shop")
	unchanged := sqlmock.NewRows(pgColumns).
		AddRow(int64(101), int64(4), 2000.0, int64(40), "SELECT * FROM orders WHERE id = $1", "shop")
	grown := sqlmock.NewRows(pgColumns).
		AddRow(int64(101), int64(6), 5000.0, int64(60), "SELECT * FROM orders WHERE id = $1", "shop")
	mock.ExpectQuery("FROM pg_stat_statements").WillReturnRows(first)
	mock.ExpectQuery("FROM pg_stat_statements").WillReturnRows(unchanged)
	mock.ExpectQuery("FROM pg_stat_statements").WillReturnRows(grown)

	p := newPostgresProbe(pgTestTarget(), db, zaptest.NewLogger(t), Options{})

	_, cursor, err := p.FetchSince(context.Background(), nil)
	require.NoError(t, err)

	// Counters unchanged: nothing to emit, cursor stays equivalent.
	obs, cursor, err := p.FetchSince(context.Background(), cursor)
	require.NoError(t, err)
	assert.Empty(t, obs)

	// Two new calls adding 3000ms: one observation at the delta mean.
	obs, _, err = p.FetchSince(context.Background(), cursor)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.InDelta(t, 1500, obs[0].DurationMS, 1e-6)
}

func TestPostgresProbe_CounterResetSkipped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	first := sqlmock.NewRows(pgColumns).
		AddRow(int64(101), int64(10), 9000.0, int64(100), "SELECT 1", "shop")
	reset := sqlmock.NewRows(pgColumns).
		AddRow(int64(101), int64(2), 300.0, int64(20), "SELECT 1", "shop")
	after := sqlmock.NewRows(pgColumns).
		AddRow(int64(101), int64(3), 500.0, int64(30), "SELECT 1", "shop")
	mock.ExpectQuery("FROM pg_stat_statements").WillReturnRows(first)
	mock.ExpectQuery("FROM pg_stat_statements").WillReturnRows(reset)
	mock.ExpectQuery("FROM pg_stat_statements").WillReturnRows(after)

	p := newPostgresProbe(pgTestTarget(), db, zaptest.NewLogger(t), Options{})

	_, cursor, err := p.FetchSince(context.Background(), nil)
	require.NoError(t, err)

	// pg_stat_statements_reset() dropped the counters below the cursor:
	// emit nothing, but rebase the cursor on the reset values.
	obs, cursor, err := p.FetchSince(context.Background(), cursor)
	require.NoError(t, err)
	assert.Empty(t, obs)

	obs, _, err = p.FetchSince(context.Background(), cursor)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.InDelta(t, 200, obs[0].DurationMS, 1e-6)
}

func TestPostgresProbe_PermanentError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM pg_stat_statements").
		WillReturnError(&pq.Error{Code: "42P01", Message: "relation does not exist"})

	p := newPostgresProbe(pgTestTarget(), db, zaptest.NewLogger(t), Options{})
	_, _, err = p.FetchSince(context.Background(), nil)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.Permanent)
}

func TestSanitizeSQL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "SELECT 1;", want: "SELECT 1"},
		{in: "SELECT 1;;  ", want: "SELECT 1"},
		{in: "\xef\xbb\xbfSELECT 1", want: "SELECT 1"},
		{in: "  SELECT 1  ", want: "SELECT 1"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeSQL(tt.in))
	}
}

func TestPostgresProbe_PartialFetchKeepsCursorEntries(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	first := sqlmock.NewRows(pgColumns).
		AddRow(int64(101), int64(4), 2000.0, int64(40), "SELECT * FROM orders WHERE id = $1", "shop")
	// 101 falls outside this fetch; only 202 comes back.
	second := sqlmock.NewRows(pgColumns).
		AddRow(int64(202), int64(2), 800.0, int64(2), "SELECT name FROM users WHERE id = $1", "shop")
	// 101 reappears with unchanged counters.
	third := sqlmock.NewRows(pgColumns).
		AddRow(int64(101), int64(4), 2000.0, int64(40), "SELECT * FROM orders WHERE id = $1", "shop").
		AddRow(int64(202), int64(2), 800.0, int64(2), "SELECT name FROM users WHERE id = $1", "shop")
	mock.ExpectQuery("FROM pg_stat_statements").WillReturnRows(first)
	mock.ExpectQuery("FROM pg_stat_statements").WillReturnRows(second)
	mock.ExpectQuery("FROM pg_stat_statements").WillReturnRows(third)

	p := newPostgresProbe(pgTestTarget(), db, zaptest.NewLogger(t), Options{})

	_, cursor, err := p.FetchSince(context.Background(), nil)
	require.NoError(t, err)

	_, cursor, err = p.FetchSince(context.Background(), cursor)
	require.NoError(t, err)

	// The statement missing from the second fetch kept its counters.
	var cur pgCursor
	require.NoError(t, json.Unmarshal(cursor, &cur))
	assert.Contains(t, cur.Stats, "101")
	assert.Contains(t, cur.Stats, "202")
	assert.Equal(t, int64(4), cur.Stats["101"].Calls)

	// So its reappearance with unchanged counters emits nothing instead of
	// replaying the whole cumulative history as a delta.
	obs, _, err := p.FetchSince(context.Background(), cursor)
	require.NoError(t, err)
	assert.Empty(t, obs)
}
