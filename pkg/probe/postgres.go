// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package probe

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

// postgresProbe reads pg_stat_statements. The extension keeps cumulative
// counters per (queryid, dbid), not per-call timestamps, so the probe diffs
// counters against its cursor and attributes the delta to now().
type postgresProbe struct {
	target Target
	db     *sql.DB
	logger *zap.Logger
	opts   Options
	now    func() time.Time
}

// pgStat is the last-seen counter snapshot for one queryid.
type pgStat struct {
	Calls   int64   `json:"calls"`
	TotalMS float64 `json:"total_ms"`
	Rows    int64   `json:"rows"`
}

// pgCursor maps queryid to its last-seen counters.
type pgCursor struct {
	Stats map[string]pgStat `json:"stats"`
}

func openPostgres(target Target, logger *zap.Logger, opts Options) (Probe, error) {
	db, err := sql.Open("postgres", target.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection for target %s: %w", target.ID, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &postgresProbe{target: target, db: db, logger: logger, opts: opts, now: time.Now}, nil
}

func newPostgresProbe(target Target, db *sql.DB, logger *zap.Logger, opts Options) *postgresProbe {
	return &postgresProbe{target: target, db: db, logger: logger, opts: opts.withDefaults(), now: time.Now}
}

func (p *postgresProbe) ID() string     { return p.target.ID }
func (p *postgresProbe) Target() Target { return p.target }
func (p *postgresProbe) Close() error   { return p.db.Close() }

func (p *postgresProbe) FetchSince(ctx context.Context, cursor []byte) ([]*types.Observation, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Deadline)
	defer cancel()

	cur := pgCursor{Stats: map[string]pgStat{}}
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return nil, nil, fmt.Errorf("corrupt cursor for probe %s: %w", p.target.ID, err)
		}
		if cur.Stats == nil {
			cur.Stats = map[string]pgStat{}
		}
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT s.queryid, s.calls, s.total_exec_time, s.rows, s.query, d.datname
		FROM pg_stat_statements s
		JOIN pg_database d ON d.oid = s.dbid
		WHERE s.queryid IS NOT NULL
		  AND s.query NOT LIKE '%pg_stat_statements%'
		LIMIT $1`,
		p.opts.FetchLimit,
	)
	if err != nil {
		return nil, nil, p.wrapErr(err)
	}
	defer rows.Close()

	var (
		out        []*types.Observation
		capturedAt = p.now()
		next       = pgCursor{Stats: map[string]pgStat{}}
	)
	for rows.Next() {
		var (
			queryID  int64
			calls    int64
			totalMS  float64
			rowCount int64
			query    string
			datname  string
		)
		if err := rows.Scan(&queryID, &calls, &totalMS, &rowCount, &query, &datname); err != nil {
			return nil, nil, fmt.Errorf("failed to scan pg_stat_statements row: %w", err)
		}

		key := strconv.FormatInt(queryID, 10)
		next.Stats[key] = pgStat{Calls: calls, TotalMS: totalMS, Rows: rowCount}

		prev, seen := cur.Stats[key]
		if seen && calls <= prev.Calls {
			// No new calls, or the extension's counters were reset.
			continue
		}

		deltaCalls := calls
		deltaMS := totalMS
		deltaRows := rowCount
		if seen {
			deltaCalls = calls - prev.Calls
			deltaMS = totalMS - prev.TotalMS
			deltaRows = rowCount - prev.Rows
		}
		if deltaCalls <= 0 || deltaMS < 0 {
			continue
		}

		meanRows := deltaRows / deltaCalls
		obs := &types.Observation{
			SourceType:     types.SourcePostgres,
			SourceHost:     p.target.Host,
			SourceDatabase: datname,
			FullSQL:        SanitizeSQL(query),
			DurationMS:     deltaMS / float64(deltaCalls),
			RowsReturned:   &meanRows,
			CapturedAt:     capturedAt,
			TenantScope:    p.target.TenantScope,
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, p.wrapErr(err)
	}

	// Statements absent from this fetch (evicted, or beyond the fetch limit)
	// keep their counters, so a later sighting emits a delta rather than the
	// whole cumulative history.
	for key, stat := range cur.Stats {
		if _, ok := next.Stats[key]; !ok {
			next.Stats[key] = stat
		}
	}

	newCursor, err := json.Marshal(next)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return out, newCursor, nil
}

func (p *postgresProbe) wrapErr(err error) error {
	permanent := false
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "28000", "28P01", "42P01", "42501":
			permanent = true
		}
	}
	return &ConnectionError{ProbeID: p.target.ID, Permanent: permanent, Err: err}
}
