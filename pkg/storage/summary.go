// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

// SummaryFilter narrows the fingerprint summary view.
type SummaryFilter struct {
	SourceType    types.SourceType
	TenantScope   string
	MinDurationMS float64
	Limit         int
	Offset        int
}

// SummarizeByFingerprint returns one row per fingerprint with its best
// observed effectiveness, maximum confirmed gain and current average
// duration. Backs the dashboard list view.
func (s *Store) SummarizeByFingerprint(ctx context.Context, filter SummaryFilter) ([]*types.FingerprintSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	where := `WHERE o.status != 'ERROR'`
	args := []interface{}{}
	if filter.SourceType != "" {
		where += ` AND o.source_type = ?`
		args = append(args, filter.SourceType)
	}
	if filter.TenantScope != "" {
		where += ` AND o.tenant_scope = ?`
		args = append(args, filter.TenantScope)
	}

	query := `
		SELECT o.fingerprint,
		       (SELECT full_sql FROM observations s
		          WHERE s.fingerprint = o.fingerprint
		          ORDER BY s.captured_at DESC LIMIT 1) AS sample_sql,
		       AVG(o.duration_ms) AS avg_duration_ms,
		       COUNT(*) AS observation_count,
		       MAX(CASE a.effectiveness
		             WHEN 'CONFIRMED' THEN 3
		             WHEN 'PENDING' THEN 2
		             WHEN 'FAILED' THEN 1
		             ELSE 0 END) AS best_rank,
		       MAX(CASE WHEN a.effectiveness = 'CONFIRMED' THEN a.gain_ratio END) AS max_confirmed_gain,
		       MAX(o.captured_at) AS last_seen
		FROM observations o
		LEFT JOIN analyses a ON a.observation_id = o.id
		` + where + `
		GROUP BY o.fingerprint
		HAVING AVG(o.duration_ms) >= ?
		ORDER BY avg_duration_ms DESC
		LIMIT ? OFFSET ?`
	args = append(args, filter.MinDurationMS, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fingerprint summary: %w", err)
	}
	defer rows.Close()

	summaries := make([]*types.FingerprintSummary, 0)
	for rows.Next() {
		var (
			sum      types.FingerprintSummary
			bestRank int
			maxGain  sql.NullFloat64
			lastSeen int64
		)
		err := rows.Scan(&sum.Fingerprint, &sum.SampleSQL, &sum.AvgDurationMS,
			&sum.ObservationCount, &bestRank, &maxGain, &lastSeen)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		switch bestRank {
		case 3:
			sum.BestEffectiveness = types.EffectivenessConfirmed
		case 2:
			sum.BestEffectiveness = types.EffectivenessPending
		case 1:
			sum.BestEffectiveness = types.EffectivenessFailed
		}
		if maxGain.Valid {
			sum.MaxConfirmedGain = &maxGain.Float64
		}
		sum.LastSeen = time.Unix(0, lastSeen)
		summaries = append(summaries, &sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summaries: %w", err)
	}
	return summaries, nil
}

// TopRecommendations returns CONFIRMED recommendations grouped by kind and
// ordered by mean realised gain. The analyzer feeds these into its oracle
// prompt; this is the loop that makes recommendations improve over time.
// verbClass optionally restricts to fingerprints starting with the given
// statement verb ("select", "update", ...).
func (s *Store) TopRecommendations(ctx context.Context, verbClass string, limit int) ([]*types.RankedRecommendation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT json_extract(r.value, '$.kind') AS kind,
		       MIN(json_extract(r.value, '$.description')) AS description,
		       AVG(a.gain_ratio) AS mean_gain,
		       COUNT(*) AS sample_count
		FROM analyses a
		JOIN observations o ON o.id = a.observation_id,
		     json_each(a.recommendations_json) r
		WHERE a.effectiveness = 'CONFIRMED' AND a.gain_ratio IS NOT NULL`
	args := []interface{}{}
	if verbClass != "" {
		query += ` AND o.fingerprint LIKE ?`
		args = append(args, verbClass+"%")
	}
	query += `
		GROUP BY kind
		ORDER BY mean_gain DESC
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top recommendations: %w", err)
	}
	defer rows.Close()

	ranked := make([]*types.RankedRecommendation, 0)
	for rows.Next() {
		var r types.RankedRecommendation
		if err := rows.Scan(&r.Kind, &r.Description, &r.MeanGain, &r.SampleCount); err != nil {
			return nil, fmt.Errorf("failed to scan ranked recommendation: %w", err)
		}
		ranked = append(ranked, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recommendations: %w", err)
	}
	return ranked, nil
}

// DashboardStats aggregates the counters shown on the stats endpoint,
// including a rolling 7-day confirmed-gain histogram.
func (s *Store) DashboardStats(ctx context.Context) (*types.DashboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &types.DashboardStats{GainHistogram: make([]types.HistogramEntry, 0)}

	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM observations),
		       (SELECT COUNT(*) FROM analyses),
		       (SELECT COUNT(*) FROM analyses WHERE effectiveness = 'PENDING'),
		       (SELECT COUNT(*) FROM analyses WHERE effectiveness = 'CONFIRMED'),
		       (SELECT COUNT(*) FROM analyses WHERE effectiveness = 'FAILED')`,
	).Scan(&stats.TotalObservations, &stats.TotalAnalyses,
		&stats.PendingCount, &stats.ConfirmedCount, &stats.FailedCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query dashboard counters: %w", err)
	}

	weekAgo := time.Now().AddDate(0, 0, -7).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT date(f.checked_at / 1000000000, 'unixepoch') AS day,
		       COUNT(*) AS confirmed_count,
		       AVG(f.gain_ratio) AS mean_gain
		FROM feedback f
		JOIN analyses a ON a.id = f.analysis_id
		WHERE a.effectiveness = 'CONFIRMED' AND f.checked_at >= ?
		GROUP BY day
		ORDER BY day ASC`, weekAgo)
	if err != nil {
		return nil, fmt.Errorf("failed to query gain histogram: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e types.HistogramEntry
		if err := rows.Scan(&e.Day, &e.ConfirmedCount, &e.MeanGain); err != nil {
			return nil, fmt.Errorf("failed to scan histogram entry: %w", err)
		}
		stats.GainHistogram = append(stats.GainHistogram, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating histogram: %w", err)
	}
	return stats, nil
}
