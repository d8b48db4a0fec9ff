// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

const analysisColumns = `id, observation_id, problem, root_cause, recommendations_json,
	improvement_level, effectiveness, gain_ratio, created_at, provider, model_version`

// PendingAnalyses returns analyses still PENDING that were created at least
// minAge ago, oldest first.
func (s *Store) PendingAnalyses(ctx context.Context, minAge time.Duration, limit int) ([]*types.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-minAge).UnixNano()
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses
		WHERE effectiveness = ? AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`,
		types.EffectivenessPending, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending analyses: %w", err)
	}
	return scanAnalyses(rows)
}

// GetAnalysis loads one analysis by id.
func (s *Store) GetAnalysis(ctx context.Context, id string) (*types.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+analysisColumns+` FROM analyses WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis: %w", err)
	}
	out, err := scanAnalyses(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: analysis %s", ErrNotFound, id)
	}
	return out[0], nil
}

// AnalysisForObservation returns the most recent analysis attached to an
// observation, or ErrNotFound.
func (s *Store) AnalysisForObservation(ctx context.Context, observationID string) (*types.Analysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+analysisColumns+`
		FROM analyses
		WHERE observation_id = ?
		ORDER BY created_at DESC
		LIMIT 1`, observationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query analysis: %w", err)
	}
	out, err := scanAnalyses(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: analysis for observation %s", ErrNotFound, observationID)
	}
	return out[0], nil
}

// TerminalizeAnalysis sets a PENDING analysis to its terminal effectiveness
// and, in the same transaction, records the feedback entry. Once terminal the
// row never changes again: re-running on an already-terminal analysis is a
// no-op and records nothing.
func (s *Store) TerminalizeAnalysis(ctx context.Context, analysisID string, effectiveness types.Effectiveness, gainRatio *float64, entry *types.FeedbackEntry, idempotencyWindow time.Duration) error {
	if effectiveness != types.EffectivenessConfirmed && effectiveness != types.EffectivenessFailed {
		return fmt.Errorf("invalid terminal effectiveness %q", effectiveness)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE analyses SET effectiveness = ?, gain_ratio = ?
			WHERE id = ? AND effectiveness = ?`,
			effectiveness, gainRatio, analysisID, types.EffectivenessPending,
		)
		if err != nil {
			return fmt.Errorf("failed to terminalize analysis: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			// Already terminal; effectiveness transitions are one-way.
			s.logger.Debug("Analysis already terminal, skipping",
				zap.String("analysis_id", analysisID))
			return nil
		}

		if entry != nil {
			if _, _, err := recordFeedbackTx(ctx, tx, entry, idempotencyWindow); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExpireStalePending fails analyses that have been PENDING longer than
// maxAge, leaving the gain ratio NULL. Bounds evaluator memory.
func (s *Store) ExpireStalePending(ctx context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge).UnixNano()
	var rows int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE analyses SET effectiveness = ?, gain_ratio = NULL
			WHERE effectiveness = ? AND created_at < ?`,
			types.EffectivenessFailed, types.EffectivenessPending, cutoff,
		)
		if err != nil {
			return fmt.Errorf("failed to expire stale analyses: %w", err)
		}
		rows, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rows, nil
}

func marshalRecommendations(recs []types.Recommendation) (string, error) {
	if recs == nil {
		recs = []types.Recommendation{}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal recommendations: %w", err)
	}
	return string(data), nil
}

func scanAnalyses(rows *sql.Rows) ([]*types.Analysis, error) {
	defer rows.Close()

	var out []*types.Analysis
	for rows.Next() {
		var (
			a         types.Analysis
			recJSON   string
			gainRatio sql.NullFloat64
			createdAt int64
		)
		err := rows.Scan(
			&a.ID, &a.ObservationID, &a.Problem, &a.RootCause, &recJSON,
			&a.ImprovementLevel, &a.Effectiveness, &gainRatio, &createdAt,
			&a.Provider, &a.ModelVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		if gainRatio.Valid {
			a.GainRatio = &gainRatio.Float64
		}
		a.CreatedAt = time.Unix(0, createdAt)
		if err := json.Unmarshal([]byte(recJSON), &a.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recommendations: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyses: %w", err)
	}
	return out, nil
}
