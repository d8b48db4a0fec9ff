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

// RecordFeedback appends a feedback entry unless one already exists for the
// same analysis within the idempotency window, in which case the existing
// entry is returned with inserted=false.
func (s *Store) RecordFeedback(ctx context.Context, entry *types.FeedbackEntry, idempotencyWindow time.Duration) (*types.FeedbackEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		out      *types.FeedbackEntry
		inserted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, inserted, err = recordFeedbackTx(ctx, tx, entry, idempotencyWindow)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, inserted, nil
}

// recordFeedbackTx is the transactional body shared with TerminalizeAnalysis.
func recordFeedbackTx(ctx context.Context, tx *sql.Tx, entry *types.FeedbackEntry, idempotencyWindow time.Duration) (*types.FeedbackEntry, bool, error) {
	checkedAt := entry.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}
	windowStart := checkedAt.Add(-idempotencyWindow).UnixNano()

	var (
		existing   types.FeedbackEntry
		existingAt int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT id, fingerprint, analysis_id, old_duration_ms, new_duration_ms, gain_ratio, checked_at
		FROM feedback
		WHERE analysis_id = ? AND checked_at >= ?
		ORDER BY checked_at DESC
		LIMIT 1`,
		entry.AnalysisID, windowStart,
	).Scan(&existing.ID, &existing.Fingerprint, &existing.AnalysisID,
		&existing.OldDurationMS, &existing.NewDurationMS, &existing.GainRatio, &existingAt)
	if err == nil {
		existing.CheckedAt = time.Unix(0, existingAt)
		return &existing, false, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to check feedback idempotency: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO feedback (fingerprint, analysis_id, old_duration_ms, new_duration_ms, gain_ratio, checked_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Fingerprint, entry.AnalysisID, entry.OldDurationMS, entry.NewDurationMS,
		entry.GainRatio, checkedAt.UnixNano(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert feedback: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get feedback id: %w", err)
	}

	stored := *entry
	stored.ID = id
	stored.CheckedAt = checkedAt
	return &stored, true, nil
}

// FeedbackTimeline returns all feedback entries for a fingerprint, oldest
// first. Used by the dashboard detail view.
func (s *Store) FeedbackTimeline(ctx context.Context, fingerprint string) ([]*types.FeedbackEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fingerprint, analysis_id, old_duration_ms, new_duration_ms, gain_ratio, checked_at
		FROM feedback
		WHERE fingerprint = ?
		ORDER BY checked_at ASC`, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback timeline: %w", err)
	}
	defer rows.Close()

	entries := make([]*types.FeedbackEntry, 0)
	for rows.Next() {
		var (
			e         types.FeedbackEntry
			checkedAt int64
		)
		err := rows.Scan(&e.ID, &e.Fingerprint, &e.AnalysisID,
			&e.OldDurationMS, &e.NewDurationMS, &e.GainRatio, &checkedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback entry: %w", err)
		}
		e.CheckedAt = time.Unix(0, checkedAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feedback: %w", err)
	}
	return entries, nil
}

// CountFeedback returns the number of feedback entries for an analysis.
func (s *Store) CountFeedback(ctx context.Context, analysisID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM feedback WHERE analysis_id = ?`, analysisID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count feedback: %w", err)
	}
	return count, nil
}
