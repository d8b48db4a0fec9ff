// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

const observationColumns = `id, source_type, source_host, source_database, fingerprint, full_sql,
	duration_ms, rows_examined, rows_returned, captured_at, plan, status, tenant_scope`

// InsertObservation writes one observation, deduplicating on the
// (fingerprint, captured_at, source_host) key. When a matching row already
// exists its id is returned with inserted=false.
func (s *Store) InsertObservation(ctx context.Context, obs *types.Observation) (string, bool, error) {
	if obs.DurationMS < 0 {
		return "", false, fmt.Errorf("%w: negative duration %f", ErrInvalidObservation, obs.DurationMS)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		id       string
		inserted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM observations WHERE fingerprint = ? AND captured_at = ? AND source_host = ?`,
			obs.Fingerprint, obs.CapturedAt.UnixNano(), obs.SourceHost,
		).Scan(&id)
		if err == nil {
			inserted = false
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to check for duplicate: %w", err)
		}

		id = obs.ID
		if id == "" {
			id = uuid.New().String()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO observations (
				id, source_type, source_host, source_database, fingerprint, full_sql,
				duration_ms, rows_examined, rows_returned, captured_at, plan, status, tenant_scope
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, obs.SourceType, obs.SourceHost, obs.SourceDatabase, obs.Fingerprint, obs.FullSQL,
			obs.DurationMS, obs.RowsExamined, obs.RowsReturned, obs.CapturedAt.UnixNano(),
			obs.Plan, types.StatusNew, obs.TenantScope,
		)
		if err != nil {
			return fmt.Errorf("failed to insert observation: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return "", false, err
	}

	return id, inserted, nil
}

// ClaimNewObservations returns a batch of NEW observations and leases them to
// workerID. Claims older than the claim timeout are treated as abandoned and
// may be re-issued.
func (s *Store) ClaimNewObservations(ctx context.Context, workerID string, limit int) ([]*types.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-s.claimTimeout).UnixNano()

	var batch []*types.Observation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+observationColumns+`
			FROM observations
			WHERE status = ? AND (claimed_at IS NULL OR claimed_at < ?)
			ORDER BY captured_at ASC
			LIMIT ?`,
			types.StatusNew, cutoff, limit,
		)
		if err != nil {
			return fmt.Errorf("failed to query claimable observations: %w", err)
		}
		batch, err = scanObservations(rows)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		ids := make([]interface{}, 0, len(batch)+2)
		ids = append(ids, workerID, now.UnixNano())
		placeholders := make([]string, len(batch))
		for i, obs := range batch {
			placeholders[i] = "?"
			ids = append(ids, obs.ID)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE observations SET claimed_by = ?, claimed_at = ? WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
			ids...,
		)
		if err != nil {
			return fmt.Errorf("failed to claim observations: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return batch, nil
}

// ReleaseClaims clears every claim held by workerID, reverting observations
// to plain NEW. Called on shutdown so no row stays in flight.
func (s *Store) ReleaseClaims(ctx context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE observations SET claimed_by = NULL, claimed_at = NULL WHERE claimed_by = ? AND status = ?`,
		workerID, types.StatusNew,
	)
	if err != nil {
		return fmt.Errorf("failed to release claims: %w", err)
	}
	return nil
}

// FinalizeAnalysis atomically marks the observation ANALYZED and inserts the
// analysis. The caller must still hold the claim; otherwise ErrClaimLost.
// Every analysis is born PENDING with a NULL gain ratio regardless of input.
func (s *Store) FinalizeAnalysis(ctx context.Context, workerID string, analysis *types.Analysis) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	analysisID := analysis.ID
	if analysisID == "" {
		analysisID = uuid.New().String()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			status    string
			claimedBy sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT status, claimed_by FROM observations WHERE id = ?`, analysis.ObservationID,
		).Scan(&status, &claimedBy)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: observation %s", ErrNotFound, analysis.ObservationID)
		}
		if err != nil {
			return fmt.Errorf("failed to load observation: %w", err)
		}
		if status != string(types.StatusNew) || !claimedBy.Valid || claimedBy.String != workerID {
			return fmt.Errorf("%w: observation %s held by %q", ErrClaimLost, analysis.ObservationID, claimedBy.String)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE observations SET status = ?, claimed_by = NULL, claimed_at = NULL WHERE id = ?`,
			types.StatusAnalyzed, analysis.ObservationID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark observation analyzed: %w", err)
		}

		recJSON, err := marshalRecommendations(analysis.Recommendations)
		if err != nil {
			return err
		}

		createdAt := analysis.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO analyses (
				id, observation_id, problem, root_cause, recommendations_json,
				improvement_level, effectiveness, gain_ratio, created_at, provider, model_version
			) VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
			analysisID, analysis.ObservationID, analysis.Problem, analysis.RootCause, recJSON,
			analysis.ImprovementLevel, types.EffectivenessPending, createdAt.UnixNano(),
			analysis.Provider, analysis.ModelVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to insert analysis: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	return analysisID, nil
}

// QuarantineObservation moves an integrity-violating row to the terminal
// ERROR state, distinct from NEW and ANALYZED.
func (s *Store) QuarantineObservation(ctx context.Context, id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE observations SET status = ?, claimed_by = NULL, claimed_at = NULL WHERE id = ?`,
		types.StatusError, id,
	)
	if err != nil {
		return fmt.Errorf("failed to quarantine observation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: observation %s", ErrNotFound, id)
	}

	s.logger.Warn("Quarantined observation",
		zap.String("observation_id", id),
		zap.String("reason", reason))
	return nil
}

// GetObservation loads one observation by id.
func (s *Store) GetObservation(ctx context.Context, id string) (*types.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query observation: %w", err)
	}
	batch, err := scanObservations(rows)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: observation %s", ErrNotFound, id)
	}
	return batch[0], nil
}

// PostObservations returns up to limit observations for a fingerprint with
// captured_at strictly after the given instant, most recent first.
// Quarantined rows never enter the sample window.
func (s *Store) PostObservations(ctx context.Context, fingerprint string, after time.Time, limit int) ([]*types.Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+observationColumns+`
		FROM observations
		WHERE fingerprint = ? AND captured_at > ? AND status <> ?
		ORDER BY captured_at DESC
		LIMIT ?`,
		fingerprint, after.UnixNano(), types.StatusError, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query post observations: %w", err)
	}
	return scanObservations(rows)
}

// CountObservations returns the total number of observations.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM observations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count observations: %w", err)
	}
	return count, nil
}

// scanObservations drains rows into observation records.
func scanObservations(rows *sql.Rows) ([]*types.Observation, error) {
	defer rows.Close()

	var out []*types.Observation
	for rows.Next() {
		var (
			obs          types.Observation
			rowsExamined sql.NullInt64
			rowsReturned sql.NullInt64
			capturedAt   int64
			plan         sql.NullString
		)
		err := rows.Scan(
			&obs.ID, &obs.SourceType, &obs.SourceHost, &obs.SourceDatabase,
			&obs.Fingerprint, &obs.FullSQL, &obs.DurationMS,
			&rowsExamined, &rowsReturned, &capturedAt, &plan, &obs.Status, &obs.TenantScope,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		if rowsExamined.Valid {
			obs.RowsExamined = &rowsExamined.Int64
		}
		if rowsReturned.Valid {
			obs.RowsReturned = &rowsReturned.Int64
		}
		if plan.Valid {
			obs.Plan = plan.String
		}
		obs.CapturedAt = time.Unix(0, capturedAt)
		out = append(out, &obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating observations: %w", err)
	}
	return out, nil
}
