// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package storage

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// Migration is a single ordered schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order at process start. The current version
// lives in the single-row schema_version table.
var migrations = []Migration{
	{
		Version:     1,
		Description: "observations, analyses, feedback, probe cursors",
		SQL: `
		CREATE TABLE IF NOT EXISTS observations (
			id TEXT PRIMARY KEY,
			source_type TEXT NOT NULL,
			source_host TEXT NOT NULL,
			source_database TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			full_sql TEXT NOT NULL,
			duration_ms REAL NOT NULL CHECK (duration_ms >= 0),
			rows_examined INTEGER,
			rows_returned INTEGER,
			captured_at INTEGER NOT NULL,
			plan TEXT,
			status TEXT NOT NULL DEFAULT 'NEW',
			tenant_scope TEXT NOT NULL DEFAULT '',
			claimed_by TEXT,
			claimed_at INTEGER
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_obs_dedup
			ON observations(fingerprint, captured_at, source_host);
		CREATE INDEX IF NOT EXISTS idx_obs_drain
			ON observations(status, captured_at);
		CREATE INDEX IF NOT EXISTS idx_obs_post
			ON observations(fingerprint, captured_at);

		CREATE TABLE IF NOT EXISTS analyses (
			id TEXT PRIMARY KEY,
			observation_id TEXT NOT NULL REFERENCES observations(id),
			problem TEXT NOT NULL DEFAULT '',
			root_cause TEXT NOT NULL DEFAULT '',
			recommendations_json TEXT NOT NULL DEFAULT '[]',
			improvement_level TEXT NOT NULL DEFAULT 'LOW',
			effectiveness TEXT NOT NULL DEFAULT 'PENDING',
			gain_ratio REAL,
			created_at INTEGER NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model_version TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_analyses_drain
			ON analyses(effectiveness, created_at);
		CREATE INDEX IF NOT EXISTS idx_analyses_observation
			ON analyses(observation_id);

		CREATE TABLE IF NOT EXISTS feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fingerprint TEXT NOT NULL,
			analysis_id TEXT NOT NULL,
			old_duration_ms REAL NOT NULL,
			new_duration_ms REAL NOT NULL,
			gain_ratio REAL NOT NULL,
			checked_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_feedback_idem
			ON feedback(analysis_id, checked_at);
		CREATE INDEX IF NOT EXISTS idx_feedback_fingerprint
			ON feedback(fingerprint, checked_at);

		CREATE TABLE IF NOT EXISTS probe_cursors (
			probe_id TEXT PRIMARY KEY,
			cursor_json TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		`,
	},
}

// Migrate applies all pending migrations in order.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		err := s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
				return fmt.Errorf("failed to clear schema version: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.Version); err != nil {
				return fmt.Errorf("failed to record schema version: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.logger.Info("Applied migration",
			zap.Int("version", m.Version),
			zap.String("description", m.Description))
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemaVersion(ctx)
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
