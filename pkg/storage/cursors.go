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
)

// LoadCursor returns the persisted cursor blob for a probe, with found=false
// when the probe has never committed a batch.
func (s *Store) LoadCursor(ctx context.Context, probeID string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor_json FROM probe_cursors WHERE probe_id = ?`, probeID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load cursor: %w", err)
	}
	return []byte(blob), true, nil
}

// SaveCursor persists a probe's cursor. Called only after the batch it
// covers has committed.
func (s *Store) SaveCursor(ctx context.Context, probeID string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO probe_cursors (probe_id, cursor_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(probe_id) DO UPDATE SET cursor_json = excluded.cursor_json, updated_at = excluded.updated_at`,
		probeID, string(blob), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}
