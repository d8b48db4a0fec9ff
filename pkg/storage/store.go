// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package storage owns the durable record of observations, analyses and
// feedback history. All other components reach those entities exclusively
// through this package.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrClaimLost is returned when a worker finalises an observation it no
	// longer holds a claim on.
	ErrClaimLost = errors.New("storage: claim lost")

	// ErrUnavailable wraps connection-level failures so jobs can back off.
	ErrUnavailable = errors.New("storage: unavailable")

	// ErrInvalidObservation marks a row that violates a data invariant.
	// The row itself is at fault and skippable; the surrounding batch is not.
	ErrInvalidObservation = errors.New("storage: invalid observation")
)

const (
	// DefaultClaimTimeout bounds how long an unfinished claim blocks
	// reclaiming by another worker.
	DefaultClaimTimeout = 5 * time.Minute

	// DefaultMaxOpenConns sizes the pool for collector, analyzer and
	// learning traffic combined.
	DefaultMaxOpenConns = 20
)

// Store persists all dbpulse entities to SQLite.
// Uses WAL mode for concurrent read/write access.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	logger       *zap.Logger
	claimTimeout time.Duration
}

// Options tune store behaviour; zero values take defaults.
type Options struct {
	ClaimTimeout time.Duration
	MaxOpenConns int
}

// Open opens (creating if needed) the store at dbPath and applies pending
// migrations.
func Open(ctx context.Context, dbPath string, logger *zap.Logger, opts Options) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ClaimTimeout == 0 {
		opts.ClaimTimeout = DefaultClaimTimeout
	}
	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = DefaultMaxOpenConns
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{
		db:           db,
		logger:       logger,
		claimTimeout: opts.ClaimTimeout,
	}

	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error. Failures to
// begin or commit are connection-level, not caused by the enclosed work, and
// carry ErrUnavailable so jobs back off instead of churning.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %v", ErrUnavailable, err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %v", ErrUnavailable, err)
	}
	return nil
}
