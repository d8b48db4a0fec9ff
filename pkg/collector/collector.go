// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package collector pulls observations from registered probes, fingerprints
// them and writes them through the store. Cursors advance only after a batch
// has been committed.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teradata-labs/dbpulse/pkg/fingerprint"
	"github.com/teradata-labs/dbpulse/pkg/probe"
	"github.com/teradata-labs/dbpulse/pkg/storage"
	"github.com/teradata-labs/dbpulse/pkg/types"
)

// DefaultConcurrency bounds how many probes are polled at once.
const DefaultConcurrency = 16

// Store is the slice of the storage contract the collector needs.
type Store interface {
	LoadCursor(ctx context.Context, probeID string) ([]byte, bool, error)
	SaveCursor(ctx context.Context, probeID string, cursor []byte) error
	InsertObservation(ctx context.Context, obs *types.Observation) (string, bool, error)
}

// Options tunes the collector; zero values take defaults.
type Options struct {
	Concurrency  int64
	ProbeOptions probe.Options

	// OpenProbe builds a probe for a target. Defaults to probe.Open.
	OpenProbe func(probe.Target, *zap.Logger, probe.Options) (probe.Probe, error)
}

// Collector owns the probe instances and their health state.
type Collector struct {
	store     Store
	registry  *probe.Registry
	logger    *zap.Logger
	sem       *semaphore.Weighted
	opts      Options
	openProbe func(probe.Target, *zap.Logger, probe.Options) (probe.Probe, error)

	mu     sync.Mutex
	probes map[string]probe.Probe
	leases map[string]bool
	health map[string]*ProbeHealth
}

// New builds a collector over the registry and store.
func New(store Store, registry *probe.Registry, logger *zap.Logger, opts Options) *Collector {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	open := opts.OpenProbe
	if open == nil {
		open = probe.Open
	}
	return &Collector{
		store:     store,
		registry:  registry,
		logger:    logger,
		sem:       semaphore.NewWeighted(opts.Concurrency),
		opts:      opts,
		openProbe: open,
		probes:    make(map[string]probe.Probe),
		leases:    make(map[string]bool),
		health:    make(map[string]*ProbeHealth),
	}
}

// RunOnce executes one collection tick: sync probes to the registry, then
// poll every pollable probe concurrently under the semaphore bound.
// Per-probe failures, including open failures, never fail the tick.
func (c *Collector) RunOnce(ctx context.Context) error {
	c.syncProbes()

	c.mu.Lock()
	ids := make([]string, 0, len(c.probes))
	for id := range c.probes {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		if !c.acquireLease(id) {
			// A previous tick is still polling this probe; overlapping
			// triggers are dropped, not queued.
			c.markSkipped(id)
			continue
		}
		if err := c.sem.Acquire(ctx, 1); err != nil {
			c.releaseLease(id)
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer c.sem.Release(1)
			defer c.releaseLease(id)
			c.collectProbe(ctx, id)
		}(id)
	}
	wg.Wait()
	return ctx.Err()
}

// syncProbes reconciles open probe instances with the registry's enabled
// targets: opens new ones, closes removed or disabled ones. An open failure
// counts against that probe's health; the remaining probes still poll.
func (c *Collector) syncProbes() {
	targets := c.registry.EnabledTargets()

	c.mu.Lock()

	want := make(map[string]probe.Target, len(targets))
	for _, t := range targets {
		want[t.ID] = t
	}

	for id, p := range c.probes {
		if _, ok := want[id]; !ok {
			if err := p.Close(); err != nil {
				c.logger.Warn("Failed to close probe", zap.String("probe_id", id), zap.Error(err))
			}
			delete(c.probes, id)
		}
	}

	openFailures := make(map[string]error)
	for id, target := range want {
		if _, ok := c.probes[id]; ok {
			continue
		}
		p, err := c.openProbe(target, c.logger, c.opts.ProbeOptions)
		if err != nil {
			openFailures[id] = err
			continue
		}
		c.probes[id] = p
		if _, ok := c.health[id]; !ok {
			c.health[id] = &ProbeHealth{ProbeID: id, State: HealthUnknown}
		}
	}
	c.mu.Unlock()

	for id, err := range openFailures {
		c.recordFailure(id, fmt.Errorf("failed to open probe: %w", err))
	}
}

// collectProbe runs one fetch-and-commit cycle for a single probe.
func (c *Collector) collectProbe(ctx context.Context, id string) {
	c.mu.Lock()
	p, ok := c.probes[id]
	h := c.health[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	if h != nil && h.snapshotState() == HealthDisabled {
		c.markSkipped(id)
		return
	}

	cursor, _, err := c.store.LoadCursor(ctx, id)
	if err != nil {
		c.logger.Error("Failed to load probe cursor", zap.String("probe_id", id), zap.Error(err))
		return
	}

	batch, newCursor, err := p.FetchSince(ctx, cursor)
	if err != nil {
		c.recordFailure(id, err)
		return
	}

	inserted, duplicates := 0, 0
	for _, obs := range batch {
		if obs.FullSQL == "" {
			continue
		}
		obs.Fingerprint = fingerprint.Fingerprint(obs.FullSQL)

		_, fresh, err := c.store.InsertObservation(ctx, obs)
		if errors.Is(err, storage.ErrInvalidObservation) {
			// One bad row never poisons the batch.
			c.logger.Warn("Skipping invalid observation",
				zap.String("probe_id", id),
				zap.String("fingerprint", obs.Fingerprint),
				zap.Error(err))
			continue
		}
		if err != nil {
			// A store-level failure abandons the batch without advancing
			// the cursor, so these rows are re-fetched next tick.
			c.logger.Error("Failed to insert observation, keeping cursor",
				zap.String("probe_id", id),
				zap.String("fingerprint", obs.Fingerprint),
				zap.Error(err))
			c.recordFailure(id, err)
			return
		}
		if fresh {
			inserted++
		} else {
			duplicates++
		}
	}

	// The cursor advances even when every row was a duplicate; replay
	// overlap makes duplicates routine.
	if err := c.store.SaveCursor(ctx, id, newCursor); err != nil {
		c.logger.Error("Failed to persist probe cursor", zap.String("probe_id", id), zap.Error(err))
		c.recordFailure(id, err)
		return
	}

	c.recordSuccess(id)
	if inserted > 0 || duplicates > 0 {
		c.logger.Info("Collected observations",
			zap.String("probe_id", id),
			zap.Int("inserted", inserted),
			zap.Int("duplicates", duplicates))
	}
}

func (c *Collector) acquireLease(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leases[id] {
		return false
	}
	c.leases[id] = true
	return true
}

func (c *Collector) releaseLease(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.leases, id)
}

// Close shuts every open probe down.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for id, p := range c.probes {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("probe %s: %w", id, err))
		}
		delete(c.probes, id)
	}
	return errors.Join(errs...)
}
