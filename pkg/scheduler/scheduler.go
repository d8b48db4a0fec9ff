// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package scheduler drives the collector, analyzer and learning pipelines at
// fixed cadences. Each job runs under a single-holder lease scoped to its
// name: a tick whose predecessor is still running is skipped and counted,
// never queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/pkg/storage"
)

// DefaultShutdownGrace bounds how long outstanding work may finish during
// Stop before hard cancellation.
const DefaultShutdownGrace = 30 * time.Second

// JobState is the lifecycle state of one scheduled job.
type JobState string

const (
	StateIdle       JobState = "IDLE"
	StateRunning    JobState = "RUNNING"
	StateCancelling JobState = "CANCELLING"
	StateFailed     JobState = "FAILED"
)

// JobFunc is one pipeline tick. It must honour ctx cancellation.
type JobFunc func(ctx context.Context) error

// JobStatus is an introspection snapshot of one job.
type JobStatus struct {
	Name         string    `json:"name"`
	State        JobState  `json:"state"`
	Interval     string    `json:"interval"`
	SkippedTicks int64     `json:"skipped_ticks"`
	LastRunID    string    `json:"last_run_id,omitempty"`
	LastStarted  time.Time `json:"last_started,omitzero"`
	LastError    string    `json:"last_error,omitempty"`
}

type job struct {
	mu sync.Mutex

	name     string
	interval time.Duration
	fn       JobFunc

	running      bool
	state        JobState
	skippedTicks int64
	lastRunID    string
	lastStarted  time.Time
	lastError    string
	backoffUntil time.Time
}

// Scheduler owns the cron engine and the job table.
type Scheduler struct {
	logger        *zap.Logger
	cronEngine    *cron.Cron
	shutdownGrace time.Duration

	mu      sync.Mutex
	jobs    map[string]*job
	started bool

	runCtx    context.Context
	cancelRun context.CancelFunc
	wg        sync.WaitGroup
}

// Options tunes the scheduler.
type Options struct {
	ShutdownGrace time.Duration
}

// New creates an empty scheduler.
func New(logger *zap.Logger, opts Options) *Scheduler {
	grace := opts.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	return &Scheduler{
		logger:        logger,
		cronEngine:    cron.New(),
		shutdownGrace: grace,
		jobs:          make(map[string]*job),
	}
}

// AddJob registers a named job at a fixed interval. Must be called before
// Start.
func (s *Scheduler) AddJob(name string, interval time.Duration, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for job %s", interval, name)
	}
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	j := &job{name: name, interval: interval, fn: fn, state: StateIdle}
	s.jobs[name] = j
	s.cronEngine.Schedule(cron.Every(interval), cron.FuncJob(func() { s.tick(j) }))
	return nil
}

// Start launches the cron engine. Jobs begin firing one interval from now.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.runCtx, s.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
	s.cronEngine.Start()

	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.jobs)))
	return nil
}

// Stop halts scheduling and waits up to the shutdown grace for in-flight
// jobs, then cancels them hard.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	// No new ticks fire after this returns.
	<-s.cronEngine.Stop().Done()

	s.markCancelling()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.shutdownGrace):
		s.logger.Warn("Shutdown grace elapsed, cancelling in-flight jobs")
		s.cancelRun()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		s.cancelRun()
		return ctx.Err()
	}

	s.cancelRun()
	s.logger.Info("Scheduler stopped")
	return nil
}

// tick fires on the cron cadence. The work runs detached from the cron
// engine so Stop can bound it with the shutdown grace instead of waiting
// indefinitely.
func (s *Scheduler) tick(j *job) {
	runID, ok := s.acquire(j)
	if !ok {
		return
	}
	s.wg.Add(1)
	go s.run(j, runID)
}

// acquire takes the job's single-holder lease, or counts a skipped tick.
func (s *Scheduler) acquire(j *job) (string, bool) {
	now := time.Now()

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		j.skippedTicks++
		s.logger.Warn("Skipping tick, previous run still in flight",
			zap.String("job", j.name))
		return "", false
	}
	if now.Before(j.backoffUntil) {
		j.skippedTicks++
		s.logger.Warn("Skipping tick, backing off after store unavailability",
			zap.String("job", j.name))
		return "", false
	}
	runID := uuid.New().String()
	j.running = true
	j.state = StateRunning
	j.lastRunID = runID
	j.lastStarted = now
	return runID, true
}

func (s *Scheduler) run(j *job, runID string) {
	defer s.wg.Done()

	s.logger.Debug("Job tick", zap.String("job", j.name), zap.String("run_id", runID))
	err := j.fn(s.runCtx)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = false
	switch {
	case err == nil:
		j.state = StateIdle
		j.lastError = ""
	case errors.Is(err, context.Canceled):
		j.state = StateIdle
		j.lastError = err.Error()
	default:
		// A failed run never affects sibling jobs or the next tick.
		j.state = StateFailed
		j.lastError = err.Error()
		if errors.Is(err, storage.ErrUnavailable) {
			j.backoffUntil = time.Now().Add(j.interval)
		}
		s.logger.Error("Job failed",
			zap.String("job", j.name),
			zap.String("run_id", runID),
			zap.Error(err))
	}
}

func (s *Scheduler) markCancelling() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		j.mu.Lock()
		if j.running {
			j.state = StateCancelling
		}
		j.mu.Unlock()
	}
}

// Status lists every registered job's snapshot.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		out = append(out, JobStatus{
			Name:         j.name,
			State:        j.state,
			Interval:     j.interval.String(),
			SkippedTicks: j.skippedTicks,
			LastRunID:    j.lastRunID,
			LastStarted:  j.lastStarted,
			LastError:    j.lastError,
		})
		j.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// TriggerNow runs one job immediately, outside its cadence, still under the
// lease. Used by tests and operator tooling.
func (s *Scheduler) TriggerNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	started := s.started
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	if !started {
		return errors.New("scheduler not started")
	}

	runID, ok := s.acquire(j)
	if !ok {
		return fmt.Errorf("job %s already running", name)
	}
	s.wg.Add(1)
	s.run(j, runID)
	return nil
}
