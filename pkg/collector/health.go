// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package collector

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/pkg/probe"
)

// HealthState is the collector's view of one probe.
type HealthState string

const (
	HealthUnknown  HealthState = "UNKNOWN"
	HealthHealthy  HealthState = "HEALTHY"
	HealthDegraded HealthState = "DEGRADED"
	// HealthDisabled means a permanent error was seen; the probe is skipped
	// until an operator fixes the target and restarts or re-registers it.
	HealthDisabled HealthState = "DISABLED"
)

// ProbeHealth tracks failures and skips for one probe.
type ProbeHealth struct {
	mu sync.Mutex

	ProbeID             string
	State               HealthState
	ConsecutiveFailures int
	SkippedTicks        int64
	LastError           string
	LastSuccess         time.Time
}

func (h *ProbeHealth) snapshotState() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.State
}

// HealthSnapshot is the immutable view served over the read API.
type HealthSnapshot struct {
	ProbeID             string      `json:"probe_id"`
	State               HealthState `json:"state"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	SkippedTicks        int64       `json:"skipped_ticks"`
	LastError           string      `json:"last_error,omitempty"`
	LastSuccess         time.Time   `json:"last_success,omitzero"`
}

func (c *Collector) recordFailure(id string, err error) {
	h := c.healthFor(id)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ConsecutiveFailures++
	h.LastError = err.Error()
	h.State = HealthDegraded

	var connErr *probe.ConnectionError
	if errors.As(err, &connErr) && connErr.Permanent {
		h.State = HealthDisabled
	}

	c.logger.Warn("Probe collection failed",
		zap.String("probe_id", id),
		zap.String("state", string(h.State)),
		zap.Error(err))
}

func (c *Collector) recordSuccess(id string) {
	h := c.healthFor(id)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ConsecutiveFailures = 0
	h.LastError = ""
	h.State = HealthHealthy
	h.LastSuccess = time.Now()
}

func (c *Collector) markSkipped(id string) {
	h := c.healthFor(id)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.SkippedTicks++
}

func (c *Collector) healthFor(id string) *ProbeHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.health[id]
	if !ok {
		h = &ProbeHealth{ProbeID: id, State: HealthUnknown}
		c.health[id] = h
	}
	return h
}

// Health returns a sorted snapshot of every known probe's health.
func (c *Collector) Health() []HealthSnapshot {
	c.mu.Lock()
	all := make([]*ProbeHealth, 0, len(c.health))
	for _, h := range c.health {
		all = append(all, h)
	}
	c.mu.Unlock()

	out := make([]HealthSnapshot, 0, len(all))
	for _, h := range all {
		h.mu.Lock()
		out = append(out, HealthSnapshot{
			ProbeID:             h.ProbeID,
			State:               h.State,
			ConsecutiveFailures: h.ConsecutiveFailures,
			SkippedTicks:        h.SkippedTicks,
			LastError:           h.LastError,
			LastSuccess:         h.LastSuccess,
		})
		h.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProbeID < out[j].ProbeID })
	return out
}
