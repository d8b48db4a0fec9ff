// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package probe reads slow-query surfaces of monitored databases and yields
// normalised observation records. One probe instance exists per registered
// target; the collector drives them through the Probe interface.
package probe

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

const (
	// DefaultReplayOverlap is re-read behind the cursor to tolerate clock
	// skew between dbpulse and the monitored host. The store's dedup absorbs
	// the resulting duplicates.
	DefaultReplayOverlap = 30 * time.Second

	// DefaultDeadline bounds a single FetchSince call.
	DefaultDeadline = 30 * time.Second

	// DefaultFetchLimit caps rows returned per FetchSince call.
	DefaultFetchLimit = 500
)

// Probe is a dialect-specific adapter over one monitored database.
//
// FetchSince returns observations newer than the opaque cursor plus the
// advanced cursor. Within one probe, observations come back in non-decreasing
// captured_at order. A probe may re-emit rows inside the replay overlap but
// never beyond it.
type Probe interface {
	// ID is the registry identifier of the monitored target.
	ID() string

	// Target returns the registration record this probe was built from.
	Target() Target

	// FetchSince reads observations past the cursor. A nil cursor means
	// "from the beginning". Connection problems surface as *ConnectionError.
	FetchSince(ctx context.Context, cursor []byte) ([]*types.Observation, []byte, error)

	// Close releases the underlying connection pool.
	Close() error
}

// Options tunes probe behaviour; zero values take the defaults above.
type Options struct {
	ReplayOverlap time.Duration
	Deadline      time.Duration
	FetchLimit    int
}

func (o Options) withDefaults() Options {
	if o.ReplayOverlap <= 0 {
		o.ReplayOverlap = DefaultReplayOverlap
	}
	if o.Deadline <= 0 {
		o.Deadline = DefaultDeadline
	}
	if o.FetchLimit <= 0 {
		o.FetchLimit = DefaultFetchLimit
	}
	return o
}

// ConnectionError is the typed failure a probe surfaces instead of silently
// yielding an empty batch. Permanent errors (bad credentials, missing
// slow-log surface) require operator intervention; everything else is
// retried on the next tick.
type ConnectionError struct {
	ProbeID   string
	Permanent bool
	Err       error
}

func (e *ConnectionError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("probe %s: %s connection error: %v", e.ProbeID, kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Open builds a probe for the target's dialect.
func Open(target Target, logger *zap.Logger, opts Options) (Probe, error) {
	switch target.SourceType {
	case types.SourceMySQL:
		return openMySQL(target, logger, opts.withDefaults())
	case types.SourcePostgres:
		return openPostgres(target, logger, opts.withDefaults())
	default:
		return nil, fmt.Errorf("unsupported source type %q for target %s", target.SourceType, target.ID)
	}
}
