// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package oracle abstracts the AI collaborator the analyzer consults. The
// provider is replaceable; the analyzer only depends on this contract and
// always has a rules-only fallback.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

// ErrMalformedResponse signals an unusable provider reply. The analyzer
// treats it as permanent and falls back to rule findings.
var ErrMalformedResponse = errors.New("malformed oracle response")

// Request carries everything the provider needs to judge one query.
type Request struct {
	SQL  string
	Plan string

	// SchemaContext is rendered table/column/index text, may be empty.
	SchemaContext string

	// RuleFindings are the deterministic findings already made.
	RuleFindings []types.Recommendation

	// ConfirmedHints are historically confirmed recommendation kinds,
	// ranked by measured mean gain.
	ConfirmedHints []*types.RankedRecommendation
}

// Response is the provider's structured verdict.
type Response struct {
	Problem          string
	RootCause        string
	Recommendations  []types.Recommendation
	ImprovementLevel types.ImprovementLevel
	ModelVersion     string
}

// Provider is the oracle contract.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, req *Request) (*Response, error)
}

// TransientError marks a failure worth retrying (timeouts, 429, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient oracle error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
