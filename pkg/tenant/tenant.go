// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package tenant resolves opaque credentials to a tenant scope. The real
// identity service lives outside this process; the core only consumes this
// narrow contract and the static implementation covers single-operator and
// test deployments.
package tenant

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownToken is returned when no tenant matches the presented token.
var ErrUnknownToken = errors.New("tenant: unknown token")

// Identity is the resolved caller context. Scope matches the tenant_scope
// stamped onto observations; Permissions stays opaque to the core.
type Identity struct {
	Scope       string   `json:"scope"`
	Permissions []string `json:"permissions,omitempty"`
}

// Resolver maps an API key or session token to an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// StaticResolver resolves from a fixed token→identity table.
type StaticResolver struct {
	mu       sync.RWMutex
	tokens   map[string]Identity
	fallback *Identity
}

// NewStaticResolver builds a resolver over a fixed table. The map is copied.
func NewStaticResolver(tokens map[string]Identity) *StaticResolver {
	copied := make(map[string]Identity, len(tokens))
	for k, v := range tokens {
		copied[k] = v
	}
	return &StaticResolver{tokens: copied}
}

// AllowAll returns a resolver mapping every token to the given scope.
// Suited to single-tenant deployments where identity is enforced upstream.
func AllowAll(scope string) *StaticResolver {
	return &StaticResolver{
		tokens:   map[string]Identity{},
		fallback: &Identity{Scope: scope},
	}
}

// Resolve implements Resolver.
func (r *StaticResolver) Resolve(_ context.Context, token string) (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.tokens[token]; ok {
		return &id, nil
	}
	if r.fallback != nil {
		id := *r.fallback
		return &id, nil
	}
	return nil, ErrUnknownToken
}
