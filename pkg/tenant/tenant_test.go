// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package tenant

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticResolver(t *testing.T) {
	r := NewStaticResolver(map[string]Identity{
		"key-a": {Scope: "tenant-a", Permissions: []string{"read"}},
	})

	id, err := r.Resolve(context.Background(), "key-a")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", id.Scope)

	_, err = r.Resolve(context.Background(), "key-b")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestAllowAll(t *testing.T) {
	r := AllowAll("tenant-x")

	id, err := r.Resolve(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "tenant-x", id.Scope)
}
