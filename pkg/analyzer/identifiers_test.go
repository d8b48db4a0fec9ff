// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTables(t *testing.T) {
	tests := []struct {
		name string
		fp   string
		want []string
	}{
		{
			name: "simple select",
			fp:   "select * from orders where id = ?",
			want: []string{"orders"},
		},
		{
			name: "aliased join",
			fp:   "select o.id from orders o join customers c on o.customer_id = c.id",
			want: []string{"orders", "customers"},
		},
		{
			name: "as alias",
			fp:   "select a.x from orders as a where a.y = ?",
			want: []string{"orders"},
		},
		{
			name: "schema qualified",
			fp:   "select * from shop.orders where id = ?",
			want: []string{"orders"},
		},
		{
			name: "quoted identifier",
			fp:   `select * from "Order Details" where id = ?`,
			want: []string{"Order Details"},
		},
		{
			name: "backtick qualified",
			fp:   "select * from `shop`.`orders` where id = ?",
			want: []string{"orders"},
		},
		{
			name: "comma list with aliases",
			fp:   "select * from orders o, customers c where o.customer_id = c.id",
			want: []string{"orders", "customers"},
		},
		{
			name: "update",
			fp:   "update orders set total = ? where id = ?",
			want: []string{"orders"},
		},
		{
			name: "insert into",
			fp:   "insert into audit_log (a, b) values (?, ?)",
			want: []string{"audit_log"},
		},
		{
			name: "delete",
			fp:   "delete from sessions where expires_at < ?",
			want: []string{"sessions"},
		},
		{
			name: "subquery",
			fp:   "select * from orders where customer_id in ( select id from customers where region = ? )",
			want: []string{"orders", "customers"},
		},
		{
			name: "derived table skipped",
			fp:   "select * from ( select id from orders ) t",
			want: []string{"orders"},
		},
		{
			name: "duplicate mention",
			fp:   "select * from orders union select * from orders",
			want: []string{"orders"},
		},
		{
			name: "no tables",
			fp:   "select ?",
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTables(tt.fp))
		})
	}
}

func TestExtractTableList_CommaJoin(t *testing.T) {
	_, comma := extractTableList("select * from a, b where a.x = b.y")
	assert.True(t, comma)

	_, comma = extractTableList("select * from a join b on a.x = b.y")
	assert.False(t, comma)
}

func TestHasJoinWithoutCondition(t *testing.T) {
	assert.True(t, hasJoinWithoutCondition("select * from a join b"))
	assert.True(t, hasJoinWithoutCondition("select * from a cross join b"))
	assert.True(t, hasJoinWithoutCondition("select * from a join b where a.x = ?"))
	assert.False(t, hasJoinWithoutCondition("select * from a join b on a.x = b.y"))
	assert.False(t, hasJoinWithoutCondition("select * from a join b using ( x )"))
	assert.False(t, hasJoinWithoutCondition("select * from a natural join b"))
	assert.False(t, hasJoinWithoutCondition("select * from a"))
}
