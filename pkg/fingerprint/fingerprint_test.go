// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_Literals(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "numeric literals",
			sql:  "SELECT * FROM orders WHERE id = 42 AND total > 19.99",
			want: "select * from orders where id = ? and total > ?",
		},
		{
			name: "scientific notation",
			sql:  "SELECT 1e5, 2.5E-3",
			want: "select ?, ?",
		},
		{
			name: "string literals single quoted",
			sql:  "SELECT * FROM users WHERE name = 'alice' AND city = 'New York'",
			want: "select * from users where name = ? and city = ?",
		},
		{
			name: "escaped quote inside string",
			sql:  `SELECT * FROM users WHERE name = 'O\'Brien'`,
			want: "select * from users where name = ?",
		},
		{
			name: "doubled quote inside string",
			sql:  "SELECT * FROM users WHERE name = 'O''Brien'",
			want: "select * from users where name = ?",
		},
		{
			name: "hex literal",
			sql:  "SELECT * FROM t WHERE flags = 0x1F",
			want: "select * from t where flags = ?",
		},
		{
			name: "hex string literal",
			sql:  "SELECT * FROM t WHERE token = x'deadbeef'",
			want: "select * from t where token = ?",
		},
		{
			name: "binary string literal",
			sql:  "SELECT * FROM t WHERE mask = b'0101'",
			want: "select * from t where mask = ?",
		},
		{
			name: "identifiers with digits untouched",
			sql:  "SELECT c1, c2 FROM t1 JOIN t2 ON t1.id = t2.id",
			want: "select c1, c2 from t1 join t2 on t1.id = t2.id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fingerprint(tt.sql))
		})
	}
}

func TestFingerprint_Comments(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want string
	}{
		{
			name: "line comment",
			sql:  "SELECT id -- grab the id\nFROM users",
			want: "select id from users",
		},
		{
			name: "hash comment",
			sql:  "SELECT id # mysql style\nFROM users",
			want: "select id from users",
		},
		{
			name: "block comment",
			sql:  "SELECT /* hint */ id FROM users",
			want: "select id from users",
		},
		{
			name: "unterminated block comment",
			sql:  "SELECT id FROM users /* dangling",
			want: "select id from users",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fingerprint(tt.sql))
		})
	}
}

func TestFingerprint_Whitespace(t *testing.T) {
	got := Fingerprint("  SELECT   id\n\tFROM\n\n  users  ")
	assert.Equal(t, "select id from users", got)
}

func TestFingerprint_InListCollapse(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT * FROM t WHERE id IN (1, 2, 3)", "select * from t where id in (?)"},
		{"SELECT * FROM t WHERE id IN (1)", "select * from t where id in (?)"},
		{"SELECT * FROM t WHERE id IN ('a','b','c','d','e')", "select * from t where id in (?)"},
		{"SELECT * FROM t WHERE id NOT IN (1, 2)", "select * from t where id not in (?)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Fingerprint(tt.sql))
	}
}

func TestFingerprint_QuotedIdentifiersPreserved(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT `Order Total` FROM `My Table` WHERE id = 1", "select `Order Total` from `My Table` where id = ?"},
		{`SELECT "UserName" FROM "Accounts" WHERE id = 5`, `select "UserName" from "Accounts" where id = ?`},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Fingerprint(tt.sql))
	}
}

func TestFingerprint_KeywordsPreserved(t *testing.T) {
	got := Fingerprint("SELECT * FROM t WHERE a IS NULL AND b = TRUE AND c = FALSE")
	assert.Equal(t, "select * from t where a is null and b = true and c = false", got)
}

func TestFingerprint_PlaceholdersNormalised(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT * FROM t WHERE id = ?", "select * from t where id = ?"},
		{"SELECT * FROM t WHERE id = $1 AND name = $2", "select * from t where id = ? and name = ?"},
		{"SELECT * FROM t WHERE id IN ($1, $2, $3)", "select * from t where id in (?)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Fingerprint(tt.sql))
	}
}

// Repeated application must be a fixed point.
func TestFingerprint_Idempotent(t *testing.T) {
	statements := []string{
		"SELECT * FROM orders WHERE id IN (1,2,3) AND total > 19.99",
		"select `Weird Name` from t where x = 'lit' -- comment",
		"UPDATE t SET a = 0xFF, b = x'ab', c = $3 WHERE d IN ('x','y')",
		"SELECT 1e9 FROM dual",
		"",
	}

	for _, sql := range statements {
		once := Fingerprint(sql)
		twice := Fingerprint(once)
		assert.Equal(t, once, twice, "fingerprint not idempotent for %q", sql)
	}
}

func TestFingerprint_Total(t *testing.T) {
	// Malformed inputs must still produce a string, never panic.
	inputs := []string{
		"'unterminated",
		"SELECT * FROM t WHERE x = 'half",
		"`unterminated ident",
		"/*",
		"SELECT \xff\xfe",
	}

	for _, sql := range inputs {
		assert.NotPanics(t, func() { _ = Fingerprint(sql) })
	}
}
