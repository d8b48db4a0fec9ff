// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package analyzer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

// ErrTableUnknown means the provider cannot resolve a table; the analyzer
// logs and moves on without schema context for it.
var ErrTableUnknown = errors.New("table not resolvable")

// TableInfo is the schema context gathered for one referenced table.
type TableInfo struct {
	Name        string
	Columns     []ColumnInfo
	Indexes     []IndexInfo
	RowEstimate int64
}

type ColumnInfo struct {
	Name string
	Type string
}

type IndexInfo struct {
	Name    string
	Columns []string
	Unique  bool
}

// HasIndexOn reports whether any index leads with the column.
func (t *TableInfo) HasIndexOn(column string) bool {
	for _, idx := range t.Indexes {
		if len(idx.Columns) > 0 && strings.EqualFold(idx.Columns[0], column) {
			return true
		}
	}
	return false
}

// SchemaProvider resolves table metadata on a monitored database.
type SchemaProvider interface {
	TableInfo(ctx context.Context, source types.SourceType, host, database, table string) (*TableInfo, error)
}

// NopSchemaProvider resolves nothing; the analyzer degrades to rules that
// need no schema.
type NopSchemaProvider struct{}

func (NopSchemaProvider) TableInfo(context.Context, types.SourceType, string, string, string) (*TableInfo, error) {
	return nil, ErrTableUnknown
}

// DefaultSchemaCacheSize bounds the table-info cache.
const DefaultSchemaCacheSize = 1024

// CachedSchemaProvider memoises another provider. Schema changes rarely
// relative to analyzer ticks, so entries live until evicted by capacity.
type CachedSchemaProvider struct {
	inner SchemaProvider
	cache *lru.Cache[string, *TableInfo]
}

func NewCachedSchemaProvider(inner SchemaProvider, size int) (*CachedSchemaProvider, error) {
	if size <= 0 {
		size = DefaultSchemaCacheSize
	}
	cache, err := lru.New[string, *TableInfo](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema cache: %w", err)
	}
	return &CachedSchemaProvider{inner: inner, cache: cache}, nil
}

func (p *CachedSchemaProvider) TableInfo(ctx context.Context, source types.SourceType, host, database, table string) (*TableInfo, error) {
	key := string(source) + "|" + host + "|" + database + "|" + strings.ToLower(table)
	if info, ok := p.cache.Get(key); ok {
		return info, nil
	}
	info, err := p.inner.TableInfo(ctx, source, host, database, table)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, info)
	return info, nil
}

// DBSchemaProvider reads information_schema of the monitored databases. The
// caller registers one *sql.DB per source host, normally the same pools the
// probes use.
type DBSchemaProvider struct {
	logger *zap.Logger
	dbs    map[string]*sql.DB
}

func NewDBSchemaProvider(logger *zap.Logger) *DBSchemaProvider {
	return &DBSchemaProvider{logger: logger, dbs: make(map[string]*sql.DB)}
}

// Register makes host's connection pool available for schema lookups.
func (p *DBSchemaProvider) Register(host string, db *sql.DB) {
	p.dbs[host] = db
}

func (p *DBSchemaProvider) TableInfo(ctx context.Context, source types.SourceType, host, database, table string) (*TableInfo, error) {
	db, ok := p.dbs[host]
	if !ok {
		return nil, fmt.Errorf("%w: no connection for host %s", ErrTableUnknown, host)
	}
	switch source {
	case types.SourceMySQL:
		return p.mysqlTableInfo(ctx, db, database, table)
	case types.SourcePostgres:
		return p.postgresTableInfo(ctx, db, database, table)
	default:
		return nil, fmt.Errorf("%w: unsupported source %q", ErrTableUnknown, source)
	}
}

func (p *DBSchemaProvider) mysqlTableInfo(ctx context.Context, db *sql.DB, database, table string) (*TableInfo, error) {
	info := &TableInfo{Name: table}

	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = ? AND table_name = ?
		ORDER BY ordinal_position`,
		database, table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableUnknown, database, table)
	}

	idxRows, err := db.QueryContext(ctx, `
		SELECT index_name, column_name, non_unique
		FROM information_schema.statistics
		WHERE table_schema = ? AND table_name = ?
		ORDER BY index_name, seq_in_index`,
		database, table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes: %w", err)
	}
	defer idxRows.Close()
	byName := map[string]*IndexInfo{}
	var order []string
	for idxRows.Next() {
		var (
			name, column string
			nonUnique    int
		)
		if err := idxRows.Scan(&name, &column, &nonUnique); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		idx, ok := byName[name]
		if !ok {
			idx = &IndexInfo{Name: name, Unique: nonUnique == 0}
			byName[name] = idx
			order = append(order, name)
		}
		idx.Columns = append(idx.Columns, column)
	}
	if err := idxRows.Err(); err != nil {
		return nil, err
	}
	for _, name := range order {
		info.Indexes = append(info.Indexes, *byName[name])
	}

	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(table_rows, 0)
		FROM information_schema.tables
		WHERE table_schema = ? AND table_name = ?`,
		database, table,
	).Scan(&info.RowEstimate)
	if err != nil && err != sql.ErrNoRows {
		p.logger.Debug("Row estimate lookup failed", zap.String("table", table), zap.Error(err))
	}
	return info, nil
}

func (p *DBSchemaProvider) postgresTableInfo(ctx context.Context, db *sql.DB, database, table string) (*TableInfo, error) {
	info := &TableInfo{Name: table}

	rows, err := db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_catalog = $1 AND table_name = $2
		ORDER BY ordinal_position`,
		database, table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var col ColumnInfo
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrTableUnknown, database, table)
	}

	idxRows, err := db.QueryContext(ctx, `
		SELECT i.relname, a.attname, ix.indisunique
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
		WHERE t.relname = $1
		ORDER BY i.relname, a.attnum`,
		table,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes: %w", err)
	}
	defer idxRows.Close()
	byName := map[string]*IndexInfo{}
	var order []string
	for idxRows.Next() {
		var (
			name, column string
			unique       bool
		)
		if err := idxRows.Scan(&name, &column, &unique); err != nil {
			return nil, fmt.Errorf("failed to scan index: %w", err)
		}
		idx, ok := byName[name]
		if !ok {
			idx = &IndexInfo{Name: name, Unique: unique}
			byName[name] = idx
			order = append(order, name)
		}
		idx.Columns = append(idx.Columns, column)
	}
	if err := idxRows.Err(); err != nil {
		return nil, err
	}
	for _, name := range order {
		info.Indexes = append(info.Indexes, *byName[name])
	}

	err = db.QueryRowContext(ctx,
		`SELECT COALESCE(reltuples::bigint, 0) FROM pg_class WHERE relname = $1`, table,
	).Scan(&info.RowEstimate)
	if err != nil && err != sql.ErrNoRows {
		p.logger.Debug("Row estimate lookup failed", zap.String("table", table), zap.Error(err))
	}
	return info, nil
}

// renderSchemaContext formats gathered table info for the oracle prompt.
func renderSchemaContext(tables []*TableInfo) string {
	if len(tables) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range tables {
		fmt.Fprintf(&b, "table %s (~%d rows)\n", t.Name, t.RowEstimate)
		for _, c := range t.Columns {
			fmt.Fprintf(&b, "  column %s %s\n", c.Name, c.Type)
		}
		for _, idx := range t.Indexes {
			unique := ""
			if idx.Unique {
				unique = " unique"
			}
			fmt.Fprintf(&b, "  index%s %s (%s)\n", unique, idx.Name, strings.Join(idx.Columns, ", "))
		}
	}
	return b.String()
}
