// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package probe

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

// mysqlProbe reads mysql.slow_log (log_output=TABLE). Rows produced by the
// configured monitoring user itself are filtered out server-side.
type mysqlProbe struct {
	target Target
	db     *sql.DB
	logger *zap.Logger
	opts   Options
}

// mysqlCursor tracks the newest start_time already handed to the collector.
type mysqlCursor struct {
	LastStartTime time.Time `json:"last_start_time"`
}

func openMySQL(target Target, logger *zap.Logger, opts Options) (Probe, error) {
	cfg, err := mysql.ParseDSN(target.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn for target %s: %w", target.ID, err)
	}
	// start_time must scan as time.Time.
	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection for target %s: %w", target.ID, err)
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	host := target.Host
	if host == "" {
		host = cfg.Addr
	}
	target.Host = host

	return &mysqlProbe{target: target, db: db, logger: logger, opts: opts}, nil
}

func newMySQLProbe(target Target, db *sql.DB, logger *zap.Logger, opts Options) *mysqlProbe {
	return &mysqlProbe{target: target, db: db, logger: logger, opts: opts.withDefaults()}
}

func (p *mysqlProbe) ID() string     { return p.target.ID }
func (p *mysqlProbe) Target() Target { return p.target }
func (p *mysqlProbe) Close() error   { return p.db.Close() }

func (p *mysqlProbe) FetchSince(ctx context.Context, cursor []byte) ([]*types.Observation, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Deadline)
	defer cancel()

	var cur mysqlCursor
	if len(cursor) > 0 {
		if err := json.Unmarshal(cursor, &cur); err != nil {
			return nil, nil, fmt.Errorf("corrupt cursor for probe %s: %w", p.target.ID, err)
		}
	}

	since := cur.LastStartTime
	if !since.IsZero() {
		since = since.Add(-p.opts.ReplayOverlap)
	}

	query := `
		SELECT start_time, user_host, query_time, rows_sent, rows_examined, db,
			CONVERT(sql_text USING utf8mb4)
		FROM mysql.slow_log
		WHERE start_time > ?`
	args := []interface{}{since}
	if p.target.MonitorUser != "" {
		query += ` AND user_host NOT LIKE ?`
		args = append(args, p.target.MonitorUser+"@%")
	}
	query += `
		ORDER BY start_time ASC
		LIMIT ?`
	args = append(args, p.opts.FetchLimit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, p.wrapErr(err)
	}
	defer rows.Close()

	var (
		out     []*types.Observation
		maxSeen = cur.LastStartTime
	)
	for rows.Next() {
		var (
			startTime    time.Time
			userHost     string
			queryTime    string
			rowsSent     sql.NullInt64
			rowsExamined sql.NullInt64
			database     sql.NullString
			sqlText      sql.NullString
		)
		if err := rows.Scan(&startTime, &userHost, &queryTime, &rowsSent, &rowsExamined, &database, &sqlText); err != nil {
			return nil, nil, fmt.Errorf("failed to scan slow_log row: %w", err)
		}

		durationMS, err := parseQueryTime(queryTime)
		if err != nil {
			p.logger.Warn("Skipping slow_log row with unparseable query_time",
				zap.String("probe_id", p.target.ID),
				zap.String("query_time", queryTime))
			continue
		}

		obs := &types.Observation{
			SourceType:  types.SourceMySQL,
			SourceHost:  p.target.Host,
			FullSQL:     SanitizeSQL(sqlText.String),
			DurationMS:  durationMS,
			CapturedAt:  startTime,
			TenantScope: p.target.TenantScope,
		}
		if database.Valid {
			obs.SourceDatabase = database.String
		}
		if rowsExamined.Valid {
			v := rowsExamined.Int64
			obs.RowsExamined = &v
		}
		if rowsSent.Valid {
			v := rowsSent.Int64
			obs.RowsReturned = &v
		}
		out = append(out, obs)

		if startTime.After(maxSeen) {
			maxSeen = startTime
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, p.wrapErr(err)
	}

	newCursor, err := json.Marshal(mysqlCursor{LastStartTime: maxSeen})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal cursor: %w", err)
	}
	return out, newCursor, nil
}

// wrapErr classifies a driver error. Access and missing-table errors need an
// operator; everything else is retried on the next tick.
func (p *mysqlProbe) wrapErr(err error) error {
	permanent := false
	var mErr *mysql.MySQLError
	if errors.As(err, &mErr) {
		switch mErr.Number {
		case 1044, 1045, 1142, 1146:
			permanent = true
		}
	}
	return &ConnectionError{ProbeID: p.target.ID, Permanent: permanent, Err: err}
}

// parseQueryTime converts a slow_log TIME value ("00:00:01.234567") to
// milliseconds.
func parseQueryTime(s string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed query_time %q", s)
	}
	hours, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed query_time %q", s)
	}
	minutes, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed query_time %q", s)
	}
	seconds, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed query_time %q", s)
	}
	return (hours*3600 + minutes*60 + seconds) * 1000, nil
}
