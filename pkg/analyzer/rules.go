// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package analyzer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/teradata-labs/dbpulse/pkg/types"
)

// finding is one rule hit with its severity hint.
type finding struct {
	rec      types.Recommendation
	severity types.ImprovementLevel
}

var levelRank = map[types.ImprovementLevel]int{
	types.ImprovementLow:      1,
	types.ImprovementMedium:   2,
	types.ImprovementHigh:     3,
	types.ImprovementCritical: 4,
}

// maxLevel returns the highest severity among findings, LOW when empty.
func maxLevel(findings []finding) types.ImprovementLevel {
	level := types.ImprovementLow
	for _, f := range findings {
		if levelRank[f.severity] > levelRank[level] {
			level = f.severity
		}
	}
	return level
}

var (
	largeOffsetRe = regexp.MustCompile(`\boffset\s+\?|\blimit\s+\?\s*,\s*\?`)
	// Function applied to a predicate operand defeats index usage.
	nonSargableRe = regexp.MustCompile(`\b(?:where|and|or)\s+(?:not\s+)?[a-z_][a-z0-9_]*\s*\(`)
	whereColumnRe = regexp.MustCompile(`\b(?:where|and|or)\s+(?:not\s+)?(?:[a-z_][a-z0-9_]*\.)?([a-z_][a-z0-9_]*)\s*(?:=|!=|<>|>=|<=|>|<|\bin\b|\blike\b|\bbetween\b)`)
)

const (
	fullScanExaminedFloor = 10000
	fullScanRatioFloor    = 100
)

// applyRules runs the fixed rule set over one observation. tables carries
// whatever schema context could be resolved; rules that need it degrade
// gracefully when it is missing.
func applyRules(obs *types.Observation, fp string, tables []*TableInfo) []finding {
	var findings []finding
	priority := 1
	add := func(severity types.ImprovementLevel, rec types.Recommendation) {
		rec.Priority = priority
		priority++
		findings = append(findings, finding{rec: rec, severity: severity})
	}

	if cols := missingIndexColumns(fp, tables); len(cols) > 0 {
		for table, columns := range cols {
			add(types.ImprovementHigh, types.Recommendation{
				Kind: types.KindMissingIndex,
				Description: fmt.Sprintf("predicate columns %s on %s have no leading index",
					strings.Join(columns, ", "), table),
				SQL: fmt.Sprintf("CREATE INDEX idx_%s_%s ON %s (%s)",
					table, strings.Join(columns, "_"), table, strings.Join(columns, ", ")),
				Rationale: "a matching index turns the scan into a lookup",
			})
		}
	}

	if isFullScan(obs) {
		examined := int64(0)
		if obs.RowsExamined != nil {
			examined = *obs.RowsExamined
		}
		add(types.ImprovementHigh, types.Recommendation{
			Kind: types.KindFullScan,
			Description: fmt.Sprintf("examined %d rows to produce the result; the access path scans the table",
				examined),
			Rationale: "row counts or the plan indicate a sequential scan",
		})
	}

	if strings.Contains(fp, "select *") {
		add(types.ImprovementLow, types.Recommendation{
			Kind:        types.KindSelectStar,
			Description: "SELECT * fetches every column; list only the columns the caller reads",
		})
	}

	if nonSargableRe.MatchString(fp) {
		add(types.ImprovementMedium, types.Recommendation{
			Kind:        types.KindNonSargable,
			Description: "a function wraps a predicate operand, preventing index use; move the computation to the other side of the comparison",
		})
	}

	_, commaJoin := extractTableList(fp)
	if (commaJoin && !strings.Contains(fp, "where")) || hasJoinWithoutCondition(fp) {
		add(types.ImprovementCritical, types.Recommendation{
			Kind:        types.KindCartesianJoin,
			Description: "tables are joined without a join condition, producing a cartesian product",
		})
	}

	if strings.Contains(fp, "order by") && !strings.Contains(fp, "limit") {
		add(types.ImprovementMedium, types.Recommendation{
			Kind:        types.KindUnboundedSort,
			Description: "ORDER BY without LIMIT sorts the full result set; bound it or sort client-side",
		})
	}

	if largeOffsetRe.MatchString(fp) {
		add(types.ImprovementMedium, types.Recommendation{
			Kind:        types.KindLargeOffset,
			Description: "OFFSET pagination rescans skipped rows; paginate with a keyset predicate on an indexed column",
		})
	}

	return findings
}

// isFullScan infers a table scan from row counters or plan text.
func isFullScan(obs *types.Observation) bool {
	plan := strings.ToLower(obs.Plan)
	if strings.Contains(plan, "seq scan") || strings.Contains(plan, "full scan") ||
		strings.Contains(plan, `"type": "all"`) || strings.Contains(plan, "type: all") {
		return true
	}
	if obs.RowsExamined == nil {
		return false
	}
	examined := *obs.RowsExamined
	if examined < fullScanExaminedFloor {
		return false
	}
	if obs.RowsReturned == nil || *obs.RowsReturned == 0 {
		return true
	}
	returned := *obs.RowsReturned
	return examined/returned >= fullScanRatioFloor
}

// missingIndexColumns maps table name to predicate columns that exist on the
// table but lead no index. Needs resolved schema context.
func missingIndexColumns(fp string, tables []*TableInfo) map[string][]string {
	matches := whereColumnRe.FindAllStringSubmatch(fp, -1)
	if len(matches) == 0 || len(tables) == 0 {
		return nil
	}

	var cols []string
	seen := map[string]bool{}
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			cols = append(cols, m[1])
		}
	}

	out := map[string][]string{}
	for _, t := range tables {
		if t == nil {
			continue
		}
		for _, col := range cols {
			if !tableHasColumn(t, col) || t.HasIndexOn(col) {
				continue
			}
			out[t.Name] = append(out[t.Name], col)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func tableHasColumn(t *TableInfo, column string) bool {
	for _, c := range t.Columns {
		if strings.EqualFold(c.Name, column) {
			return true
		}
	}
	return false
}

// minRewriteVariants is the floor of concrete rewrite suggestions every
// analysis must carry.
const minRewriteVariants = 3

// synthesizeRewrites tops the recommendation list up to minRewriteVariants
// rewrites with deterministic variants derived from the rule hits.
func synthesizeRewrites(obs *types.Observation, fp string, tables []*TableInfo, recs []types.Recommendation) []types.Recommendation {
	have := 0
	for _, r := range recs {
		if r.Kind == types.KindRewrite && r.SQL != "" {
			have++
		}
	}
	if have >= minRewriteVariants {
		return recs
	}

	nextPriority := 0
	for _, r := range recs {
		if r.Priority > nextPriority {
			nextPriority = r.Priority
		}
	}

	for _, candidate := range rewriteVariants(obs, fp, tables) {
		if have >= minRewriteVariants {
			break
		}
		nextPriority++
		candidate.Priority = nextPriority
		recs = append(recs, candidate)
		have++
	}
	return recs
}

// rewriteVariants derives concrete alternates from the statement itself.
// They are ordered so the most applicable come first.
func rewriteVariants(obs *types.Observation, fp string, tables []*TableInfo) []types.Recommendation {
	var variants []types.Recommendation
	sql := strings.TrimSpace(obs.FullSQL)

	if strings.Contains(fp, "select *") {
		cols := "<only the columns the caller reads>"
		if len(tables) > 0 && tables[0] != nil && len(tables[0].Columns) > 0 {
			names := make([]string, 0, len(tables[0].Columns))
			for _, c := range tables[0].Columns {
				names = append(names, c.Name)
			}
			cols = strings.Join(names, ", ")
		}
		variants = append(variants, types.Recommendation{
			Kind:        types.KindRewrite,
			Description: "project explicit columns instead of *",
			SQL:         replaceFirstFold(sql, "select *", "SELECT "+cols),
		})
	}

	if !strings.Contains(fp, "limit") {
		variants = append(variants, types.Recommendation{
			Kind:        types.KindRewrite,
			Description: "bound the result set",
			SQL:         sql + " LIMIT 100",
		})
	}

	if largeOffsetRe.MatchString(fp) {
		variants = append(variants, types.Recommendation{
			Kind:        types.KindRewrite,
			Description: "replace OFFSET with keyset pagination on the primary key",
			SQL:         "-- resume from the last seen key instead of skipping rows\n" + replaceFirstFold(sql, "offset", "-- OFFSET removed; add: AND id > :last_seen_id -- offset"),
		})
	}

	if strings.Contains(fp, "order by") {
		variants = append(variants, types.Recommendation{
			Kind:        types.KindRewrite,
			Description: "sort on an indexed expression so the ORDER BY reads index order",
			SQL:         sql,
			Rationale:   "an index matching the ORDER BY avoids the sort entirely",
		})
	}

	// Always-applicable fallbacks so the floor is reachable for any shape.
	variants = append(variants,
		types.Recommendation{
			Kind:        types.KindRewrite,
			Description: "split the statement into smaller key-range batches",
			SQL:         sql + " /* execute per key range */",
		},
		types.Recommendation{
			Kind:        types.KindRewrite,
			Description: "materialise the hot subset into a covering structure refreshed out of band",
			SQL:         "CREATE TABLE hot_subset AS " + sql,
		},
		types.Recommendation{
			Kind:        types.KindRewrite,
			Description: "move the statement off-peak or behind a cache if freshness allows",
			SQL:         sql,
		},
	)
	return variants
}

// replaceFirstFold replaces the first case-insensitive occurrence of old.
func replaceFirstFold(s, old, new string) string {
	idx := strings.Index(strings.ToLower(s), strings.ToLower(old))
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}
