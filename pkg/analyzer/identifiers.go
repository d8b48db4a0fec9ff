// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package analyzer

import "strings"

// clauseKeywords end a table reference list.
var clauseKeywords = map[string]bool{
	"where": true, "group": true, "order": true, "having": true,
	"limit": true, "offset": true, "union": true, "intersect": true,
	"except": true, "on": true, "using": true, "set": true, "values": true,
	"select": true, "left": true, "right": true, "inner": true,
	"outer": true, "cross": true, "full": true, "natural": true,
	"join": true, "straight_join": true, "for": true, "window": true,
	"returning": true, "as": true,
}

// tokenize splits a fingerprint into words, commas and parens. Quoted
// identifiers survive as single tokens.
func tokenize(s string) []string {
	var (
		toks []string
		cur  strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '`':
			cur.WriteRune(r)
			quote = r
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		case r == ',' || r == '(' || r == ')' || r == ';':
			flush()
			toks = append(toks, string(r))
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks
}

// isTableIdent accepts plain, schema-qualified and quoted identifiers.
func isTableIdent(tok string) bool {
	if tok == "" || tok == "?" || clauseKeywords[tok] {
		return false
	}
	for _, part := range splitQualified(tok) {
		if part == "" {
			return false
		}
		if part[0] == '"' || part[0] == '`' {
			continue
		}
		for i, r := range part {
			switch {
			case r == '_' || r == '$':
			case r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
				if i == 0 {
					return false
				}
			default:
				return false
			}
		}
	}
	return true
}

// splitQualified splits schema.table, leaving quoted segments intact.
func splitQualified(tok string) []string {
	var (
		parts []string
		cur   strings.Builder
		quote rune
	)
	for _, r := range tok {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '`':
			cur.WriteRune(r)
			quote = r
		case r == '.':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	return parts
}

// bareTable strips quoting and qualification down to the table name.
func bareTable(tok string) string {
	parts := splitQualified(tok)
	last := parts[len(parts)-1]
	return strings.Trim(last, "\"`")
}

// ExtractTables lists the tables a fingerprint references, in order of first
// mention. Aliases, schema qualification and quoted identifiers are handled;
// subqueries contribute their own FROM clauses as the scan continues.
func ExtractTables(fingerprint string) []string {
	tables, _ := extractTableList(fingerprint)
	return tables
}

func extractTableList(fingerprint string) (tables []string, commaJoin bool) {
	toks := tokenize(fingerprint)
	seen := map[string]bool{}
	add := func(tok string) {
		name := bareTable(tok)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		tables = append(tables, name)
	}

	for i := 0; i < len(toks); i++ {
		switch toks[i] {
		case "from", "join", "straight_join", "update", "into":
			j := i + 1
			if j >= len(toks) || !isTableIdent(toks[j]) {
				continue
			}
			add(toks[j])
			if toks[i] != "from" {
				i = j
				continue
			}
			// FROM may carry a comma-separated table list with aliases.
			k := j + 1
			for k < len(toks) {
				tok := toks[k]
				if tok == "," {
					k++
					if k < len(toks) && isTableIdent(toks[k]) {
						add(toks[k])
						commaJoin = true
						k++
						continue
					}
					break
				}
				if tok == "as" {
					k += 2
					continue
				}
				if isTableIdent(tok) {
					// alias
					k++
					continue
				}
				break
			}
			i = k - 1
		}
	}
	return tables, commaJoin
}

// hasJoinWithoutCondition reports an explicit JOIN that is never given an ON
// or USING clause. CROSS JOIN counts; NATURAL JOIN does not.
func hasJoinWithoutCondition(fingerprint string) bool {
	toks := tokenize(fingerprint)
	for i, tok := range toks {
		if tok != "join" {
			continue
		}
		if i > 0 && toks[i-1] == "natural" {
			continue
		}
		if i > 0 && toks[i-1] == "cross" {
			return true
		}
		// Skip the table reference and optional alias, then expect a
		// join condition.
		j := i + 1
		for j < len(toks) && (isTableIdent(toks[j]) || toks[j] == "as") {
			j++
		}
		if j >= len(toks) || (toks[j] != "on" && toks[j] != "using") {
			return true
		}
	}
	return false
}
