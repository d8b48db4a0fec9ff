// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package fingerprint canonicalises SQL statements into parameter-erased
// fingerprints. Two statements with the same fingerprint are considered
// the same query shape.
package fingerprint

import (
	"regexp"
	"strings"
	"unicode"
)

// inListRe collapses IN lists of erased parameters to a single placeholder.
// Runs on the already-lowercased output.
var inListRe = regexp.MustCompile(`\bin\s*\(\s*\?(?:\s*,\s*\?)*\s*\)`)

// Fingerprint maps a SQL statement to its canonical form. It is total and
// deterministic: unparseable dialect constructs degrade to best-effort
// substitution, never an error. The transformation is idempotent.
func Fingerprint(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	runes := []rune(sql)
	n := len(runes)
	lastSpace := true // leading whitespace is dropped

	// writeRune lowercases and collapses whitespace.
	writeRune := func(r rune) {
		if unicode.IsSpace(r) {
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
			return
		}
		b.WriteRune(unicode.ToLower(r))
		lastSpace = false
	}
	writePlaceholder := func() {
		b.WriteByte('?')
		lastSpace = false
	}
	// lastIdentChar reports whether the previous emitted character could be
	// part of an identifier, which blocks literal substitution mid-word.
	lastIdentChar := func() bool {
		s := b.String()
		if s == "" {
			return false
		}
		r := rune(s[len(s)-1])
		return r == '_' || r == '$' || unicode.IsLetter(r) || unicode.IsDigit(r)
	}

	for i := 0; i < n; {
		r := runes[i]

		switch {
		// Line comments: -- and # (MySQL).
		case r == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				i++
			}
			writeRune(' ')

		case r == '#':
			for i < n && runes[i] != '\n' {
				i++
			}
			writeRune(' ')

		// Block comments.
		case r == '/' && i+1 < n && runes[i+1] == '*':
			i += 2
			for i < n {
				if runes[i] == '*' && i+1 < n && runes[i+1] == '/' {
					i += 2
					break
				}
				i++
			}
			writeRune(' ')

		// Single-quoted string literal with backslash and '' escapes.
		case r == '\'':
			i = skipQuoted(runes, i, '\'')
			writePlaceholder()

		// Double quotes and backticks delimit identifiers; preserved verbatim.
		case r == '"':
			i = copyQuoted(runes, i, '"', &b)
			lastSpace = false

		case r == '`':
			i = copyQuoted(runes, i, '`', &b)
			lastSpace = false

		// Hex/binary string literals: x'ab', b'01'.
		case (r == 'x' || r == 'X' || r == 'b' || r == 'B') && i+1 < n && runes[i+1] == '\'' && !lastIdentChar():
			i = skipQuoted(runes, i+1, '\'')
			writePlaceholder()

		// Positional placeholders: $1, $2 ... normalised to ?.
		case r == '$' && i+1 < n && unicode.IsDigit(runes[i+1]) && !lastIdentChar():
			i++
			for i < n && unicode.IsDigit(runes[i]) {
				i++
			}
			writePlaceholder()

		// Numeric literals: integer, decimal, scientific, 0x hex.
		case unicode.IsDigit(r) && !lastIdentChar():
			if r == '0' && i+1 < n && (runes[i+1] == 'x' || runes[i+1] == 'X') {
				i += 2
				for i < n && isHexDigit(runes[i]) {
					i++
				}
				writePlaceholder()
				break
			}
			i = skipNumber(runes, i)
			writePlaceholder()

		case r == '.' && i+1 < n && unicode.IsDigit(runes[i+1]) && !lastIdentChar():
			i = skipNumber(runes, i)
			writePlaceholder()

		default:
			writeRune(r)
			i++
		}
	}

	out := strings.TrimSpace(b.String())
	return inListRe.ReplaceAllString(out, "in (?)")
}

// skipQuoted advances past a quoted region starting at runes[start] == q,
// honouring backslash escapes and doubled quote marks. Returns the index
// just past the closing quote (or len on unterminated input).
func skipQuoted(runes []rune, start int, q rune) int {
	i := start + 1
	n := len(runes)
	for i < n {
		switch {
		case runes[i] == '\\' && i+1 < n:
			i += 2
		case runes[i] == q && i+1 < n && runes[i+1] == q:
			i += 2
		case runes[i] == q:
			return i + 1
		default:
			i++
		}
	}
	return n
}

// copyQuoted copies a quoted identifier verbatim, including delimiters.
func copyQuoted(runes []rune, start int, q rune, b *strings.Builder) int {
	end := skipQuoted(runes, start, q)
	b.WriteString(string(runes[start:end]))
	return end
}

// skipNumber advances past an integer, decimal or scientific literal.
func skipNumber(runes []rune, start int) int {
	i := start
	n := len(runes)
	for i < n && unicode.IsDigit(runes[i]) {
		i++
	}
	if i < n && runes[i] == '.' {
		i++
		for i < n && unicode.IsDigit(runes[i]) {
			i++
		}
	}
	if i < n && (runes[i] == 'e' || runes[i] == 'E') {
		j := i + 1
		if j < n && (runes[j] == '+' || runes[j] == '-') {
			j++
		}
		if j < n && unicode.IsDigit(runes[j]) {
			i = j
			for i < n && unicode.IsDigit(runes[i]) {
				i++
			}
		}
	}
	return i
}

func isHexDigit(r rune) bool {
	return unicode.IsDigit(r) || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
