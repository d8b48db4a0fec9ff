// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package probe

import "strings"

const utf8BOM = "\xef\xbb\xbf"

// SanitizeSQL normalises raw slow-log text before it leaves the probe:
// strips a UTF-8 BOM, trims surrounding whitespace and drops trailing
// semicolons.
func SanitizeSQL(sql string) string {
	sql = strings.TrimPrefix(sql, utf8BOM)
	sql = strings.TrimSpace(sql)
	for strings.HasSuffix(sql, ";") {
		sql = strings.TrimSpace(strings.TrimSuffix(sql, ";"))
	}
	return sql
}
