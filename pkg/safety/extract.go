package safety

import "strings"

// ExtractSQL pulls the SQL statement out of a model response. It prefers a
// ```sql fenced block, falls back to any fenced block, and strips a trailing
// semicolon. Returns "" when no statement can be found.
func ExtractSQL(text string) string {
	if sql := extractFenced(text, "```sql"); sql != "" {
		return sql
	}
	if sql := extractFenced(text, "```"); sql != "" {
		return sql
	}
	return ""
}

func extractFenced(text, opener string) string {
	start := strings.Index(text, opener)
	if start < 0 {
		return ""
	}
	rest := text[start+len(opener):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return ""
	}
	sql := strings.TrimSpace(rest[:end])
	sql = strings.TrimSuffix(sql, ";")
	return strings.TrimSpace(sql)
}
