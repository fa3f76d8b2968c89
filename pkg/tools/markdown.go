package tools

import (
	"fmt"
	"strings"
)

// MaxRenderedRows caps how many result rows go into a rendered table. The
// remainder is replaced with a truncation marker so LLM prompts stay bounded.
const MaxRenderedRows = 50

// TruncationMarker is appended when rows were dropped.
const TruncationMarker = "*...truncated...*"

// RenderMarkdownTable formats query results as a GitHub-style markdown table.
func RenderMarkdownTable(columns []string, rows [][]any) string {
	if len(columns) == 0 {
		return "(no columns)"
	}

	var sb strings.Builder
	sb.WriteString("| " + strings.Join(columns, " | ") + " |\n")
	sb.WriteString("|" + strings.Repeat(" --- |", len(columns)) + "\n")

	truncated := false
	if len(rows) > MaxRenderedRows {
		rows = rows[:MaxRenderedRows]
		truncated = true
	}

	for _, row := range rows {
		cells := make([]string, len(columns))
		for i := range columns {
			if i < len(row) {
				cells[i] = formatCell(row[i])
			}
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}

	if truncated {
		sb.WriteString("\n" + TruncationMarker + "\n")
	}
	return sb.String()
}

func formatCell(v any) string {
	if v == nil {
		return "NULL"
	}
	s := fmt.Sprint(v)
	// Pipes and newlines would break the table layout.
	s = strings.ReplaceAll(s, "|", "\\|")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
