package orchestrator

import (
	"fmt"
	"strings"
)

// maxFormattedChars caps the executive summary length.
const maxFormattedChars = 2000

const generateSystemPrompt = `You are a senior data analyst generating SQL for a business question.

You have tools to explore the environment:
- search_knowledge_base: look up business definitions and metric formulas in the company's documentation.
- list_tables: list the tables available in the database.
- describe_table: get the columns, types, and primary key of a table.
- check_relevance: report whether the question can be answered from this database at all.

Rules:
1. If the question is not about this database or its business data, call check_relevance with is_relevant=false and a short reason, then stop.
2. Otherwise discover the available tables, describe the ones you need, and consult the knowledge base for any business terms in the question.
3. Finish with exactly ONE read-only SQL statement (SELECT, or WITH ending in SELECT) inside a fenced code block:

` + "```sql\nSELECT ...\n```" + `

Never produce INSERT, UPDATE, DELETE, or DDL. Only reference tables and columns you have confirmed exist.`

const formatSystemPrompt = `You are a business analyst writing an executive summary of a query result.

You are given the original question, the SQL that was run, and the raw result table. Write a concise, plain-language answer for a business audience: lead with the direct answer, then the one or two most notable observations from the data. Do not repeat the SQL. Keep the summary under 2000 characters.`

// reflectionHint builds the stage-1 re-entry prompt fragment after an
// execution failure.
func reflectionHint(sql, dbError string) string {
	return fmt.Sprintf(`A previous attempt at this question produced SQL that failed to execute.

Failed SQL:
%s

Database error:
%s

Re-examine the schema with the tools, correct the mistake, and produce a new statement.`, sql, dbError)
}

// formatUserPrompt assembles the stage-3 input.
func formatUserPrompt(question, sql, rawResults string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\n", question)
	fmt.Fprintf(&sb, "SQL executed:\n%s\n\n", sql)
	fmt.Fprintf(&sb, "Results:\n%s", rawResults)
	return sb.String()
}

// truncateResponse enforces the summary length cap on rune boundaries.
func truncateResponse(text string) string {
	runes := []rune(text)
	if len(runes) <= maxFormattedChars {
		return text
	}
	return string(runes[:maxFormattedChars])
}
