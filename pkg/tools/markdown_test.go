package tools

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderMarkdownTable(t *testing.T) {
	out := RenderMarkdownTable(
		[]string{"product", "revenue"},
		[][]any{
			{"widgets", 1200},
			{"gadgets", nil},
		},
	)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Equal(t, "| product | revenue |", lines[0])
	assert.Equal(t, "| --- | --- |", lines[1])
	assert.Equal(t, "| widgets | 1200 |", lines[2])
	assert.Equal(t, "| gadgets | NULL |", lines[3])
	assert.NotContains(t, out, TruncationMarker)
}

func TestRenderMarkdownTableTruncates(t *testing.T) {
	rows := make([][]any, MaxRenderedRows+10)
	for i := range rows {
		rows[i] = []any{i}
	}
	out := RenderMarkdownTable([]string{"n"}, rows)

	assert.Contains(t, out, TruncationMarker)
	// Header, separator, capped rows, blank line, marker.
	assert.Equal(t, MaxRenderedRows+4, len(strings.Split(strings.TrimRight(out, "\n"), "\n")))
	assert.NotContains(t, out, fmt.Sprintf("| %d |", MaxRenderedRows))
}

func TestRenderMarkdownTableEscapesCells(t *testing.T) {
	out := RenderMarkdownTable([]string{"note"}, [][]any{{"a|b\nc"}})
	assert.Contains(t, out, `a\|b c`)
}

func TestRenderMarkdownTableNoColumns(t *testing.T) {
	assert.Equal(t, "(no columns)", RenderMarkdownTable(nil, nil))
}
