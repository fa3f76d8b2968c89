// Package safety implements the read-only SQL gate and the fenced-SQL
// extraction used by the generation stage.
package safety

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrUnsafeStatement is returned when the gate rejects a statement.
var ErrUnsafeStatement = errors.New("UnsafeStatement")

// bannedKeywords are rejected when they appear at a statement boundary,
// including the top level of a WITH statement and the head of a CTE body.
var bannedKeywords = map[string]bool{
	"INSERT":   true,
	"UPDATE":   true,
	"DELETE":   true,
	"DROP":     true,
	"ALTER":    true,
	"TRUNCATE": true,
	"GRANT":    true,
	"REVOKE":   true,
	"CREATE":   true,
}

// Check validates that sql is a single read-only statement: the first
// top-level keyword must be SELECT, or WITH whose terminating statement is a
// SELECT. Returns ErrUnsafeStatement (wrapped with detail) otherwise.
func Check(sql string) error {
	stripped := stripNoise(sql)

	statements := splitStatements(stripped)
	if len(statements) == 0 {
		return fmt.Errorf("%w: empty statement", ErrUnsafeStatement)
	}
	if len(statements) > 1 {
		return fmt.Errorf("%w: multiple statements", ErrUnsafeStatement)
	}

	tokens := tokenize(statements[0])
	if len(tokens) == 0 {
		return fmt.Errorf("%w: empty statement", ErrUnsafeStatement)
	}

	switch tokens[0].text {
	case "SELECT":
		return checkTopLevelBanned(tokens)
	case "WITH":
		if err := checkTopLevelBanned(tokens); err != nil {
			return err
		}
		return checkWithTerminator(tokens)
	default:
		return fmt.Errorf("%w: statement starts with %s", ErrUnsafeStatement, tokens[0].text)
	}
}

type token struct {
	text  string
	depth int
}

// stripNoise removes SQL comments and the contents of string literals so the
// keyword scan cannot be fooled by quoted text.
func stripNoise(sql string) string {
	var b strings.Builder
	runes := []rune(sql)
	for i := 0; i < len(runes); i++ {
		switch {
		case runes[i] == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			b.WriteRune('\n')
		case runes[i] == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++ // skip closing '/'
			b.WriteRune(' ')
		case runes[i] == '\'':
			i++
			for i < len(runes) && runes[i] != '\'' {
				i++
			}
			b.WriteString("''")
		case runes[i] == '"':
			i++
			for i < len(runes) && runes[i] != '"' {
				i++
			}
			b.WriteString(`""`)
		default:
			b.WriteRune(runes[i])
		}
	}
	return b.String()
}

func splitStatements(sql string) []string {
	parts := strings.Split(sql, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// tokenize splits a statement into uppercase word tokens annotated with their
// parenthesis depth. Punctuation other than parens is treated as whitespace.
func tokenize(sql string) []token {
	var tokens []token
	depth := 0
	var word strings.Builder

	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, token{text: strings.ToUpper(word.String()), depth: depth})
			word.Reset()
		}
	}

	for _, r := range sql {
		switch {
		case r == '(':
			flush()
			depth++
		case r == ')':
			flush()
			depth--
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// checkTopLevelBanned rejects banned keywords at depth 0 and at the head of
// any CTE body (the first token after an "AS (" opener).
func checkTopLevelBanned(tokens []token) error {
	for i, tok := range tokens {
		if tok.depth == 0 && bannedKeywords[tok.text] {
			return fmt.Errorf("%w: %s at statement boundary", ErrUnsafeStatement, tok.text)
		}
		// Head of a CTE body: previous token is AS at a shallower depth.
		if i > 0 && tokens[i-1].text == "AS" && tok.depth == tokens[i-1].depth+1 {
			if bannedKeywords[tok.text] {
				return fmt.Errorf("%w: %s in common table expression", ErrUnsafeStatement, tok.text)
			}
		}
	}
	return nil
}

// checkWithTerminator requires that the statement following the CTE list of a
// WITH clause is a SELECT.
func checkWithTerminator(tokens []token) error {
	statementKeywords := map[string]bool{
		"SELECT": true, "INSERT": true, "UPDATE": true, "DELETE": true,
	}
	terminator := ""
	for i := 1; i < len(tokens); i++ {
		if tokens[i].depth == 0 && statementKeywords[tokens[i].text] {
			terminator = tokens[i].text
			break
		}
	}
	if terminator != "SELECT" {
		return fmt.Errorf("%w: WITH statement does not terminate in SELECT", ErrUnsafeStatement)
	}
	return nil
}
