// Package placeholder implements the token codec for opaque placeholders.
//
// A placeholder stands in for a sensitive value held by a data server. It has
// two textual encodings:
//
//   - model form: {toolCallId.rowIndex.columnName} — shown to the language
//     model, which must not learn server topology
//   - wire form:  {serverKey:toolCallId.rowIndex.columnName} — used internally
//     and when addressing a non-owning server
//
// The codec is purely textual: it extracts candidate tokens from model
// output, converts between the two forms, and substitutes resolved values
// back into text. It never talks to a server.
package placeholder

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Token grammar: the tool-call id and server key are identifiers, the row
// index is a non-negative integer, and the column name may contain anything
// except '.', '}' and whitespace. The prefixed form is tried first so that a
// wire-form token is never misread as a plain token with a ':' in its id.
var (
	wireTokenRegex  = regexp.MustCompile(`\{([A-Za-z0-9_-]+):([A-Za-z0-9_-]+)\.([0-9]+)\.([^.}\s]+)\}`)
	modelTokenRegex = regexp.MustCompile(`\{([A-Za-z0-9_-]+)\.([0-9]+)\.([^.:}\s]+)\}`)
)

// Token is one parsed placeholder. ServerKey is empty for model-form tokens.
type Token struct {
	ServerKey  string
	ToolCallID string
	RowIndex   int
	Column     string
}

// Parse parses a single placeholder literal, braces included.
// The prefixed (wire) form takes precedence over the plain (model) form.
func Parse(literal string) (Token, bool) {
	if m := wireTokenRegex.FindStringSubmatch(literal); m != nil && m[0] == literal {
		row, err := strconv.Atoi(m[3])
		if err != nil {
			return Token{}, false
		}
		return Token{ServerKey: m[1], ToolCallID: m[2], RowIndex: row, Column: m[4]}, true
	}
	if m := modelTokenRegex.FindStringSubmatch(literal); m != nil && m[0] == literal {
		row, err := strconv.Atoi(m[2])
		if err != nil {
			return Token{}, false
		}
		return Token{ToolCallID: m[1], RowIndex: row, Column: m[3]}, true
	}
	return Token{}, false
}

// Extract returns the placeholders appearing in text, deduplicated, in order
// of first occurrence. Re-running on the same text yields the same result.
func Extract(text string) []Token {
	type hit struct {
		pos   int
		token Token
	}
	var hits []hit

	for _, m := range wireTokenRegex.FindAllStringSubmatchIndex(text, -1) {
		literal := text[m[0]:m[1]]
		if tok, ok := Parse(literal); ok {
			hits = append(hits, hit{pos: m[0], token: tok})
		}
	}
	for _, m := range modelTokenRegex.FindAllStringSubmatchIndex(text, -1) {
		literal := text[m[0]:m[1]]
		if tok, ok := Parse(literal); ok {
			hits = append(hits, hit{pos: m[0], token: tok})
		}
	}

	// The two passes can't overlap (a wire match contains ':', a model match
	// can't), so sorting by position gives first-occurrence order.
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}

	seen := make(map[string]bool, len(hits))
	tokens := make([]Token, 0, len(hits))
	for _, h := range hits {
		key := h.token.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		tokens = append(tokens, h.token)
	}
	return tokens
}

// Body returns the token without braces, in its current form.
func (t Token) Body() string {
	var b strings.Builder
	if t.ServerKey != "" {
		b.WriteString(t.ServerKey)
		b.WriteByte(':')
	}
	b.WriteString(t.ToolCallID)
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(t.RowIndex))
	b.WriteByte('.')
	b.WriteString(t.Column)
	return b.String()
}

// String returns the braced literal in its current form.
func (t Token) String() string {
	return "{" + t.Body() + "}"
}

// ModelForm returns the braced literal with any server-key prefix stripped.
func (t Token) ModelForm() string {
	stripped := t
	stripped.ServerKey = ""
	return stripped.String()
}

// WireForm returns the braced literal with a server-key prefix. A token that
// already carries a key keeps it; otherwise owner is injected.
func (t Token) WireForm(owner string) string {
	prefixed := t
	if prefixed.ServerKey == "" {
		prefixed.ServerKey = owner
	}
	return prefixed.String()
}

// ToWireForm injects owner's server key into a placeholder literal that lacks
// one. Literals that don't parse as placeholders are returned unchanged.
func ToWireForm(literal, owner string) string {
	tok, ok := Parse(literal)
	if !ok {
		return literal
	}
	return tok.WireForm(owner)
}

// ToModelForm strips any server-key prefix from a placeholder literal.
// Literals that don't parse as placeholders are returned unchanged.
// For any unprefixed literal t and key k, ToModelForm(ToWireForm(t, k)) == t.
func ToModelForm(literal string) string {
	tok, ok := Parse(literal)
	if !ok {
		return literal
	}
	return tok.ModelForm()
}

// Substitute replaces every placeholder in text whose body keys the resolved
// map with its value. The text is walked once, left to right, and injected
// values are never rescanned, so the output does not depend on map iteration
// order even when a resolved value happens to contain another placeholder's
// literal. Tokens absent from the map are left untouched. Substitute never
// fails.
func Substitute(text string, resolved map[string]string) string {
	if len(resolved) == 0 {
		return text
	}

	type span struct {
		start, end int
		value      string
	}
	var spans []span
	collect := func(re *regexp.Regexp) {
		for _, m := range re.FindAllStringIndex(text, -1) {
			tok, ok := Parse(text[m[0]:m[1]])
			if !ok {
				continue
			}
			if value, found := resolved[tok.Body()]; found {
				spans = append(spans, span{start: m[0], end: m[1], value: value})
			}
		}
	}
	collect(wireTokenRegex)
	collect(modelTokenRegex)
	if len(spans) == 0 {
		return text
	}

	// The two regexes can't overlap, so position order is total.
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })

	var b strings.Builder
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s.start])
		b.WriteString(s.value)
		last = s.end
	}
	b.WriteString(text[last:])
	return b.String()
}
