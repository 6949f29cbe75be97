// Package parse turns raw backend completions into cleaned, validated NPC
// responses.
//
// Parsing runs in three stages. A backend-specific [Strategy] separates the
// answer from any reasoning section, a shared cleaning stage strips chat
// template debris and normalizes whitespace, and validation flags answers
// that are too short or too long. Callers treat an invalid [Response] like a
// failed backend call.
package parse

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MinLength is the shortest valid response, in runes.
	MinLength = 10

	// DefaultMaxLength is the longest valid response, in runes.
	DefaultMaxLength = 2000
)

// Reasons reported under the "invalid_reason" metadata key.
const (
	ReasonTooShort = "too_short"
	ReasonTooLong  = "too_long"
)

// Response is the parsed form of one completion.
type Response struct {
	Text      string         `json:"text"`
	Reasoning string         `json:"reasoning,omitempty"`
	Metadata  map[string]any `json:"metadata"`
	Valid     bool           `json:"valid"`
}

// Parser applies the registered strategy for a backend, then cleans and
// validates the result. It is safe for concurrent use.
type Parser struct {
	registry  *Registry
	maxLength int
}

// Option configures a [Parser].
type Option func(*Parser)

// WithMaxLength overrides [DefaultMaxLength].
func WithMaxLength(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxLength = n
		}
	}
}

// New creates a Parser over registry. A nil registry means [NewRegistry].
func New(registry *Registry, opts ...Option) *Parser {
	if registry == nil {
		registry = NewRegistry()
	}
	p := &Parser{registry: registry, maxLength: DefaultMaxLength}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Parse resolves the strategy for backendID and parses raw.
func (p *Parser) Parse(raw, backendID string) Response {
	return p.Bind(backendID).Parse(raw)
}

// Bind resolves the strategy for backendID once and returns a parser
// pinned to it.
func (p *Parser) Bind(backendID string) Bound {
	return Bound{strategy: p.registry.For(backendID), maxLength: p.maxLength}
}

// Bound parses with a fixed strategy.
type Bound struct {
	strategy  Strategy
	maxLength int
}

// Strategy returns the name of the pinned strategy.
func (b Bound) Strategy() string { return b.strategy.Name() }

// Parse runs all three stages over raw.
func (b Bound) Parse(raw string) Response {
	text, reasoning := b.strategy.Format(raw)
	text = Clean(text)

	resp := Response{
		Text:      text,
		Reasoning: reasoning,
		Metadata:  Describe(text),
		Valid:     true,
	}
	resp.Metadata["strategy"] = b.strategy.Name()

	switch n := utf8.RuneCountInString(text); {
	case n < MinLength:
		resp.Valid = false
		resp.Metadata["invalid_reason"] = ReasonTooShort
	case n > b.maxLength:
		resp.Valid = false
		resp.Metadata["invalid_reason"] = ReasonTooLong
	}
	return resp
}

// ── Cleaning ────────────────────────────────────────────────────────────────

var systemTokens = []string{
	"<assistant>",
	"</assistant>",
	"Assistant:",
	"AI:",
}

// controlToken matches chat template markers such as <|im_end|>.
var controlToken = regexp.MustCompile(`<\|[^|<>]*\|>`)

// Clean removes reasoning blocks and stray reasoning tags, system tokens and
// control markers, collapses whitespace inside each line, and drops blank
// lines.
func Clean(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = reasoningBlock.ReplaceAllString(s, "")
	s = reasoningOpen.ReplaceAllString(s, "")
	s = reasoningClose.ReplaceAllString(s, "")
	for _, tok := range systemTokens {
		s = strings.ReplaceAll(s, tok, "")
	}
	s = controlToken.ReplaceAllString(s, "")

	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if norm := strings.Join(strings.Fields(line), " "); norm != "" {
			kept = append(kept, norm)
		}
	}
	return strings.Join(kept, "\n")
}
