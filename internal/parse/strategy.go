package parse

import (
	"regexp"
	"strings"
	"sync"
)

// Strategy separates a completion into answer text and reasoning.
type Strategy interface {
	// Name identifies the strategy in metadata and logs.
	Name() string

	// Format returns the answer text and the reasoning section, which is
	// empty when the backend emitted none.
	Format(raw string) (text, reasoning string)
}

var (
	_ Strategy = Default{}
	_ Strategy = TaggedReasoning{}
)

// Default trims the completion and reports no reasoning.
type Default struct{}

// Name implements [Strategy].
func (Default) Name() string { return "default" }

// Format implements [Strategy].
func (Default) Format(raw string) (string, string) {
	return strings.TrimSpace(raw), ""
}

// TaggedReasoning extracts <think>...</think> and <thinking>...</thinking>
// blocks, as emitted by reasoning models such as DeepSeek-R1 and QwQ.
type TaggedReasoning struct{}

var (
	reasoningBlock = regexp.MustCompile(`(?is)<(think|thinking)>(.*?)</(?:think|thinking)>`)
	reasoningOpen  = regexp.MustCompile(`(?i)<think(?:ing)?>`)
	reasoningClose = regexp.MustCompile(`(?i)</think(?:ing)?>`)
)

// Name implements [Strategy].
func (TaggedReasoning) Name() string { return "tagged_reasoning" }

// Format implements [Strategy]. Every closed block is moved to the reasoning
// section in order. A closing tag left over from nested blocks ends the
// reasoning there, and an opening tag left unclosed swallows the rest of the
// completion.
func (TaggedReasoning) Format(raw string) (string, string) {
	var sections []string
	text := reasoningBlock.ReplaceAllStringFunc(raw, func(block string) string {
		m := reasoningBlock.FindStringSubmatch(block)
		sections = append(sections, trimLines(m[2]))
		return ""
	})

	if all := reasoningClose.FindAllStringIndex(text, -1); len(all) > 0 {
		last := all[len(all)-1]
		sections = append(sections, trimLines(reasoningClose.ReplaceAllString(text[:last[0]], "")))
		text = text[last[1]:]
	}

	if loc := reasoningOpen.FindStringIndex(text); loc != nil {
		sections = append(sections, trimLines(text[loc[1]:]))
		text = text[:loc[0]]
	}

	var nonEmpty []string
	for _, s := range sections {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.TrimSpace(text), strings.Join(nonEmpty, "\n")
}

func trimLines(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.Join(lines, "\n")
}

// Registry maps backend or model ids to strategies. A key matches an id that
// equals it or starts with it; the longest matching key wins. Unmatched ids
// get the fallback strategy.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	fallback   Strategy
}

// NewRegistry returns a Registry whose fallback is [TaggedReasoning]. Any
// model may emit reasoning tags, so only ids registered explicitly get
// another strategy.
func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy), fallback: TaggedReasoning{}}
}

// Register binds key to s, replacing any previous binding.
func (r *Registry) Register(key string, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[strings.ToLower(key)] = s
}

// SetFallback replaces the strategy used for unmatched ids.
func (r *Registry) SetFallback(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = s
}

// For returns the strategy for id.
func (r *Registry) For(id string) Strategy {
	id = strings.ToLower(id)
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.strategies[id]; ok {
		return s
	}
	var (
		best    Strategy
		bestLen int
	)
	for key, s := range r.strategies {
		if len(key) > bestLen && strings.HasPrefix(id, key) {
			best, bestLen = s, len(key)
		}
	}
	if best != nil {
		return best
	}
	return r.fallback
}
