// Package prompt renders the text sent to a generation backend from the
// persona, game context, retrieved knowledge, conversation history and the
// player's utterance, trimmed to a token budget.
//
// The assembler is pure: it performs no I/O and is safe for concurrent use.
package prompt

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/kotoba/internal/history"
	"github.com/MrWong99/kotoba/internal/knowledge"
)

// CharsPerToken is the average number of characters per token used by
// [EstimateTokens].
const CharsPerToken = 4

// DefaultBudget is the prompt token budget used when none is configured.
const DefaultBudget = 800

// DefaultLanguageLevel is the JLPT level the NPC is told to speak at.
const DefaultLanguageLevel = "N5"

// Context is everything a prompt is built from.
type Context struct {
	Persona     string
	History     []history.Turn
	Knowledge   []knowledge.Snippet
	Utterance   string
	GameContext map[string]any
}

// Prompt is an assembled prompt together with the context that survived
// trimming.
type Prompt struct {
	Text      string
	Tokens    int
	Knowledge []knowledge.Snippet
	History   []history.Turn
}

// EstimateTokens approximates the token count of text from its rune length.
// It never returns less than 1.
func EstimateTokens(text string) int {
	return max(1, utf8.RuneCountInString(text)/CharsPerToken)
}

// Assembler builds prompts.
type Assembler struct {
	level    string
	preamble string
}

// Option configures an [Assembler].
type Option func(*Assembler)

// WithLanguageLevel sets the JLPT level named in the preamble, e.g. "N4".
func WithLanguageLevel(level string) Option {
	return func(a *Assembler) {
		if level = strings.TrimSpace(level); level != "" {
			a.level = strings.ToUpper(level)
		}
	}
}

// NewAssembler returns an Assembler.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{level: DefaultLanguageLevel}
	for _, o := range opts {
		o(a)
	}
	a.preamble = preamble(a.level)
	return a
}

// Assemble renders c. While the estimate exceeds budget, the last (least
// relevant) snippet is dropped first, then the oldest turn. The preamble,
// persona and utterance are never cut, so the result can still exceed the
// budget when nothing is left to drop. A budget <= 0 disables trimming.
func (a *Assembler) Assemble(c Context, budget int) Prompt {
	snippets := slices.Clone(c.Knowledge)
	turns := slices.Clone(c.History)

	for {
		text := a.render(c, snippets, turns)
		tokens := EstimateTokens(text)
		if budget <= 0 || tokens <= budget || (len(snippets) == 0 && len(turns) == 0) {
			return Prompt{Text: text, Tokens: tokens, Knowledge: snippets, History: turns}
		}
		if len(snippets) > 0 {
			snippets = snippets[:len(snippets)-1]
		} else {
			turns = turns[1:]
		}
	}
}

// Preamble returns the fixed instructions that open every prompt.
func (a *Assembler) Preamble() string { return a.preamble }

func (a *Assembler) render(c Context, snippets []knowledge.Snippet, turns []history.Turn) string {
	parts := []string{a.preamble}

	if p := strings.TrimSpace(c.Persona); p != "" {
		parts = append(parts, "NPC Profile:\n"+p)
	}
	if gc := formatGameContext(c.GameContext); gc != "" {
		parts = append(parts, gc)
	}
	if len(snippets) > 0 {
		var sb strings.Builder
		sb.WriteString("Relevant knowledge:")
		for _, s := range snippets {
			sb.WriteString("\n- ")
			sb.WriteString(strings.TrimSpace(s.Text))
		}
		parts = append(parts, sb.String())
	}
	if len(turns) > 0 {
		var sb strings.Builder
		sb.WriteString("Previous conversation:")
		for _, t := range turns {
			fmt.Fprintf(&sb, "\nPlayer: %s\nNPC: %s", t.Query, t.Response)
		}
		parts = append(parts, sb.String())
	}
	parts = append(parts, fmt.Sprintf("Player: %s\nNPC:", strings.TrimSpace(c.Utterance)))

	return strings.Join(parts, "\n\n")
}

// formatGameContext renders the known keys first, then any extras sorted by
// key. Returns "" when there is nothing to render.
func formatGameContext(gc map[string]any) string {
	if len(gc) == 0 {
		return ""
	}
	var lines []string
	if loc, ok := gc["player_location"]; ok && fmt.Sprint(loc) != "" {
		lines = append(lines, fmt.Sprintf("- Player location: %v", loc))
	}
	if prof, ok := gc["language_proficiency"].(map[string]any); ok && len(prof) > 0 {
		lines = append(lines, "- Language proficiency:")
		for _, lang := range slices.Sorted(maps.Keys(prof)) {
			lines = append(lines, fmt.Sprintf("  - %s: %v", lang, prof[lang]))
		}
	}
	for _, k := range slices.Sorted(maps.Keys(gc)) {
		if k == "player_location" || k == "language_proficiency" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %v", k, gc[k]))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Current game context:\n" + strings.Join(lines, "\n")
}

func preamble(level string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `CRITICAL RESPONSE CONSTRAINTS:
1. Length: Keep responses under 3 sentences
2. Language Level: Strictly JLPT %s vocabulary and grammar only
3. Format: Always include both Japanese and English
4. Style: Simple, friendly, and encouraging`, level)

	if level == "N5" {
		sb.WriteString(`

JLPT N5 GUIDELINES:
- Use only basic particles: は, が, を, に, で, へ
- Basic verbs: います, あります, いきます, みます
- Simple adjectives: いい, おおきい, ちいさい
- Common nouns: でんしゃ, えき, きっぷ
- Basic greetings: こんにちは, すみません`)
	}
	return sb.String()
}
