package prompt_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/MrWong99/kotoba/internal/history"
	"github.com/MrWong99/kotoba/internal/knowledge"
	"github.com/MrWong99/kotoba/internal/prompt"
)

func turns(n int) []history.Turn {
	out := make([]history.Turn, n)
	for i := range out {
		out[i] = history.Turn{
			Query:    fmt.Sprintf("question number %d about the station", i),
			Response: fmt.Sprintf("answer number %d: えきは あそこです (the station is over there)", i),
		}
	}
	return out
}

func snippets(n int) []knowledge.Snippet {
	out := make([]knowledge.Snippet, n)
	for i := range out {
		out[i] = knowledge.Snippet{
			ID:   fmt.Sprintf("s%d", i),
			Text: fmt.Sprintf("snippet %d: %s", i, strings.Repeat("lore ", 20)),
		}
	}
	return out
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 1},
		{"abc", 1},
		{"abcdefgh", 2},
		{"こんにちは、げんきですか", 3}, // 12 runes, not 36 bytes
	}
	for _, tt := range tests {
		if got := prompt.EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestAssemble_SectionOrder(t *testing.T) {
	a := prompt.NewAssembler()
	p := a.Assemble(prompt.Context{
		Persona:   "You are Yuki, a station attendant.",
		History:   turns(1),
		Knowledge: snippets(1),
		Utterance: "Where is the ticket gate?",
		GameContext: map[string]any{
			"player_location": "Shinjuku",
			"language_proficiency": map[string]any{
				"japanese": "beginner",
				"english":  "native",
			},
		},
	}, 0)

	order := []string{
		"CRITICAL RESPONSE CONSTRAINTS:",
		"NPC Profile:\nYou are Yuki",
		"Current game context:\n- Player location: Shinjuku\n- Language proficiency:\n  - english: native\n  - japanese: beginner",
		"Relevant knowledge:\n- snippet 0",
		"Previous conversation:\nPlayer: question number 0",
		"Player: Where is the ticket gate?\nNPC:",
	}
	last := -1
	for _, part := range order {
		i := strings.Index(p.Text, part)
		if i < 0 {
			t.Fatalf("prompt missing %q:\n%s", part, p.Text)
		}
		if i <= last {
			t.Errorf("%q out of order", part)
		}
		last = i
	}
	if !strings.HasSuffix(p.Text, "NPC:") {
		t.Error("prompt must end with the NPC cue")
	}
	if p.Tokens != prompt.EstimateTokens(p.Text) {
		t.Errorf("Tokens = %d, want estimate of text", p.Tokens)
	}
}

func TestAssemble_OmitsEmptySections(t *testing.T) {
	p := prompt.NewAssembler().Assemble(prompt.Context{Utterance: "hello"}, prompt.DefaultBudget)
	for _, absent := range []string{"NPC Profile:", "Current game context:", "Relevant knowledge:", "Previous conversation:"} {
		if strings.Contains(p.Text, absent) {
			t.Errorf("prompt unexpectedly contains %q", absent)
		}
	}
}

func TestAssemble_BudgetInvariant(t *testing.T) {
	a := prompt.NewAssembler()
	base := a.Assemble(prompt.Context{Persona: "You are Yuki.", Utterance: "hi"}, 0).Tokens

	for _, budget := range []int{base, base + 20, base + 60, base + 150, base + 400, prompt.DefaultBudget} {
		t.Run(fmt.Sprintf("budget=%d", budget), func(t *testing.T) {
			p := a.Assemble(prompt.Context{
				Persona:   "You are Yuki.",
				History:   turns(8),
				Knowledge: snippets(5),
				Utterance: "hi",
			}, budget)
			if p.Tokens > budget {
				t.Errorf("Tokens = %d exceeds budget %d", p.Tokens, budget)
			}
		})
	}
}

func TestAssemble_DropsSnippetsBeforeTurns(t *testing.T) {
	a := prompt.NewAssembler()
	ctx := prompt.Context{Utterance: "hi", History: turns(3), Knowledge: snippets(3)}
	full := a.Assemble(ctx, 0)

	// Just enough room to lose one snippet.
	p := a.Assemble(ctx, full.Tokens-5)
	if len(p.Knowledge) != 2 || len(p.History) != 3 {
		t.Fatalf("kept %d snippets and %d turns, want 2 and 3", len(p.Knowledge), len(p.History))
	}
	if p.Knowledge[1].ID != "s1" {
		t.Errorf("dropped the wrong snippet: kept %v", p.Knowledge)
	}

	// No knowledge fits: turns go oldest first.
	noKnowledge := a.Assemble(prompt.Context{Utterance: "hi", History: turns(3)}, 0)
	p = a.Assemble(ctx, noKnowledge.Tokens-5)
	if len(p.Knowledge) != 0 {
		t.Fatalf("kept %d snippets, want 0", len(p.Knowledge))
	}
	if len(p.History) != 2 || p.History[0].Query != turns(3)[1].Query {
		t.Errorf("history after trim = %+v, want the two newest turns", p.History)
	}
}

func TestAssemble_NeverCutsEssentials(t *testing.T) {
	a := prompt.NewAssembler()
	long := strings.Repeat("とても ながい しつもん ", 100)
	p := a.Assemble(prompt.Context{
		Persona:   "You are Yuki.",
		Utterance: long,
		History:   turns(2),
		Knowledge: snippets(2),
	}, 10)

	if len(p.History) != 0 || len(p.Knowledge) != 0 {
		t.Error("optional context should be dropped entirely")
	}
	for _, want := range []string{a.Preamble(), "You are Yuki.", strings.TrimSpace(long)} {
		if !strings.Contains(p.Text, want) {
			t.Errorf("essential part %.30q was cut", want)
		}
	}
}

func TestAssemble_DoesNotMutateInput(t *testing.T) {
	hist := turns(4)
	know := snippets(4)
	prompt.NewAssembler().Assemble(prompt.Context{Utterance: "hi", History: hist, Knowledge: know}, 50)
	if len(hist) != 4 || hist[0].Query != turns(1)[0].Query || len(know) != 4 {
		t.Error("Assemble mutated its input")
	}
}

func TestWithLanguageLevel(t *testing.T) {
	a := prompt.NewAssembler(prompt.WithLanguageLevel("n4"))
	if !strings.Contains(a.Preamble(), "Strictly JLPT N4") {
		t.Errorf("preamble does not name N4:\n%s", a.Preamble())
	}
	if strings.Contains(a.Preamble(), "JLPT N5 GUIDELINES") {
		t.Error("N5 guidelines should only appear at N5")
	}
	if !strings.Contains(prompt.NewAssembler().Preamble(), "JLPT N5 GUIDELINES") {
		t.Error("default preamble should carry the N5 guidelines")
	}
}
