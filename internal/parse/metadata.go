package parse

import (
	"regexp"
	"strings"
	"unicode"
)

// EmotionNeutral is reported when no action marker matches.
const EmotionNeutral = "neutral"

var actionMarker = regexp.MustCompile(`\*([^*\n]+)\*`)

// emotionKeywords is checked in order; the first keyword found in an action
// marker decides the emotion.
var emotionKeywords = []struct {
	emotion  string
	keywords []string
}{
	{"excited", []string{"excited", "bounce", "jump", "intensifies"}},
	{"happy", []string{"happy", "smile", "grin", "laugh", "wag", "beam", "chuckle"}},
	{"concerned", []string{"concern", "worr", "whimper", "frown", "flatten", "sigh"}},
	{"sad", []string{"sad", "cry", "tear", "droop"}},
	{"surprised", []string{"gasp", "surprise", "startle", "blink"}},
	{"thoughtful", []string{"thought", "think", "ponder", "contemplat", "tilt", "hmm"}},
}

// ScriptCounts counts Japanese characters by script.
type ScriptCounts struct {
	Hiragana int `json:"hiragana"`
	Katakana int `json:"katakana"`
	Kanji    int `json:"kanji"`
}

// Total returns the number of Japanese characters counted.
func (c ScriptCounts) Total() int { return c.Hiragana + c.Katakana + c.Kanji }

// CountScripts counts hiragana, katakana, and kanji runes in s.
func CountScripts(s string) ScriptCounts {
	var c ScriptCounts
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Hiragana, r):
			c.Hiragana++
		case unicode.Is(unicode.Katakana, r):
			c.Katakana++
		case unicode.Is(unicode.Han, r):
			c.Kanji++
		}
	}
	return c
}

// Actions returns the contents of every *action* marker in s.
func Actions(s string) []string {
	var out []string
	for _, m := range actionMarker.FindAllStringSubmatch(s, -1) {
		if a := strings.TrimSpace(m[1]); a != "" {
			out = append(out, a)
		}
	}
	return out
}

// DetectEmotion maps action markers to an emotion tag.
func DetectEmotion(actions []string) string {
	for _, a := range actions {
		a = strings.ToLower(a)
		for _, e := range emotionKeywords {
			for _, kw := range e.keywords {
				if strings.Contains(a, kw) {
					return e.emotion
				}
			}
		}
	}
	return EmotionNeutral
}

// Describe builds the metadata map for cleaned response text.
func Describe(text string) map[string]any {
	scripts := CountScripts(text)
	actions := Actions(text)
	md := map[string]any{
		"contains_japanese": scripts.Total() > 0,
		"script":            scripts,
		"emotion":           DetectEmotion(actions),
	}
	if len(actions) > 0 {
		md["actions"] = actions
	}
	return md
}
