package knowledge

import (
	"slices"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

// Latin tokens of at least fuzzyMinLen runes that miss exactly still earn
// half a hit when a snippet token is within fuzzyThreshold Jaro-Winkler
// similarity. This keeps romaji typos ("shinjku") searchable.
const (
	fuzzyMinLen    = 4
	fuzzyThreshold = 0.92
)

// keywordSearch scores snippets by token overlap with query plus a bonus
// for whole-query substring hits. It is deterministic: equal scores are
// ordered by snippet id.
func keywordSearch(snapshot []Snippet, query string, filters Filters, maxResults int) []Snippet {
	q := normalizeQuery(query)
	qTokens := tokenize(q)
	if len(qTokens) == 0 {
		return nil
	}

	var out []Snippet
	for _, s := range snapshot {
		if len(filters) > 0 && !filters.Matches(s.Metadata) {
			continue
		}
		text := strings.ToLower(s.Text)
		tTokens := make(map[string]bool)
		for _, t := range tokenize(text) {
			tTokens[t] = true
		}

		hits := 0.0
		for _, t := range qTokens {
			switch {
			case tTokens[t] || (isCJK(t) && strings.Contains(text, t)):
				hits++
			case fuzzyHit(t, tTokens):
				hits += 0.5
			}
		}
		score := hits / float64(len(qTokens))
		if strings.Contains(text, q) {
			score = (score + 1) / 2
		}
		if score <= 0 {
			continue
		}
		out = append(out, s.WithScore(clamp(score)))
	}

	sortSnippets(out)
	if len(out) > maxResults {
		out = out[:maxResults]
	}
	return out
}

// tokenize splits on anything that is not a letter or digit. Runs of CJK
// characters are further split into single characters so Japanese text
// without spaces still overlaps.
func tokenize(s string) []string {
	var tokens []string
	seen := make(map[string]bool)
	add := func(t string) {
		if t != "" && !seen[t] {
			seen[t] = true
			tokens = append(tokens, t)
		}
	}
	for _, field := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		var latin strings.Builder
		for _, r := range field {
			if isCJKRune(r) {
				add(latin.String())
				latin.Reset()
				add(string(r))
				continue
			}
			latin.WriteRune(r)
		}
		add(latin.String())
	}
	return tokens
}

func fuzzyHit(token string, candidates map[string]bool) bool {
	if isCJK(token) || len([]rune(token)) < fuzzyMinLen {
		return false
	}
	for c := range candidates {
		if len([]rune(c)) >= fuzzyMinLen && !isCJK(c) && matchr.JaroWinkler(token, c, false) >= fuzzyThreshold {
			return true
		}
	}
	return false
}

func isCJKRune(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana)
}

func isCJK(t string) bool {
	for _, r := range t {
		return isCJKRune(r)
	}
	return false
}

func clamp(f float64) float64 {
	return min(max(f, 0), 1)
}

func sortSnippets(s []Snippet) {
	slices.SortStableFunc(s, func(a, b Snippet) int {
		sa, sb := score(a), score(b)
		switch {
		case sa > sb:
			return -1
		case sa < sb:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func score(s Snippet) float64 {
	if s.Score == nil {
		return 0
	}
	return *s.Score
}
