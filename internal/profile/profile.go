// Package profile loads NPC personas from a directory of YAML or JSON files
// and renders them into prompt text.
//
// Profiles may extend other profiles. Inheritance is resolved once when the
// directory is loaded; the resulting [Resolver] is immutable and safe for
// concurrent use.
package profile

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// DefaultPersona is returned for NPCs without a profile.
const DefaultPersona = "You are a friendly NPC in a Japanese train station who helps travellers practise simple Japanese."

// Profile describes one NPC.
type Profile struct {
	ID                string             `yaml:"profile_id" json:"profile_id"`
	Name              string             `yaml:"name" json:"name"`
	Role              string             `yaml:"role" json:"role"`
	Backstory         string             `yaml:"backstory" json:"backstory"`
	PersonalityTraits map[string]float64 `yaml:"personality_traits" json:"personality_traits"`
	KnowledgeAreas    []string           `yaml:"knowledge_areas" json:"knowledge_areas"`
	Extends           []string           `yaml:"extends" json:"extends"`
	ResponseFormat    map[string]string  `yaml:"response_format" json:"response_format"`
}

// Persona renders p as prompt text.
func (p Profile) Persona() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a %s.", orDefault(p.Name, p.ID), orDefault(p.Role, "character"))
	if b := strings.TrimSpace(p.Backstory); b != "" {
		sb.WriteString(" ")
		sb.WriteString(b)
	}
	if len(p.PersonalityTraits) > 0 {
		sb.WriteString("\n\nYour personality traits are:")
		for _, trait := range slices.Sorted(maps.Keys(p.PersonalityTraits)) {
			fmt.Fprintf(&sb, "\n- %s: %s", trait, strconv.FormatFloat(p.PersonalityTraits[trait], 'g', -1, 64))
		}
	}
	if len(p.KnowledgeAreas) > 0 {
		sb.WriteString("\n\nYou are knowledgeable about: ")
		sb.WriteString(strings.Join(p.KnowledgeAreas, ", "))
	}
	return sb.String()
}

// merge returns base overlaid with child. Child scalars win when
// non-empty, maps merge key by key, and lists are unioned in order.
func merge(base, child Profile) Profile {
	out := Profile{
		ID:                child.ID,
		Name:              orDefault(child.Name, base.Name),
		Role:              orDefault(child.Role, base.Role),
		Backstory:         orDefault(child.Backstory, base.Backstory),
		PersonalityTraits: mergeMaps(base.PersonalityTraits, child.PersonalityTraits),
		KnowledgeAreas:    union(base.KnowledgeAreas, child.KnowledgeAreas),
		Extends:           slices.Clone(child.Extends),
		ResponseFormat:    mergeMaps(base.ResponseFormat, child.ResponseFormat),
	}
	return out
}

func mergeMaps[V any](base, child map[string]V) map[string]V {
	if len(base) == 0 && len(child) == 0 {
		return nil
	}
	out := make(map[string]V, len(base)+len(child))
	maps.Copy(out, base)
	maps.Copy(out, child)
	return out
}

func union(a, b []string) []string {
	var out []string
	seen := make(map[string]bool, len(a)+len(b))
	for _, s := range slices.Concat(a, b) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
