package knowledge

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// typeIntents assigns a default intent to snippets by their type.
var typeIntents = map[string]string{
	"language_learning": "vocabulary_help",
	"grammar":           "grammar_explanation",
	"location":          "direction_guidance",
	"quest":             "direction_guidance",
	"gameplay_mechanic": "general_hint",
	"character":         "general_hint",
}

// fileEntry is one item of a knowledge file.
type fileEntry struct {
	ID               string   `json:"id" yaml:"id"`
	Title            string   `json:"title" yaml:"title"`
	Content          string   `json:"content" yaml:"content"`
	Type             string   `json:"type" yaml:"type"`
	Importance       string   `json:"importance" yaml:"importance"`
	RelatedNPCs      []string `json:"related_npcs" yaml:"related_npcs"`
	RelatedLocations []string `json:"related_locations" yaml:"related_locations"`
	Intent           string   `json:"intent" yaml:"intent"`
}

// LoadFiles reads snippets from JSON or YAML files, each holding a list of
// entries. Entries without an id get "<file stem>_<n>"; entries without
// content are skipped.
func LoadFiles(paths ...string) ([]Snippet, error) {
	var out []Snippet
	seen := make(map[string]string)
	for _, p := range paths {
		snippets, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		for _, s := range snippets {
			if prev, dup := seen[s.ID]; dup {
				return nil, fmt.Errorf("knowledge: snippet id %q defined in %s and %s", s.ID, prev, p)
			}
			seen[s.ID] = p
		}
		out = append(out, snippets...)
	}
	return out, nil
}

// LoadFile reads snippets from one file. The format follows the extension:
// .json, or .yaml/.yml.
func LoadFile(path string) ([]Snippet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: read %s: %w", path, err)
	}

	var entries []fileEntry
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&entries)
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&entries)
	default:
		return nil, fmt.Errorf("knowledge: %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: parse %s: %w", path, err)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := make([]Snippet, 0, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Content) == "" {
			continue
		}
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("%s_%d", stem, i+1)
		}
		out = append(out, Snippet{ID: id, Text: e.Content, Metadata: e.metadata()})
	}
	return out, nil
}

func (e fileEntry) metadata() map[string]any {
	md := map[string]any{
		"type":       orDefault(e.Type, "general"),
		"importance": orDefault(e.Importance, "medium"),
		"source":     e.Title,
	}
	intent := e.Intent
	if intent == "" {
		intent = typeIntents[e.Type]
	}
	if intent != "" {
		md["intent"] = intent
	}
	if len(e.RelatedNPCs) > 0 {
		md["related_npcs"] = toAny(e.RelatedNPCs)
	}
	if len(e.RelatedLocations) > 0 {
		md["related_locations"] = toAny(e.RelatedLocations)
	}
	return md
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
