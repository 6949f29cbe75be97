package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Resolver looks up rendered personas by NPC id.
type Resolver struct {
	profiles map[string]Profile
	personas map[string]string
	fallback string
}

// ResolverOption configures a [Resolver].
type ResolverOption func(*Resolver)

// WithDefaultPersona sets the persona returned for unknown NPCs.
func WithDefaultPersona(persona string) ResolverOption {
	return func(r *Resolver) {
		if strings.TrimSpace(persona) != "" {
			r.fallback = persona
		}
	}
}

// LoadDir parses every .yaml, .yml and .json file in dir and resolves
// inheritance. An empty dir yields a Resolver that only knows the default
// persona.
func LoadDir(dir string, opts ...ResolverOption) (*Resolver, error) {
	var raw []Profile
	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("profile: read dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".yaml", ".yml", ".json":
			default:
				continue
			}
			p, err := loadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			raw = append(raw, p)
		}
	}
	return NewResolver(raw, opts...)
}

func loadFile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: read %s: %w", path, err)
	}
	var p Profile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&p)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&p)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	if p.ID == "" {
		return Profile{}, fmt.Errorf("profile: %s: profile_id is required", path)
	}
	return p, nil
}

// NewResolver resolves inheritance across profiles. Duplicate ids, unknown
// bases and cycles are errors; all problems are reported together.
func NewResolver(profiles []Profile, opts ...ResolverOption) (*Resolver, error) {
	byID := make(map[string]Profile, len(profiles))
	var errs []error
	for _, p := range profiles {
		if _, dup := byID[p.ID]; dup {
			errs = append(errs, fmt.Errorf("profile: duplicate profile_id %q", p.ID))
			continue
		}
		byID[p.ID] = p
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(byID))
	resolved := make(map[string]Profile, len(byID))
	failed := make(map[string]error)

	var resolve func(id string, path []string) (Profile, error)
	resolve = func(id string, path []string) (p Profile, err error) {
		switch state[id] {
		case done:
			return resolved[id], failed[id]
		case visiting:
			return Profile{}, fmt.Errorf("profile: inheritance cycle %s", strings.Join(append(path, id), " -> "))
		}
		state[id] = visiting
		defer func() {
			state[id] = done
			if err != nil {
				failed[id] = err
			}
		}()
		p = byID[id]

		var acc Profile
		for i, baseID := range p.Extends {
			if _, ok := byID[baseID]; !ok {
				return Profile{}, fmt.Errorf("profile: %q extends unknown profile %q", id, baseID)
			}
			base, err := resolve(baseID, append(slices.Clone(path), id))
			if err != nil {
				return Profile{}, err
			}
			if i == 0 {
				acc = base
			} else {
				acc = merge(acc, base)
			}
		}
		out := merge(acc, p)
		resolved[id] = out
		return out, nil
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if _, err := resolve(id, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	r := &Resolver{
		profiles: resolved,
		personas: make(map[string]string, len(resolved)),
		fallback: DefaultPersona,
	}
	for _, o := range opts {
		o(r)
	}
	for id, p := range resolved {
		r.personas[id] = p.Persona()
	}
	return r, nil
}

// Persona returns the rendered persona of npcID, or the default persona for
// an unknown or empty id.
func (r *Resolver) Persona(npcID string) string {
	if p, ok := r.personas[npcID]; ok {
		return p
	}
	return r.fallback
}

// Profile returns the resolved profile of npcID.
func (r *Resolver) Profile(npcID string) (Profile, bool) {
	p, ok := r.profiles[npcID]
	return p, ok
}

// IDs returns every known profile id, sorted.
func (r *Resolver) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
