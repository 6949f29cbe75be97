package app

import (
	"sync/atomic"

	"github.com/MrWong99/kotoba/internal/config"
	"github.com/MrWong99/kotoba/internal/profile"
)

// Profiles is a [profile.Resolver] that can be swapped at runtime. Readers
// always see one complete profile set.
type Profiles struct {
	cur atomic.Pointer[profile.Resolver]
}

// LoadProfiles loads the profile directory named by cfg.
func LoadProfiles(cfg config.ProfilesConfig) (*Profiles, error) {
	p := &Profiles{}
	if err := p.Reload(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the profile directory. On error the previous profiles stay
// active.
func (p *Profiles) Reload(cfg config.ProfilesConfig) error {
	r, err := profile.LoadDir(cfg.Dir, profile.WithDefaultPersona(cfg.DefaultPersona))
	if err != nil {
		return err
	}
	p.cur.Store(r)
	return nil
}

// Persona returns the rendered persona of npcID.
func (p *Profiles) Persona(npcID string) string { return p.cur.Load().Persona(npcID) }

// Profile returns the resolved profile of npcID.
func (p *Profiles) Profile(npcID string) (profile.Profile, bool) { return p.cur.Load().Profile(npcID) }

// IDs returns every known profile id, sorted.
func (p *Profiles) IDs() []string { return p.cur.Load().IDs() }
