package processor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/kotoba/internal/backend"
	"github.com/MrWong99/kotoba/internal/knowledge"
)

// ErrInvalidRequest is wrapped by every [Request.Validate] failure.
var ErrInvalidRequest = errors.New("processor: invalid request")

// Metadata keys read from [Request.Metadata].
const (
	MetaGameContext         = "game_context"
	MetaPlayerLocation      = "player_location"
	MetaLanguageProficiency = "language_proficiency"
	MetaKnowledgeFilters    = "knowledge_filters"
)

// Request is one player utterance addressed to an NPC.
type Request struct {
	PlayerID       string
	NPCID          string
	ConversationID string
	SessionID      string
	Utterance      string

	// Tier requests a backend tier. Empty or unknown values use the
	// configured default.
	Tier backend.Tier

	Metadata map[string]any

	// Debug adds pipeline internals to [Result.Debug].
	Debug bool
}

// Validate reports every missing required field.
func (r Request) Validate() error {
	var errs []error
	if strings.TrimSpace(r.PlayerID) == "" {
		errs = append(errs, fmt.Errorf("%w: player id is required", ErrInvalidRequest))
	}
	if strings.TrimSpace(r.Utterance) == "" {
		errs = append(errs, fmt.Errorf("%w: utterance is required", ErrInvalidRequest))
	}
	return errors.Join(errs...)
}

// gameContext collects the prompt's game context: an explicit
// "game_context" map, plus player location and language proficiency when
// given at the top level.
func (r Request) gameContext() map[string]any {
	out := make(map[string]any)
	if gc, ok := r.Metadata[MetaGameContext].(map[string]any); ok {
		for k, v := range gc {
			out[k] = v
		}
	}
	for _, k := range []string{MetaPlayerLocation, MetaLanguageProficiency} {
		if v, ok := r.Metadata[k]; ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (r Request) knowledgeFilters() knowledge.Filters {
	switch f := r.Metadata[MetaKnowledgeFilters].(type) {
	case map[string]any:
		return knowledge.Filters(f)
	case knowledge.Filters:
		return f
	}
	return nil
}

// Result is the response to a [Request]. Tier is the tier that served it.
// When the requested tier had no adapter, Metadata["requested_tier"] names
// the tier that was asked for.
type Result struct {
	Text      string         `json:"text"`
	Tier      backend.Tier   `json:"tier"`
	Fallback  bool           `json:"fallback"`
	Reasoning string         `json:"reasoning,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Debug     map[string]any `json:"debug,omitempty"`
}
