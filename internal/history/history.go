// Package history keeps per-player conversation transcripts.
//
// A [Store] serves reads and writes from an in-process cache that is loaded
// lazily per player. Every mutation is persisted asynchronously to a
// [Backend] by a writer goroutine that exists only while that player has
// pending writes. Consecutive writes coalesce: the writer always persists
// the latest snapshot.
package history

import (
	"context"
	"errors"
	"maps"
	"time"
)

// ErrNotFound is returned by [Backend.Load] when no record exists.
var ErrNotFound = errors.New("history: record not found")

// ErrClosed is returned by [Store] methods after Close.
var ErrClosed = errors.New("history: store closed")

// Turn is one exchange between a player and an NPC.
type Turn struct {
	Timestamp time.Time      `json:"timestamp"`
	Query     string         `json:"query"`
	Response  string         `json:"response"`
	NPCID     string         `json:"npc_id,omitempty"`
	PlayerID  string         `json:"player_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Record is everything stored for one player.
type Record struct {
	PlayerID      string            `json:"player_id"`
	Conversations map[string][]Turn `json:"conversations"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (r Record) clone() Record {
	out := Record{PlayerID: r.PlayerID, UpdatedAt: r.UpdatedAt}
	out.Conversations = make(map[string][]Turn, len(r.Conversations))
	for id, turns := range r.Conversations {
		out.Conversations[id] = cloneTurns(turns)
	}
	return out
}

func cloneTurns(turns []Turn) []Turn {
	if turns == nil {
		return nil
	}
	out := make([]Turn, len(turns))
	for i, t := range turns {
		t.Metadata = maps.Clone(t.Metadata)
		out[i] = t
	}
	return out
}

// Backend persists player records.
type Backend interface {
	// Load returns the record for playerID, or [ErrNotFound].
	Load(ctx context.Context, playerID string) (Record, error)

	// Save replaces the stored record for rec.PlayerID.
	Save(ctx context.Context, rec Record) error

	// Delete removes the record for playerID. Deleting a missing record is
	// not an error.
	Delete(ctx context.Context, playerID string) error

	// Close releases the backend's resources.
	Close() error
}
