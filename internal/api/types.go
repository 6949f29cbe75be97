package api

import (
	"github.com/MrWong99/kotoba/internal/backend"
	"github.com/MrWong99/kotoba/internal/history"
	"github.com/MrWong99/kotoba/internal/processor"
)

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	Message        string         `json:"message" jsonschema:"required,minLength=1,description=What the player says to the NPC"`
	NPCID          string         `json:"npc_id" jsonschema:"required,description=Profile id of the NPC addressed"`
	PlayerID       string         `json:"player_id" jsonschema:"required,minLength=1"`
	SessionID      string         `json:"session_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty" jsonschema:"description=Enables conversation history when set"`
	Tier           string         `json:"tier,omitempty" jsonschema:"enum=local,enum=hosted"`
	Metadata       map[string]any `json:"metadata,omitempty" jsonschema:"description=Game context such as player_location and language_proficiency"`
	Debug          bool           `json:"debug,omitempty"`
}

func (r ChatRequest) toRequest() processor.Request {
	return processor.Request{
		PlayerID:       r.PlayerID,
		NPCID:          r.NPCID,
		ConversationID: r.ConversationID,
		SessionID:      r.SessionID,
		Utterance:      r.Message,
		Tier:           backend.Tier(r.Tier),
		Metadata:       r.Metadata,
		Debug:          r.Debug,
	}
}

// ChatResponse is the body returned by POST /api/v1/chat.
type ChatResponse struct {
	ResponseText     string         `json:"response_text" jsonschema:"required"`
	ProcessingTier   string         `json:"processing_tier" jsonschema:"required,enum=local,enum=hosted"`
	IsFallback       bool           `json:"is_fallback"`
	SuggestedActions []string       `json:"suggested_actions"`
	LearningCues     map[string]any `json:"learning_cues"`
	Emotion          string         `json:"emotion"`
	Confidence       float64        `json:"confidence" jsonschema:"minimum=0,maximum=1"`
	Debug            map[string]any `json:"debug,omitempty"`
}

// learningCueKeys are the parser metadata keys surfaced as learning cues.
var learningCueKeys = []string{"contains_japanese", "script", "actions"}

func fromResult(res *processor.Result) ChatResponse {
	out := ChatResponse{
		ResponseText:     res.Text,
		ProcessingTier:   string(res.Tier),
		IsFallback:       res.Fallback,
		SuggestedActions: []string{},
		LearningCues:     map[string]any{},
		Emotion:          "neutral",
		Confidence:       1,
		Debug:            res.Debug,
	}
	if res.Fallback {
		out.Confidence = 0
	}
	if e, ok := res.Metadata["emotion"].(string); ok && e != "" {
		out.Emotion = e
	}
	for _, k := range learningCueKeys {
		if v, ok := res.Metadata[k]; ok {
			out.LearningCues[k] = v
		}
	}
	return out
}

// HistoryResponse is the body returned by GET /api/v1/conversations/{player_id}/{conversation_id}.
type HistoryResponse struct {
	PlayerID       string         `json:"player_id"`
	ConversationID string         `json:"conversation_id"`
	Turns          []history.Turn `json:"turns"`
}

// StatusResponse acknowledges a mutation.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}
