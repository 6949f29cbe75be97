package processor

import (
	"context"
	"errors"

	"github.com/MrWong99/kotoba/internal/backend"
)

// Fallback texts returned when generation fails.
const (
	FallbackLocal  = "I apologize, but I'm having trouble processing your request right now. Could you try rephrasing your question or asking something else?"
	FallbackHosted = "I'm sorry, I'm having trouble understanding that right now. Could you rephrase your question or ask something else?"
	FallbackQuota  = "I'm sorry, but I've reached my limit for complex questions right now. Could you ask something simpler, or try again later?"
)

// Fallback reasons reported in metrics and [Result.Metadata].
const (
	ReasonQuota           = "quota"
	ReasonUnavailable     = "unavailable"
	ReasonTimeout         = "timeout"
	ReasonInvalidResponse = "invalid_response"
	ReasonBackend         = "backend_error"
)

func fallbackText(tier backend.Tier, reason string) string {
	if reason == ReasonQuota {
		return FallbackQuota
	}
	if tier == backend.TierHosted {
		return FallbackHosted
	}
	return FallbackLocal
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, backend.ErrQuotaExceeded):
		return ReasonQuota
	case errors.Is(err, backend.ErrUnavailable):
		return ReasonUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	}
	return ReasonBackend
}
