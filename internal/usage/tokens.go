package usage

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// loadEncoding is replaced in tests to avoid fetching BPE ranks.
var loadEncoding = func(model string) (*tiktoken.Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return enc, nil
	}
	return tiktoken.GetEncoding(fallbackEncoding)
}

// Estimator counts tokens for providers that do not report usage. The
// encoding is loaded on first use; if it cannot be loaded, counts fall back
// to four characters per token.
type Estimator struct {
	model string
	once  sync.Once
	enc   *tiktoken.Tiktoken
}

// NewEstimator returns an Estimator for model.
func NewEstimator(model string) *Estimator {
	return &Estimator{model: model}
}

// Count returns the estimated token count of text.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.once.Do(func() {
		enc, err := loadEncoding(e.model)
		if err != nil {
			slog.Warn("usage: tiktoken encoding unavailable, estimating by length",
				"model", e.model, "err", err)
			return
		}
		e.enc = enc
	})
	if e.enc == nil {
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	return len(e.enc.Encode(text, nil, nil))
}
