// Package backend adapts text-generation providers to the two processing
// tiers.
//
// [Local] fronts a self-hosted model and retries transient failures with
// exponential backoff. [Hosted] fronts a paid API: it checks the usage quota
// before every call, calls the provider exactly once, records usage for
// every completed call and stops calling through a circuit breaker while the
// provider is failing.
//
// Both adapters send the assembled prompt as a single user message and
// return the raw completion; parsing happens in the caller.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/kotoba/internal/observe"
	"github.com/MrWong99/kotoba/internal/resilience"
	"github.com/MrWong99/kotoba/pkg/provider/llm"
)

// Tier selects which adapter serves a request.
type Tier string

const (
	TierLocal  Tier = "local"
	TierHosted Tier = "hosted"
)

// ParseTier returns the tier named by s, case-insensitively.
func ParseTier(s string) (Tier, bool) {
	switch Tier(strings.ToLower(strings.TrimSpace(s))) {
	case TierLocal:
		return TierLocal, true
	case TierHosted:
		return TierHosted, true
	}
	return "", false
}

// Errors returned by [Adapter.Generate]. The provider error, when there is
// one, is wrapped alongside.
var (
	// ErrUnavailable means the backend could not be reached: retries were
	// exhausted or the circuit breaker is open.
	ErrUnavailable = errors.New("backend: unavailable")

	// ErrQuotaExceeded means a usage limit or a provider rate limit was hit.
	// It is never retried.
	ErrQuotaExceeded = errors.New("backend: quota exceeded")

	// ErrBackend covers every other provider failure.
	ErrBackend = errors.New("backend: generation failed")
)

var errEmptyResponse = errors.New("backend: provider returned no response")

// Adapter generates a completion for an assembled prompt.
type Adapter interface {
	// Tier reports which tier the adapter serves.
	Tier() Tier

	// BackendID identifies the model behind the adapter. It selects the
	// response parsing strategy.
	BackendID() string

	// Generate returns the raw completion for prompt.
	Generate(ctx context.Context, prompt string) (string, error)

	// Close releases the adapter's resources.
	Close() error
}

// call states logged at debug level.
const (
	stateIdle      = "idle"
	stateCalling   = "calling"
	stateRetrying  = "retrying"
	stateSucceeded = "succeeded"
	stateFailed    = "failed"
)

type options struct {
	backendID   string
	temperature float64
	maxTokens   int
	metrics     *observe.Metrics
	retry       resilience.RetryPolicy
	breaker     resilience.CircuitBreakerConfig
	countTokens func(string) int
	now         func() time.Time
}

// Option configures an adapter.
type Option func(*options)

// WithBackendID overrides the backend id, which defaults to the provider's
// model name.
func WithBackendID(id string) Option {
	return func(o *options) { o.backendID = id }
}

// WithTemperature sets the sampling temperature. Zero uses the provider
// default.
func WithTemperature(t float64) Option {
	return func(o *options) { o.temperature = t }
}

// WithMaxTokens caps the completion length. Zero uses the provider default.
func WithMaxTokens(n int) Option {
	return func(o *options) { o.maxTokens = n }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRetryPolicy replaces the local tier's retry policy. Its Retryable and
// OnRetry hooks are overwritten by the adapter.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithCircuitBreaker tunes the hosted tier's breaker. IsFailure and
// OnStateChange are set by the adapter.
func WithCircuitBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(o *options) { o.breaker = cfg }
}

// WithTokenCounter sets the estimator used when the hosted provider reports
// no usage. Default: a tiktoken estimator for the provider's model.
func WithTokenCounter(count func(string) int) Option {
	return func(o *options) { o.countTokens = count }
}

func buildOptions(p llm.Provider, opts []Option) options {
	o := options{
		retry: resilience.DefaultRetryPolicy(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.backendID == "" {
		o.backendID = p.Model()
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

func (o options) request(prompt string) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	}
}

func logState(ctx context.Context, tier Tier, backendID, state string, args ...any) {
	l := observe.Logger(ctx)
	if !l.Enabled(ctx, slog.LevelDebug) {
		return
	}
	l.Debug("backend: state", append([]any{"tier", string(tier), "backend", backendID, "state", state}, args...)...)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// errorType labels err for usage records and metrics.
func errorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, llm.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, llm.ErrAuth):
		return "auth"
	}
	return "backend"
}

func closeProvider(p llm.Provider) error {
	if c, ok := p.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("backend: close provider: %w", err)
		}
	}
	return nil
}
