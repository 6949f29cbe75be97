package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/kotoba/internal/resilience"
	"github.com/MrWong99/kotoba/pkg/provider/llm"
)

var _ Adapter = (*Local)(nil)

// Local serves the local tier.
type Local struct {
	provider llm.Provider
	opts     options
}

// NewLocal wraps provider.
func NewLocal(provider llm.Provider, opts ...Option) (*Local, error) {
	if provider == nil {
		return nil, errors.New("backend: local: provider must not be nil")
	}
	return &Local{provider: provider, opts: buildOptions(provider, opts)}, nil
}

// Tier implements [Adapter].
func (l *Local) Tier() Tier { return TierLocal }

// BackendID implements [Adapter].
func (l *Local) BackendID() string { return l.opts.backendID }

// Generate implements [Adapter]. Transient errors are retried per the retry
// policy; authentication errors and context cancellation end the call at
// once. Exhausted retries yield [ErrUnavailable].
func (l *Local) Generate(ctx context.Context, prompt string) (string, error) {
	id := l.opts.backendID
	logState(ctx, TierLocal, id, stateIdle)

	policy := l.opts.retry
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, llm.ErrAuth) && !isContextErr(err)
	}
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		l.opts.metrics.RecordRetry(ctx, id)
		logState(ctx, TierLocal, id, stateRetrying, "attempt", attempt, "delay", delay, "err", err)
	}

	var content string
	err := resilience.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
		logState(ctx, TierLocal, id, stateCalling, "attempt", attempt)
		start := l.opts.now()
		resp, err := l.provider.Complete(ctx, l.opts.request(prompt))
		d := l.opts.now().Sub(start)
		if err == nil && resp == nil {
			err = errEmptyResponse
		}
		if err != nil {
			l.opts.metrics.RecordBackendCall(ctx, id, errorType(err), d)
			return err
		}
		l.opts.metrics.RecordBackendCall(ctx, id, "ok", d)
		content = resp.Content
		return nil
	})
	if err == nil {
		logState(ctx, TierLocal, id, stateSucceeded)
		return content, nil
	}

	logState(ctx, TierLocal, id, stateFailed, "err", err)
	var exhausted *resilience.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	case isContextErr(err):
		return "", fmt.Errorf("backend: local: %w", err)
	}
	return "", fmt.Errorf("%w: %w", ErrBackend, err)
}

// Close implements [Adapter].
func (l *Local) Close() error { return closeProvider(l.provider) }
