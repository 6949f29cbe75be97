package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/kotoba/internal/observe"
	"github.com/MrWong99/kotoba/internal/resilience"
	"github.com/MrWong99/kotoba/internal/usage"
	"github.com/MrWong99/kotoba/pkg/provider/llm"
)

var _ Adapter = (*Hosted)(nil)

// Hosted serves the hosted tier.
type Hosted struct {
	provider llm.Provider
	tracker  *usage.Tracker
	breaker  *resilience.CircuitBreaker
	opts     options
}

// NewHosted wraps provider. A nil tracker disables quota checks and usage
// records.
func NewHosted(provider llm.Provider, tracker *usage.Tracker, opts ...Option) (*Hosted, error) {
	if provider == nil {
		return nil, errors.New("backend: hosted: provider must not be nil")
	}
	o := buildOptions(provider, opts)
	if o.countTokens == nil {
		o.countTokens = usage.NewEstimator(provider.Model()).Count
	}

	cbCfg := o.breaker
	if cbCfg.Name == "" {
		cbCfg.Name = "hosted:" + o.backendID
	}
	// Quota and caller cancellation say nothing about provider health.
	cbCfg.IsFailure = func(err error) bool {
		return err != nil && !errors.Is(err, llm.ErrRateLimited) && !isContextErr(err)
	}
	metrics := o.metrics
	cbCfg.OnStateChange = func(name string, _, to resilience.State) {
		metrics.RecordCircuitTransition(context.Background(), name, to.String())
	}

	return &Hosted{
		provider: provider,
		tracker:  tracker,
		breaker:  resilience.NewCircuitBreaker(cbCfg),
		opts:     o,
	}, nil
}

// Tier implements [Adapter].
func (h *Hosted) Tier() Tier { return TierHosted }

// BackendID implements [Adapter].
func (h *Hosted) BackendID() string { return h.opts.backendID }

// Breaker exposes the circuit breaker for health reporting.
func (h *Hosted) Breaker() *resilience.CircuitBreaker { return h.breaker }

// Generate implements [Adapter]. A reached usage limit fails with
// [ErrQuotaExceeded] before the provider is called. The provider is called
// at most once.
func (h *Hosted) Generate(ctx context.Context, prompt string) (string, error) {
	id := h.opts.backendID
	logState(ctx, TierHosted, id, stateIdle)

	if h.tracker != nil {
		if err := h.tracker.CheckQuota(); err != nil {
			var qe *usage.QuotaError
			if errors.As(err, &qe) {
				h.opts.metrics.RecordQuotaRejection(ctx, qe.Limit)
			}
			logState(ctx, TierHosted, id, stateFailed, "err", err)
			return "", fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
		}
	}

	logState(ctx, TierHosted, id, stateCalling)
	var (
		resp    *llm.CompletionResponse
		callErr error
	)
	start := h.opts.now()
	err := h.breaker.Execute(func() error {
		resp, callErr = h.provider.Complete(ctx, h.opts.request(prompt))
		if callErr == nil && resp == nil {
			callErr = errEmptyResponse
		}
		return callErr
	})
	d := h.opts.now().Sub(start)

	if errors.Is(err, resilience.ErrCircuitOpen) {
		logState(ctx, TierHosted, id, stateFailed, "err", err)
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	status := "ok"
	if err != nil {
		status = errorType(err)
	}
	h.opts.metrics.RecordBackendCall(ctx, id, status, d)
	h.record(ctx, prompt, resp, err, d)

	if err != nil {
		logState(ctx, TierHosted, id, stateFailed, "err", err)
		switch {
		case errors.Is(err, llm.ErrRateLimited):
			return "", fmt.Errorf("%w: %w", ErrQuotaExceeded, err)
		case isContextErr(err):
			return "", fmt.Errorf("backend: hosted: %w", err)
		}
		return "", fmt.Errorf("%w: %w", ErrBackend, err)
	}
	logState(ctx, TierHosted, id, stateSucceeded)
	return resp.Content, nil
}

// record stores the usage of one completed call, estimating token counts
// the provider did not report.
func (h *Hosted) record(ctx context.Context, prompt string, resp *llm.CompletionResponse, callErr error, d time.Duration) {
	if h.tracker == nil {
		return
	}
	rec := usage.Record{
		RequestID: observe.RequestID(ctx),
		Backend:   string(TierHosted),
		Model:     h.provider.Model(),
		Duration:  d,
		Success:   callErr == nil,
		ErrorType: errorType(callErr),
	}
	if resp != nil {
		rec.InputTokens = resp.Usage.PromptTokens
		rec.OutputTokens = resp.Usage.CompletionTokens
	}
	if rec.InputTokens == 0 {
		rec.InputTokens = h.opts.countTokens(prompt)
	}
	if rec.OutputTokens == 0 && resp != nil {
		rec.OutputTokens = h.opts.countTokens(resp.Content)
	}

	// The record outlives a cancelled request.
	ctx = context.WithoutCancel(ctx)
	if _, err := h.tracker.Record(ctx, rec); err != nil {
		observe.Logger(ctx).Warn("backend: record usage failed", "err", err)
	}
	if callErr == nil {
		h.opts.metrics.RecordTokens(ctx, string(TierHosted), rec.InputTokens, rec.OutputTokens)
	}
}

// Close implements [Adapter].
func (h *Hosted) Close() error { return closeProvider(h.provider) }
