package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Tracker records usage and enforces [Limits]. It is safe for concurrent use.
type Tracker struct {
	store Store
	now   func() time.Time

	mu      sync.Mutex
	limits  Limits
	pricing Pricing
	month   time.Time
	records []Record
}

// Option configures a [Tracker].
type Option func(*Tracker)

// WithLimits sets the enforced limits.
func WithLimits(l Limits) Option {
	return func(t *Tracker) { t.limits = l }
}

// WithPricing replaces [DefaultPricing].
func WithPricing(p Pricing) Option {
	return func(t *Tracker) { t.pricing = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a Tracker over store and loads the current month's
// records from it so limits survive restarts.
func NewTracker(ctx context.Context, store Store, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, fmt.Errorf("usage: store must not be nil")
	}
	t := &Tracker{
		store:   store,
		pricing: DefaultPricing(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(t)
	}

	t.month = monthStart(t.now())
	recs, err := store.Since(ctx, t.month)
	if err != nil {
		return nil, fmt.Errorf("usage: load records: %w", err)
	}
	t.records = recs
	return t, nil
}

// Record completes rec and stores it. A zero Timestamp becomes now, an empty
// RequestID gets a fresh UUID, and a zero Cost is priced from the token
// counts. The record is counted even when persisting it fails.
func (t *Tracker) Record(ctx context.Context, rec Record) (Record, error) {
	now := t.now().UTC()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.RequestID == "" {
		rec.RequestID = uuid.NewString()
	}

	t.mu.Lock()
	if rec.Cost == 0 {
		rec.Cost = t.pricing.Cost(rec.Model, rec.InputTokens, rec.OutputTokens)
	}
	t.rollLocked(now)
	if !rec.Timestamp.Before(t.month) {
		t.records = append(t.records, rec)
	}
	t.mu.Unlock()

	if err := t.store.Append(ctx, rec); err != nil {
		slog.Warn("usage: persist record failed", "request_id", rec.RequestID, "err", err)
		return rec, fmt.Errorf("usage: record: %w", err)
	}
	return rec, nil
}

// CheckQuota returns a [*QuotaError] for the first limit already reached,
// checked in the order daily tokens, hourly requests, monthly cost.
func (t *Tracker) CheckQuota() error {
	s := t.Summary()
	l := s.Limits
	switch {
	case l.DailyTokens > 0 && s.TodayTokens >= l.DailyTokens:
		return &QuotaError{Limit: LimitDailyTokens, Used: float64(s.TodayTokens), Max: float64(l.DailyTokens)}
	case l.HourlyRequests > 0 && s.HourRequests >= l.HourlyRequests:
		return &QuotaError{Limit: LimitHourlyRequests, Used: float64(s.HourRequests), Max: float64(l.HourlyRequests)}
	case l.MonthlyCost > 0 && s.MonthCost >= l.MonthlyCost:
		return &QuotaError{Limit: LimitMonthlyCost, Used: s.MonthCost, Max: l.MonthlyCost}
	}
	return nil
}

// Summary aggregates the current windows.
func (t *Tracker) Summary() Summary {
	now := t.now().UTC()
	day := now.Truncate(24 * time.Hour)
	hourAgo := now.Add(-time.Hour)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollLocked(now)

	s := Summary{GeneratedAt: now, Limits: t.limits}
	for _, r := range t.records {
		s.MonthRequests++
		s.MonthCost += r.Cost
		if !r.Success {
			s.MonthFailures++
		}
		if !r.Timestamp.Before(day) {
			s.TodayTokens += r.TotalTokens()
		}
		if r.Timestamp.After(hourAgo) {
			s.HourRequests++
		}
	}
	if s.MonthRequests > 0 {
		s.SuccessRate = float64(s.MonthRequests-s.MonthFailures) / float64(s.MonthRequests)
	}
	return s
}

// Limits returns the configured limits.
func (t *Tracker) Limits() Limits {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits
}

// SetLimits replaces the limits and, when p is non-nil, the pricing table.
// Costs already recorded are not repriced.
func (t *Tracker) SetLimits(l Limits, p Pricing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limits = l
	if p != nil {
		t.pricing = p
	}
}

// Close closes the underlying store.
func (t *Tracker) Close() error {
	t.mu.Lock()
	t.records = nil
	t.mu.Unlock()
	return t.store.Close()
}

// rollLocked drops records from previous months. Must be called with t.mu held.
func (t *Tracker) rollLocked(now time.Time) {
	m := monthStart(now)
	if !m.After(t.month) {
		return
	}
	t.month = m
	kept := t.records[:0]
	for _, r := range t.records {
		if !r.Timestamp.Before(m) {
			kept = append(kept, r)
		}
	}
	t.records = kept
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
