package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestTracker(t *testing.T, limits Limits, store Store) (*Tracker, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
	if store == nil {
		store = NewMemoryStore()
	}
	tr, err := NewTracker(context.Background(), store,
		WithLimits(limits),
		WithPricing(Pricing{
			"test-model":    {InputPer1K: 0.001, OutputPer1K: 0.002},
			DefaultPriceKey: {InputPer1K: 0.002, OutputPer1K: 0.004},
		}),
		WithClock(clk.Now),
	)
	require.NoError(t, err)
	return tr, clk
}

func TestNewTracker_NilStore(t *testing.T) {
	_, err := NewTracker(context.Background(), nil)
	require.Error(t, err)
}

func TestTracker_RecordFillsDefaults(t *testing.T) {
	tr, clk := newTestTracker(t, Limits{}, nil)

	rec, err := tr.Record(context.Background(), Record{
		Backend:      "hosted",
		Model:        "test-model",
		InputTokens:  1000,
		OutputTokens: 500,
		Success:      true,
	})
	require.NoError(t, err)

	assert.Equal(t, clk.Now(), rec.Timestamp)
	assert.NotEmpty(t, rec.RequestID)
	assert.InDelta(t, 0.002, rec.Cost, 1e-9)
}

func TestTracker_RecordKeepsExplicitCost(t *testing.T) {
	tr, _ := newTestTracker(t, Limits{}, nil)
	rec, err := tr.Record(context.Background(), Record{Model: "test-model", InputTokens: 10, Cost: 1.5})
	require.NoError(t, err)
	assert.Equal(t, 1.5, rec.Cost)
}

func TestTracker_CheckQuota(t *testing.T) {
	tests := []struct {
		name      string
		limits    Limits
		records   []Record
		wantLimit string
	}{
		{
			name:    "no limits",
			limits:  Limits{},
			records: []Record{{Model: "test-model", InputTokens: 1_000_000}},
		},
		{
			name:      "daily tokens reached",
			limits:    Limits{DailyTokens: 1000},
			records:   []Record{{Model: "test-model", InputTokens: 600, OutputTokens: 400}},
			wantLimit: LimitDailyTokens,
		},
		{
			name:    "daily tokens below limit",
			limits:  Limits{DailyTokens: 1000},
			records: []Record{{Model: "test-model", InputTokens: 600, OutputTokens: 399}},
		},
		{
			name:      "hourly requests reached",
			limits:    Limits{HourlyRequests: 2},
			records:   []Record{{Model: "test-model"}, {Model: "test-model", Success: false}},
			wantLimit: LimitHourlyRequests,
		},
		{
			name:      "monthly cost reached",
			limits:    Limits{MonthlyCost: 1},
			records:   []Record{{Model: "test-model", Cost: 0.5}, {Model: "test-model", Cost: 0.5}},
			wantLimit: LimitMonthlyCost,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(t, tt.limits, nil)
			for _, r := range tt.records {
				_, err := tr.Record(context.Background(), r)
				require.NoError(t, err)
			}

			err := tr.CheckQuota()
			if tt.wantLimit == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrQuotaExceeded)
			var qe *QuotaError
			require.True(t, errors.As(err, &qe))
			assert.Equal(t, tt.wantLimit, qe.Limit)
		})
	}
}

func TestTracker_WindowsExpire(t *testing.T) {
	tr, clk := newTestTracker(t, Limits{DailyTokens: 100, HourlyRequests: 1}, nil)
	_, err := tr.Record(context.Background(), Record{Model: "test-model", InputTokens: 100})
	require.NoError(t, err)
	require.Error(t, tr.CheckQuota())

	clk.Set(clk.Now().Add(61 * time.Minute))
	err = tr.CheckQuota()
	var qe *QuotaError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, LimitDailyTokens, qe.Limit, "hour window passed, day window still full")

	clk.Set(clk.Now().Add(24 * time.Hour))
	assert.NoError(t, tr.CheckQuota())
}

func TestTracker_MonthRollover(t *testing.T) {
	tr, clk := newTestTracker(t, Limits{MonthlyCost: 1}, nil)
	_, err := tr.Record(context.Background(), Record{Cost: 1})
	require.NoError(t, err)
	require.Error(t, tr.CheckQuota())

	clk.Set(time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC))
	assert.NoError(t, tr.CheckQuota())
	assert.Zero(t, tr.Summary().MonthRequests)
}

func TestTracker_Summary(t *testing.T) {
	tr, _ := newTestTracker(t, Limits{DailyTokens: 5000}, nil)
	ctx := context.Background()
	_, _ = tr.Record(ctx, Record{Model: "test-model", InputTokens: 100, OutputTokens: 50, Success: true})
	_, _ = tr.Record(ctx, Record{Model: "test-model", InputTokens: 100, Success: false, ErrorType: "QuotaExceeded"})

	s := tr.Summary()
	assert.Equal(t, 250, s.TodayTokens)
	assert.Equal(t, 2, s.HourRequests)
	assert.Equal(t, 2, s.MonthRequests)
	assert.Equal(t, 1, s.MonthFailures)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
	assert.Equal(t, 5000, s.Limits.DailyTokens)
}

func TestTracker_LoadsExistingRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, Record{Timestamp: time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC), InputTokens: 900}))
	require.NoError(t, store.Append(ctx, Record{Timestamp: time.Date(2026, 2, 28, 11, 0, 0, 0, time.UTC), InputTokens: 900}))

	tr, _ := newTestTracker(t, Limits{DailyTokens: 1000}, store)
	s := tr.Summary()
	assert.Equal(t, 1, s.MonthRequests, "last month's record must not be loaded")
	assert.Equal(t, 900, s.TodayTokens)
}

type failingStore struct{ MemoryStore }

func (f *failingStore) Append(context.Context, Record) error { return errors.New("disk full") }

func TestTracker_RecordCountsEvenWhenStoreFails(t *testing.T) {
	tr, _ := newTestTracker(t, Limits{HourlyRequests: 1}, &failingStore{})
	_, err := tr.Record(context.Background(), Record{Model: "test-model"})
	require.Error(t, err)
	assert.ErrorIs(t, tr.CheckQuota(), ErrQuotaExceeded)
}

func TestTracker_ConcurrentRecords(t *testing.T) {
	tr, _ := newTestTracker(t, Limits{}, nil)
	var wg sync.WaitGroup
	ids := make(chan string, 20)
	for range 20 {
		wg.Go(func() {
			rec, err := tr.Record(context.Background(), Record{Model: "test-model", InputTokens: 1})
			assert.NoError(t, err)
			ids <- rec.RequestID
		})
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 20)
	assert.Equal(t, 20, tr.Summary().MonthRequests)
}

func TestTracker_SetLimits(t *testing.T) {
	tr, _ := newTestTracker(t, Limits{HourlyRequests: 1}, nil)
	ctx := context.Background()

	_, err := tr.Record(ctx, Record{Model: "test-model", Success: true, InputTokens: 1000})
	require.NoError(t, err)
	require.ErrorIs(t, tr.CheckQuota(), ErrQuotaExceeded)

	tr.SetLimits(Limits{HourlyRequests: 5}, nil)
	assert.NoError(t, tr.CheckQuota())
	assert.Equal(t, 5, tr.Limits().HourlyRequests)

	tr.SetLimits(Limits{}, Pricing{"test-model": {InputPer1K: 1}})
	rec, err := tr.Record(ctx, Record{Model: "test-model", Success: true, InputTokens: 1000})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, rec.Cost, 1e-9)
}
