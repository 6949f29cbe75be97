// Package usage accounts for hosted backend calls and enforces the configured
// token, request, and cost limits.
//
// A [Tracker] keeps the current month's [Record] values in memory, persists
// each one through a [Store], and answers [Tracker.CheckQuota] from the
// in-memory window. Windows are calendar based in UTC: tokens per day, cost
// per month. Requests are counted over a rolling hour.
package usage

import (
	"errors"
	"fmt"
	"time"
)

// ErrQuotaExceeded is wrapped by every [*QuotaError].
var ErrQuotaExceeded = errors.New("usage: quota exceeded")

// Record is the accounting entry for one backend call. Records are never
// mutated after they are stored.
type Record struct {
	Timestamp    time.Time     `json:"timestamp"`
	RequestID    string        `json:"request_id"`
	Backend      string        `json:"backend"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"`
	Duration     time.Duration `json:"duration_ns"`
	Success      bool          `json:"success"`
	ErrorType    string        `json:"error_type,omitempty"`
}

// TotalTokens returns InputTokens + OutputTokens.
func (r Record) TotalTokens() int { return r.InputTokens + r.OutputTokens }

// Limits caps usage per window. A zero field disables that limit.
type Limits struct {
	DailyTokens    int     `json:"daily_token_limit"`
	HourlyRequests int     `json:"hourly_request_limit"`
	MonthlyCost    float64 `json:"monthly_cost_limit"`
}

// Limit names reported in [QuotaError.Limit].
const (
	LimitDailyTokens    = "daily_tokens"
	LimitHourlyRequests = "hourly_requests"
	LimitMonthlyCost    = "monthly_cost"
)

// QuotaError describes which limit was reached.
type QuotaError struct {
	Limit string
	Used  float64
	Max   float64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("usage: %s limit reached (%g of %g)", e.Limit, e.Used, e.Max)
}

func (e *QuotaError) Unwrap() error { return ErrQuotaExceeded }

// Summary is a point-in-time view of the tracked windows.
type Summary struct {
	GeneratedAt   time.Time `json:"generated_at"`
	TodayTokens   int       `json:"today_tokens"`
	HourRequests  int       `json:"hour_requests"`
	MonthCost     float64   `json:"month_cost"`
	MonthRequests int       `json:"month_requests"`
	MonthFailures int       `json:"month_failures"`
	SuccessRate   float64   `json:"success_rate"`
	Limits        Limits    `json:"limits"`
}
