package safety

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

// RateLimiterRepo is the persistence surface the rate limiter depends on.
type RateLimiterRepo interface {
	GetRateLimit(ctx context.Context, runbookID string) (model.ExecutionRateLimit, error)
	CountRecentExecutions(ctx context.Context, runbookID string, since time.Time) (int, error)
	OldestExecutionSince(ctx context.Context, runbookID string, since time.Time) (time.Time, error)
}

// RateLimiter enforces a sliding-window cap on how many times a runbook may
// execute. A runbook with no configured limit is unrestricted.
type RateLimiter struct {
	repo RateLimiterRepo
}

// NewRateLimiter constructs a RateLimiter backed by repo.
func NewRateLimiter(repo RateLimiterRepo) *RateLimiter {
	return &RateLimiter{repo: repo}
}

// Allow reports whether rb may execute again right now, along with the
// effective limit (zero value if unrestricted), the current count within
// the window, and, on a denial, the time a slot frees up (the oldest
// in-window execution's queued_at plus the window). An explicit
// ExecutionRateLimit record wins; without one the runbook's own
// max_executions_per_hour applies over a one-hour window.
func (rl *RateLimiter) Allow(ctx context.Context, rb model.Runbook) (limit model.ExecutionRateLimit, count int, retryAt *time.Time, allowed bool, err error) {
	limit, err = rl.repo.GetRateLimit(ctx, rb.ID)
	if errors.Is(err, sql.ErrNoRows) {
		limit = model.ExecutionRateLimit{RunbookID: rb.ID, MaxExecutions: rb.MaxExecutionsPerHour, WindowSeconds: 3600}
		err = nil
	}
	if err != nil {
		return model.ExecutionRateLimit{}, 0, nil, false, err
	}
	if limit.MaxExecutions <= 0 {
		return limit, 0, nil, true, nil
	}
	since := time.Now().UTC().Add(-limit.Window())
	count, err = rl.repo.CountRecentExecutions(ctx, rb.ID, since)
	if err != nil {
		return limit, 0, nil, false, err
	}
	if count < limit.MaxExecutions {
		return limit, count, nil, true, nil
	}
	if oldest, oerr := rl.repo.OldestExecutionSince(ctx, rb.ID, since); oerr == nil {
		t := oldest.Add(limit.Window())
		retryAt = &t
	}
	return limit, count, retryAt, false, nil
}
