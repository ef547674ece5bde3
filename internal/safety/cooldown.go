package safety

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

// CooldownRepo is the persistence surface the cooldown checker depends on.
type CooldownRepo interface {
	LastExecutionFor(ctx context.Context, runbookID string) (model.RunbookExecution, error)
}

// CooldownChecker enforces the minimum interval a runbook must sit idle
// after its last execution before it may run again.
type CooldownChecker struct {
	repo CooldownRepo
}

// NewCooldownChecker constructs a CooldownChecker backed by repo.
func NewCooldownChecker(repo CooldownRepo) *CooldownChecker {
	return &CooldownChecker{repo: repo}
}

// Allow reports whether rb's cooldown has elapsed, and the time it will
// elapse if not.
func (c *CooldownChecker) Allow(ctx context.Context, rb model.Runbook) (retryAt time.Time, allowed bool, err error) {
	if rb.CooldownMinutes <= 0 {
		return time.Time{}, true, nil
	}
	last, err := c.repo.LastExecutionFor(ctx, rb.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, true, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	retryAt = last.QueuedAt.Add(time.Duration(rb.CooldownMinutes) * time.Minute)
	return retryAt, time.Now().UTC().After(retryAt), nil
}
