package safety

import (
	"context"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

// BlackoutRepo is the persistence surface the blackout checker depends on.
type BlackoutRepo interface {
	ActiveBlackouts(ctx context.Context, at time.Time) ([]model.BlackoutWindow, error)
}

// BlackoutChecker inhibits execution of runbooks covered by an active
// blackout window.
type BlackoutChecker struct {
	repo BlackoutRepo
}

// NewBlackoutChecker constructs a BlackoutChecker backed by repo.
func NewBlackoutChecker(repo BlackoutRepo) *BlackoutChecker {
	return &BlackoutChecker{repo: repo}
}

// Allow reports whether rb may execute right now, and the covering window
// if not.
func (c *BlackoutChecker) Allow(ctx context.Context, rb model.Runbook) (model.BlackoutWindow, bool, error) {
	windows, err := c.repo.ActiveBlackouts(ctx, time.Now().UTC())
	if err != nil {
		return model.BlackoutWindow{}, false, err
	}
	for _, bw := range windows {
		if covers(bw, rb) {
			return bw, false, nil
		}
	}
	return model.BlackoutWindow{}, true, nil
}

func covers(bw model.BlackoutWindow, rb model.Runbook) bool {
	switch bw.Scope {
	case model.BlackoutScopeAll:
		return true
	case model.BlackoutScopeCategory:
		_, ok := bw.AffectedCategories[rb.Category]
		return ok
	case model.BlackoutScopeRunbook:
		_, ok := bw.AffectedRunbookIDs[rb.ID]
		return ok
	default:
		return false
	}
}
