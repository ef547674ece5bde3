package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/opsforge/remediation/internal/model"
)

// Denial reasons, in the fixed precedence order Gate evaluates checks: a
// manual circuit-breaker override always wins over a blackout, which wins
// over a rate limit, which wins over a cooldown, matching the order an
// operator would want surfaced (the thing they did on purpose first).
const (
	ReasonCircuitBreakerOpen = "circuit_breaker_open"
	ReasonBlackoutWindow     = "blackout_window"
	ReasonRateLimited        = "rate_limited"
	ReasonCooldown           = "cooldown"
)

// Decision is the outcome of a SafetyGate evaluation.
type Decision struct {
	Allowed bool
	Reason  string
	Message string
	RetryAt *time.Time
}

// Repo is the union of persistence surfaces the gate's checks depend on.
type Repo interface {
	BreakerRepo
	BlackoutRepo
	RateLimiterRepo
	CooldownRepo
}

// Gate aggregates the circuit breaker, blackout windows, rate limiter, and
// cooldown into a single Allow/Deny decision for a runbook about to
// execute.
type Gate struct {
	breakers  *BreakerManager
	blackouts *BlackoutChecker
	limiter   *RateLimiter
	cooldown  *CooldownChecker
}

// NewGate constructs a Gate from a single repo satisfying every check's
// persistence needs.
func NewGate(repo Repo) *Gate {
	return &Gate{
		breakers:  NewBreakerManager(repo),
		blackouts: NewBlackoutChecker(repo),
		limiter:   NewRateLimiter(repo),
		cooldown:  NewCooldownChecker(repo),
	}
}

// Breakers exposes the gate's BreakerManager so the engine can report
// execution outcomes back into it after a run completes.
func (g *Gate) Breakers() *BreakerManager {
	return g.breakers
}

// Allow evaluates every safety check for rb in a fixed precedence order and
// returns the first denial encountered, or an allowed Decision if every
// check passes.
func (g *Gate) Allow(ctx context.Context, rb model.Runbook) (Decision, error) {
	cb, allowed, err := g.breakers.Allow(ctx, rb.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("safety: circuit breaker check: %w", err)
	}
	if !allowed {
		msg := fmt.Sprintf("circuit breaker for %s is open", rb.Name)
		if cb.ManuallyOpened {
			msg = fmt.Sprintf("circuit breaker for %s was manually opened: %s", rb.Name, cb.ManuallyOpenedReason)
		} else if cb.ClosesAt != nil {
			msg = fmt.Sprintf("circuit breaker for %s is open, retrying %s", rb.Name, humanize.Time(*cb.ClosesAt))
		}
		return Decision{Reason: ReasonCircuitBreakerOpen, Message: msg, RetryAt: cb.ClosesAt}, nil
	}

	bw, allowed, err := g.blackouts.Allow(ctx, rb)
	if err != nil {
		return Decision{}, fmt.Errorf("safety: blackout check: %w", err)
	}
	if !allowed {
		msg := fmt.Sprintf("blackout window %q active until %s", bw.Name, humanize.Time(bw.EndTime))
		end := bw.EndTime
		return Decision{Reason: ReasonBlackoutWindow, Message: msg, RetryAt: &end}, nil
	}

	limit, count, retryAt, allowed, err := g.limiter.Allow(ctx, rb)
	if err != nil {
		return Decision{}, fmt.Errorf("safety: rate limit check: %w", err)
	}
	if !allowed {
		msg := fmt.Sprintf("%s has executed %d/%d times in the last %s", rb.Name, count, limit.MaxExecutions, humanize.RelTime(time.Now(), time.Now().Add(limit.Window()), "", ""))
		if retryAt != nil {
			msg = fmt.Sprintf("%s, next slot %s", msg, humanize.Time(*retryAt))
		}
		return Decision{Reason: ReasonRateLimited, Message: msg, RetryAt: retryAt}, nil
	}

	cooldownRetryAt, allowed, err := g.cooldown.Allow(ctx, rb)
	if err != nil {
		return Decision{}, fmt.Errorf("safety: cooldown check: %w", err)
	}
	if !allowed {
		msg := fmt.Sprintf("%s is cooling down, next eligible %s", rb.Name, humanize.Time(cooldownRetryAt))
		return Decision{Reason: ReasonCooldown, Message: msg, RetryAt: &cooldownRetryAt}, nil
	}

	return Decision{Allowed: true}, nil
}
