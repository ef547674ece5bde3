// Package safety implements the four-part SafetyGate that stands between a
// trigger match (or a manual run request) and the execution queue: a
// per-runbook circuit breaker, a sliding-window rate limiter, blackout
// windows, and a cooldown since the last execution.
package safety

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opsforge/remediation/internal/model"
)

// BreakerRepo is the persistence surface the breaker depends on.
type BreakerRepo interface {
	GetOrCreateBreaker(ctx context.Context, scopeID string, failureThreshold, successThreshold, openDurationMinutes int) (model.CircuitBreaker, error)
	SaveBreaker(ctx context.Context, cb model.CircuitBreaker) error
}

const (
	defaultFailureThreshold    = 5
	defaultSuccessThreshold    = 2
	defaultOpenDurationMinutes = 5
)

var errRecordedFailure = errors.New("safety: recorded execution failure")

// BreakerManager drives one gobreaker.CircuitBreaker per scope (a runbook
// ID) for closed-state failure accounting and the initial trip, and keeps
// the persisted row authoritative for the open and half-open phases: the
// deny window is the row's closes_at, a half-open failure reopens with the
// open duration doubled, and a run of success_threshold half-open successes
// closes it again. Persisting every transition means the breaker's state
// survives a process restart and is visible to operators without holding
// the process open.
type BreakerManager struct {
	repo BreakerRepo

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerManager constructs a BreakerManager backed by repo.
func NewBreakerManager(repo BreakerRepo) *BreakerManager {
	return &BreakerManager{repo: repo, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

// get returns the cached gobreaker instance for scopeID, building one from
// persisted thresholds on first use. OnStateChange mirrors gobreaker's trip
// into the repo; the open/half-open lifecycle after a trip is managed
// directly against the persisted row, not the instance.
func (m *BreakerManager) get(ctx context.Context, scopeID string) (*gobreaker.CircuitBreaker, error) {
	m.mu.Lock()
	cb, ok := m.breakers[scopeID]
	m.mu.Unlock()
	if ok {
		return cb, nil
	}

	persisted, err := m.repo.GetOrCreateBreaker(ctx, scopeID, defaultFailureThreshold, defaultSuccessThreshold, defaultOpenDurationMinutes)
	if err != nil {
		return nil, err
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        scopeID,
		MaxRequests: uint32(persisted.SuccessThreshold),
		Interval:    0, // never reset closed-state counts on a timer; only on success
		Timeout:     time.Duration(persisted.OpenDurationMinutes) * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(persisted.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				m.recordTrip(ctx, scopeID)
			}
		},
	})

	m.mu.Lock()
	m.breakers[scopeID] = cb
	m.mu.Unlock()
	return cb, nil
}

// evict drops the cached gobreaker instance so the next use rebuilds it
// from the persisted row (fresh counts, current open duration).
func (m *BreakerManager) evict(scopeID string) {
	m.mu.Lock()
	delete(m.breakers, scopeID)
	m.mu.Unlock()
}

// recordTrip persists a closed→open transition gobreaker decided on.
func (m *BreakerManager) recordTrip(ctx context.Context, scopeID string) {
	cb, err := m.repo.GetOrCreateBreaker(ctx, scopeID, defaultFailureThreshold, defaultSuccessThreshold, defaultOpenDurationMinutes)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	cb.State = model.BreakerOpen
	cb.OpenedAt = &now
	closesAt := now.Add(time.Duration(cb.OpenDurationMinutes) * time.Minute)
	cb.ClosesAt = &closesAt
	_ = m.repo.SaveBreaker(ctx, cb)
}

// Allow reports whether scopeID's breaker currently permits an execution.
// A manually-opened breaker always denies, independent of any automatic
// state, since gobreaker has no concept of an operator override. An open
// breaker whose closes_at has passed moves to half_open here, admitting
// the first probe.
func (m *BreakerManager) Allow(ctx context.Context, scopeID string) (model.CircuitBreaker, bool, error) {
	persisted, err := m.repo.GetOrCreateBreaker(ctx, scopeID, defaultFailureThreshold, defaultSuccessThreshold, defaultOpenDurationMinutes)
	if err != nil {
		return model.CircuitBreaker{}, false, err
	}
	if persisted.ManuallyOpened {
		return persisted, false, nil
	}

	switch persisted.State {
	case model.BreakerOpen:
		if persisted.ClosesAt != nil && time.Now().UTC().Before(*persisted.ClosesAt) {
			return persisted, false, nil
		}
		persisted.State = model.BreakerHalfOpen
		persisted.SuccessCount = 0
		if err := m.repo.SaveBreaker(ctx, persisted); err != nil {
			return persisted, false, err
		}
		return persisted, true, nil
	case model.BreakerHalfOpen:
		return persisted, true, nil
	}

	cb, err := m.get(ctx, scopeID)
	if err != nil {
		return model.CircuitBreaker{}, false, err
	}
	return persisted, cb.State() != gobreaker.StateOpen, nil
}

// RecordSuccess reports a successful execution to scopeID's breaker. In
// half_open, success_threshold consecutive successes close the breaker and
// reset all counters.
func (m *BreakerManager) RecordSuccess(ctx context.Context, scopeID string) error {
	persisted, err := m.repo.GetOrCreateBreaker(ctx, scopeID, defaultFailureThreshold, defaultSuccessThreshold, defaultOpenDurationMinutes)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if persisted.State == model.BreakerHalfOpen {
		persisted.SuccessCount++
		persisted.LastSuccessAt = &now
		threshold := persisted.SuccessThreshold
		if threshold <= 0 {
			threshold = 1
		}
		if persisted.SuccessCount >= threshold {
			persisted.State = model.BreakerClosed
			persisted.FailureCount = 0
			persisted.SuccessCount = 0
			persisted.OpenedAt = nil
			persisted.ClosesAt = nil
			m.evict(scopeID)
		}
		return m.repo.SaveBreaker(ctx, persisted)
	}

	cb, err := m.get(ctx, scopeID)
	if err != nil {
		return err
	}
	_, _ = cb.Execute(func() (any, error) { return nil, nil })
	return m.syncCounts(ctx, scopeID, cb)
}

// RecordFailure reports a failed execution to scopeID's breaker. A failure
// in half_open reopens it immediately with the open duration doubled; the
// cached gobreaker instance is evicted so its next rebuild carries the new
// timeout.
func (m *BreakerManager) RecordFailure(ctx context.Context, scopeID string) error {
	persisted, err := m.repo.GetOrCreateBreaker(ctx, scopeID, defaultFailureThreshold, defaultSuccessThreshold, defaultOpenDurationMinutes)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if persisted.State == model.BreakerHalfOpen {
		if persisted.OpenDurationMinutes <= 0 {
			persisted.OpenDurationMinutes = defaultOpenDurationMinutes
		}
		persisted.OpenDurationMinutes *= 2
		persisted.State = model.BreakerOpen
		persisted.FailureCount++
		persisted.SuccessCount = 0
		persisted.OpenedAt = &now
		closesAt := now.Add(time.Duration(persisted.OpenDurationMinutes) * time.Minute)
		persisted.ClosesAt = &closesAt
		persisted.LastFailureAt = &now
		m.evict(scopeID)
		return m.repo.SaveBreaker(ctx, persisted)
	}

	cb, err := m.get(ctx, scopeID)
	if err != nil {
		return err
	}
	_, _ = cb.Execute(func() (any, error) { return nil, errRecordedFailure })
	return m.syncCounts(ctx, scopeID, cb)
}

func (m *BreakerManager) syncCounts(ctx context.Context, scopeID string, cb *gobreaker.CircuitBreaker) error {
	persisted, err := m.repo.GetOrCreateBreaker(ctx, scopeID, defaultFailureThreshold, defaultSuccessThreshold, defaultOpenDurationMinutes)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	counts := cb.Counts()
	persisted.FailureCount = int(counts.ConsecutiveFailures)
	persisted.SuccessCount = int(counts.ConsecutiveSuccesses)
	if counts.ConsecutiveFailures > 0 {
		persisted.LastFailureAt = &now
	} else {
		persisted.LastSuccessAt = &now
	}
	return m.repo.SaveBreaker(ctx, persisted)
}

// ManualOverride force-opens or force-closes a breaker, bypassing the
// automatic accounting entirely (an operator "break glass" action).
func (m *BreakerManager) ManualOverride(ctx context.Context, scopeID string, open bool, reason string) error {
	persisted, err := m.repo.GetOrCreateBreaker(ctx, scopeID, defaultFailureThreshold, defaultSuccessThreshold, defaultOpenDurationMinutes)
	if err != nil {
		return err
	}
	if open {
		now := time.Now().UTC()
		persisted.State = model.BreakerOpen
		persisted.OpenedAt = &now
		persisted.ManuallyOpened = true
		persisted.ManuallyOpenedReason = reason
		persisted.ClosesAt = nil
	} else {
		persisted.State = model.BreakerClosed
		persisted.FailureCount = 0
		persisted.SuccessCount = 0
		persisted.ManuallyOpened = false
		persisted.ManuallyOpenedReason = ""
		persisted.OpenedAt = nil
		persisted.ClosesAt = nil
	}
	// Drop the cached gobreaker instance so the next Allow/Record call
	// rebuilds it to match the persisted reset.
	m.evict(scopeID)
	return m.repo.SaveBreaker(ctx, persisted)
}
