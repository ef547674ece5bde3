// Package approval issues and resolves the one-time tokens that gate a
// runbook execution requiring human sign-off. Tokens are
// opaque, unguessable bearer values delivered out-of-band (chat, email);
// resolving one is a constant-time comparison against the stored value so
// timing differences can't leak a partial match.
package approval

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"time"

	"github.com/opsforge/remediation/internal/model"
	"github.com/opsforge/remediation/internal/rbac"
)

// ErrTokenNotFound is returned when no execution matches a token.
var ErrTokenNotFound = errors.New("approval: token not found")

// ErrExpired is returned when a token is presented after its deadline.
var ErrExpired = errors.New("approval: token has expired")

// ErrUnqualified is returned when the resolving principal holds none of the
// runbook's approval_roles.
var ErrUnqualified = errors.New("approval: principal does not hold a qualifying role")

// ErrAlreadyResolved is returned when a token that was already approved or
// rejected is presented again with a different decision. The same
// principal resubmitting the same decision is treated as idempotent and
// returns the current execution without error.
var ErrAlreadyResolved = errors.New("approval: execution already resolved")

// tokenBytes is the approval token size: 32 random bytes, base64 URL-safe
// encoded without padding.
const tokenBytes = 32

// Repo is the persistence surface the approval service depends on.
type Repo interface {
	RequestApproval(ctx context.Context, id, token string, expiresAt time.Time) error
	ResolveApproval(ctx context.Context, id, approvedBy string, approved bool) error
	ExpirePendingApprovals(ctx context.Context, now time.Time) (int64, error)
	GetExecutionByApprovalToken(ctx context.Context, token string) (model.RunbookExecution, error)
	GetRunbook(ctx context.Context, id string) (model.Runbook, error)
}

// Service issues and resolves approval tokens.
type Service struct {
	repo Repo
}

// New constructs a Service backed by repo.
func New(repo Repo) *Service {
	return &Service{repo: repo}
}

// Request generates a fresh token for execution id, expiring after timeout,
// and stores it via the repo.
func (s *Service) Request(ctx context.Context, executionID string, timeout time.Duration) (token string, expiresAt time.Time, err error) {
	token, err = generateToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt = time.Now().UTC().Add(timeout)
	if err := s.repo.RequestApproval(ctx, executionID, token, expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Resolve looks up the execution pending on token and approves or rejects
// it on behalf of principal, provided principal holds at least one of the
// runbook's configured approval_roles (an empty role set imposes no
// restriction). The comparison against the stored token is constant-time;
// the lookup itself goes through the repo's own indexed match, so this
// only protects against timing attacks on a same-length decoy, not a
// correctness requirement of the lookup.
//
// Resolving an already-resolved token is idempotent when the same principal
// resubmits the same decision (a retried webhook, a double click); any other
// resubmission against an already-resolved execution returns
// ErrAlreadyResolved.
func (s *Service) Resolve(ctx context.Context, token string, principal rbac.Principal, approve bool) (model.RunbookExecution, error) {
	exec, err := s.repo.GetExecutionByApprovalToken(ctx, token)
	if err != nil {
		return model.RunbookExecution{}, ErrTokenNotFound
	}
	if subtle.ConstantTimeCompare([]byte(exec.ApprovalToken), []byte(token)) != 1 {
		return model.RunbookExecution{}, ErrTokenNotFound
	}

	if exec.Status != model.StatusPending {
		wantStatus := model.StatusRejected
		if approve {
			wantStatus = model.StatusApproved
		}
		if exec.Status == wantStatus && exec.ApprovedBy == principal.Name {
			return exec, nil
		}
		return model.RunbookExecution{}, ErrAlreadyResolved
	}

	if exec.ApprovalExpiresAt != nil && time.Now().UTC().After(*exec.ApprovalExpiresAt) {
		return model.RunbookExecution{}, ErrExpired
	}

	rb, err := s.repo.GetRunbook(ctx, exec.RunbookID)
	if err == nil && !principal.HasAnyRole(rb.ApprovalRoles) {
		return model.RunbookExecution{}, ErrUnqualified
	}

	if err := s.repo.ResolveApproval(ctx, exec.ID, principal.Name, approve); err != nil {
		return model.RunbookExecution{}, err
	}
	if approve {
		exec.Status = model.StatusApproved
	} else {
		exec.Status = model.StatusRejected
	}
	exec.ApprovedBy = principal.Name
	return exec, nil
}

// CleanupExpired flips any execution past its approval deadline to
// "expired", returning how many were affected. Intended to run on a
// periodic tick alongside the scheduler.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	return s.repo.ExpirePendingApprovals(ctx, time.Now().UTC())
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
