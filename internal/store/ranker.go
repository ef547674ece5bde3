package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

// InsertProvenSolution records a successful, non-dry-run execution's
// outcome for later ranker feedback.
func (s *Store) InsertProvenSolution(ctx context.Context, p model.ProvenSolution) error {
	if p.ID == "" {
		p.ID = randomID("solution")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO proven_solutions (
		id, runbook_id, alert_id, execution_id, problem_text, embedding_json, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RunbookID, p.AlertID, p.ExecutionID, p.ProblemText,
		marshalOrEmpty(p.Embedding), p.CreatedAt.Format(time.RFC3339),
	)
	return err
}

// RecordSolutionClick bumps the click counter the ranker's popularity bonus
// reads back.
func (s *Store) RecordSolutionClick(ctx context.Context, runbookID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO solution_feedback (id, runbook_id, click_count, window_start)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(runbook_id) DO UPDATE SET click_count = click_count + 1`,
		randomID("feedback"), runbookID, time.Now().UTC().Format(time.RFC3339))
	return err
}

// RecordSolutionThumbs records a thumbs-up/down vote for runbookID.
func (s *Store) RecordSolutionThumbs(ctx context.Context, runbookID string, up bool) error {
	column := "thumbs_down"
	if up {
		column = "thumbs_up"
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO solution_feedback (id, runbook_id, `+column+`, window_start)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(runbook_id) DO UPDATE SET `+column+` = `+column+` + 1`,
		randomID("feedback"), runbookID, time.Now().UTC().Format(time.RFC3339))
	return err
}

// SolutionFeedback is the popularity/thumbs tally for one runbook.
type SolutionFeedback struct {
	RunbookID  string
	ThumbsUp   int
	ThumbsDown int
	ClickCount int
}

// GetSolutionFeedback returns the feedback tally for runbookID, zero-valued
// if none has been recorded yet.
func (s *Store) GetSolutionFeedback(ctx context.Context, runbookID string) (SolutionFeedback, error) {
	fb := SolutionFeedback{RunbookID: runbookID}
	row := s.db.QueryRowContext(ctx,
		`SELECT thumbs_up, thumbs_down, click_count FROM solution_feedback WHERE runbook_id = ?`, runbookID)
	if err := row.Scan(&fb.ThumbsUp, &fb.ThumbsDown, &fb.ClickCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fb, nil
		}
		return fb, err
	}
	return fb, nil
}

// MaxClickCount returns the highest click_count among all runbooks, used as
// the denominator for the ranker's relative popularity bonus.
func (s *Store) MaxClickCount(ctx context.Context) (int, error) {
	var max int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(click_count), 0) FROM solution_feedback`).Scan(&max)
	return max, err
}

// RecentExecutionOutcomes returns the success/total counts over the last
// limit non-dry-run executions of runbookID, newest first.
func (s *Store) RecentExecutionOutcomes(ctx context.Context, runbookID string, limit int) (successes, total int, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status FROM runbook_executions
		WHERE runbook_id = ? AND dry_run = 0 AND status IN (?, ?)
		ORDER BY queued_at DESC LIMIT ?`,
		runbookID, model.StatusSuccess, model.StatusFailed, limit)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, 0, err
		}
		total++
		if status == model.StatusSuccess {
			successes++
		}
	}
	return successes, total, rows.Err()
}

// ListEnabledRunbooksWithEmbedding returns every enabled runbook carrying a
// non-empty embedding, the candidate pool the ranker scores by cosine
// distance against the query embedding.
func (s *Store) ListEnabledRunbooksWithEmbedding(ctx context.Context) ([]model.Runbook, error) {
	all, err := s.ListRunbooks(ctx, true)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, rb := range all {
		if len(rb.Embedding) > 0 {
			out = append(out, rb)
		}
	}
	return out, nil
}
