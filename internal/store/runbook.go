package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/opsforge/remediation/internal/model"
)

const runbookSelectColumns = `SELECT
	id, name, description, category, tags_json, enabled, auto_execute,
	approval_required, approval_roles_json, approval_timeout_minutes,
	max_executions_per_hour, cooldown_minutes, default_server_id,
	target_from_alert, target_alert_label, version, embedding_json, steps_json`

// InsertRunbook creates a runbook and its steps/triggers in one transaction.
func (s *Store) InsertRunbook(ctx context.Context, rb model.Runbook, steps []model.RunbookStep, triggers []model.RunbookTrigger) error {
	if rb.ID == "" {
		rb.ID = randomID("runbook")
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := execInsertRunbook(ctx, tx, rb, steps, now); err != nil {
		return err
	}
	for _, tr := range triggers {
		if err := execInsertTrigger(ctx, tx, rb.ID, tr); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func execInsertRunbook(ctx context.Context, tx *sql.Tx, rb model.Runbook, steps []model.RunbookStep, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runbooks (
		id, name, description, category, tags_json, enabled, auto_execute,
		approval_required, approval_roles_json, approval_timeout_minutes,
		max_executions_per_hour, cooldown_minutes, default_server_id,
		target_from_alert, target_alert_label, version, embedding_json, steps_json,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rb.ID, rb.Name, rb.Description, rb.Category, marshalOrEmpty(setToSlice(rb.Tags)),
		boolToInt(rb.Enabled), boolToInt(rb.AutoExecute), boolToInt(rb.ApprovalRequired),
		marshalOrEmpty(setToSlice(rb.ApprovalRoles)), rb.ApprovalTimeoutMinutes,
		rb.MaxExecutionsPerHour, rb.CooldownMinutes, rb.DefaultServerID,
		boolToInt(rb.TargetFromAlert), rb.TargetAlertLabel, max(rb.Version, 1),
		marshalOrEmpty(rb.Embedding), marshalOrEmpty(steps), now, now,
	)
	return err
}

func execInsertTrigger(ctx context.Context, tx *sql.Tx, runbookID string, tr model.RunbookTrigger) error {
	if tr.ID == "" {
		tr.ID = randomID("trigger")
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO runbook_triggers (
		id, runbook_id, enabled, priority, alert_name_pattern, severity_pattern,
		instance_pattern, job_pattern, label_matchers_json, cooldown_minutes
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, runbookID, boolToInt(tr.Enabled), tr.Priority, tr.AlertNamePattern,
		tr.SeverityPattern, tr.InstancePattern, tr.JobPattern,
		marshalOrEmpty(tr.LabelMatchers), tr.CooldownMinutes,
	)
	return err
}

// GetRunbook returns a runbook by ID, without its steps or triggers.
func (s *Store) GetRunbook(ctx context.Context, id string) (model.Runbook, error) {
	rb, _, err := s.getRunbookWithSteps(ctx, id)
	return rb, err
}

// GetRunbookSteps returns the ordered steps of a runbook.
func (s *Store) GetRunbookSteps(ctx context.Context, id string) ([]model.RunbookStep, error) {
	_, steps, err := s.getRunbookWithSteps(ctx, id)
	return steps, err
}

func (s *Store) getRunbookWithSteps(ctx context.Context, id string) (model.Runbook, []model.RunbookStep, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return model.Runbook{}, nil, sql.ErrNoRows
	}
	row := s.db.QueryRowContext(ctx, runbookSelectColumns+" FROM runbooks WHERE id = ?", id)
	rb, steps, err := scanRunbook(row)
	if err != nil {
		return model.Runbook{}, nil, err
	}
	return rb, steps, nil
}

func scanRunbook(r rowScanner) (model.Runbook, []model.RunbookStep, error) {
	var (
		rb                                                 model.Runbook
		enabled, autoExec, approvalReq, targetFromAlert    int
		tagsRaw, rolesRaw, embeddingRaw, stepsRaw          string
	)
	if err := r.Scan(
		&rb.ID, &rb.Name, &rb.Description, &rb.Category, &tagsRaw, &enabled, &autoExec,
		&approvalReq, &rolesRaw, &rb.ApprovalTimeoutMinutes,
		&rb.MaxExecutionsPerHour, &rb.CooldownMinutes, &rb.DefaultServerID,
		&targetFromAlert, &rb.TargetAlertLabel, &rb.Version, &embeddingRaw, &stepsRaw,
	); err != nil {
		return model.Runbook{}, nil, err
	}
	rb.Enabled = enabled == 1
	rb.AutoExecute = autoExec == 1
	rb.ApprovalRequired = approvalReq == 1
	rb.TargetFromAlert = targetFromAlert == 1

	var tags, roles []string
	unmarshalInto(tagsRaw, &tags)
	unmarshalInto(rolesRaw, &roles)
	rb.Tags = toSet(tags)
	rb.ApprovalRoles = toSet(roles)
	unmarshalInto(embeddingRaw, &rb.Embedding)

	var steps []model.RunbookStep
	unmarshalInto(stepsRaw, &steps)
	return rb, steps, nil
}

// ListRunbooks returns every runbook, optionally filtered to enabled-only.
func (s *Store) ListRunbooks(ctx context.Context, enabledOnly bool) ([]model.Runbook, error) {
	query := runbookSelectColumns + " FROM runbooks"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make([]model.Runbook, 0, 16)
	for rows.Next() {
		rb, _, err := scanRunbook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rb)
	}
	return out, rows.Err()
}

// ListTriggersForRunbook returns a runbook's triggers ordered by priority.
func (s *Store) ListTriggersForRunbook(ctx context.Context, runbookID string) ([]model.RunbookTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, runbook_id, enabled, priority, alert_name_pattern, severity_pattern,
		instance_pattern, job_pattern, label_matchers_json, cooldown_minutes
	FROM runbook_triggers WHERE runbook_id = ? ORDER BY priority ASC`, runbookID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTriggers(rows)
}

// ListAllEnabledTriggers returns every trigger belonging to an enabled
// runbook, ordered by priority, for the TriggerMatcher's alert sweep.
func (s *Store) ListAllEnabledTriggers(ctx context.Context) ([]model.RunbookTrigger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		t.id, t.runbook_id, t.enabled, t.priority, t.alert_name_pattern, t.severity_pattern,
		t.instance_pattern, t.job_pattern, t.label_matchers_json, t.cooldown_minutes
	FROM runbook_triggers t
	JOIN runbooks r ON r.id = t.runbook_id
	WHERE t.enabled = 1 AND r.enabled = 1
	ORDER BY t.priority ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTriggers(rows)
}

func scanTriggers(rows *sql.Rows) ([]model.RunbookTrigger, error) {
	out := make([]model.RunbookTrigger, 0, 16)
	for rows.Next() {
		var (
			tr      model.RunbookTrigger
			enabled int
			raw     string
		)
		if err := rows.Scan(
			&tr.ID, &tr.RunbookID, &enabled, &tr.Priority, &tr.AlertNamePattern,
			&tr.SeverityPattern, &tr.InstancePattern, &tr.JobPattern, &raw, &tr.CooldownMinutes,
		); err != nil {
			return nil, err
		}
		tr.Enabled = enabled == 1
		tr.LabelMatchers = map[string]string{}
		unmarshalInto(raw, &tr.LabelMatchers)
		out = append(out, tr)
	}
	return out, rows.Err()
}

func setToSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
