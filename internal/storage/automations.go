package storage

import (
	"context"
	"database/sql"
	"time"
)

const automationColumns = `id, workspace_id, name, is_enabled, schedule_type, interval_minutes, daily_time,
	last_run_at, next_run_at, payload_json, created_at, updated_at`

// SaveAutomation inserts an automation or replaces the definition of an
// existing one. Replacing resets NextRunAt to the given value, so a nil value
// makes the scheduler reseed it.
func (s *Store) SaveAutomation(ctx context.Context, a Automation) error {
	now := s.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	payload := a.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	var interval any
	if a.IntervalMinutes > 0 {
		interval = a.IntervalMinutes
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automations (`+automationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, is_enabled = excluded.is_enabled,
			schedule_type = excluded.schedule_type, interval_minutes = excluded.interval_minutes,
			daily_time = excluded.daily_time, next_run_at = excluded.next_run_at,
			payload_json = excluded.payload_json, updated_at = ?`,
		a.ID, a.WorkspaceID, a.Name, a.IsEnabled, a.ScheduleType, interval, nullString(a.DailyTime),
		nullTime(a.LastRunAt), nullTime(a.NextRunAt), payload, formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
		formatTime(now))
	return err
}

func scanAutomation(sc rowScanner) (Automation, error) {
	var a Automation
	var interval sql.NullInt64
	var dailyTime, lastRunAt, nextRunAt sql.NullString
	var createdAt, updatedAt string
	if err := sc.Scan(&a.ID, &a.WorkspaceID, &a.Name, &a.IsEnabled, &a.ScheduleType, &interval, &dailyTime,
		&lastRunAt, &nextRunAt, &a.PayloadJSON, &createdAt, &updatedAt); err != nil {
		return Automation{}, err
	}
	a.IntervalMinutes = int(interval.Int64)
	a.DailyTime = dailyTime.String

	var err error
	if a.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return Automation{}, err
	}
	if a.NextRunAt, err = parseNullTime(nextRunAt); err != nil {
		return Automation{}, err
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return Automation{}, err
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Automation{}, err
	}
	return a, nil
}

func (s *Store) GetAutomation(ctx context.Context, id string) (Automation, error) {
	a, err := scanAutomation(s.db.QueryRowContext(ctx, `SELECT `+automationColumns+` FROM automations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Automation{}, ErrNotFound
	}
	return a, err
}

func (s *Store) queryAutomations(ctx context.Context, query string, args ...any) ([]Automation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAutomations returns every automation of a workspace ordered by name.
func (s *Store) ListAutomations(ctx context.Context, workspaceID string) ([]Automation, error) {
	return s.queryAutomations(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE workspace_id = ? ORDER BY name ASC, id ASC`, workspaceID)
}

// ListEnabledAutomations returns enabled automations across all workspaces.
// Disabled rows are filtered here so a scheduler pass never sees them.
func (s *Store) ListEnabledAutomations(ctx context.Context) ([]Automation, error) {
	return s.queryAutomations(ctx,
		`SELECT `+automationColumns+` FROM automations WHERE is_enabled = 1 ORDER BY next_run_at ASC, id ASC`)
}

func (s *Store) SetAutomationEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE automations SET is_enabled = ?, updated_at = ? WHERE id = ?`,
		enabled, formatTime(s.now()), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// UpdateAutomationSchedule stores the evaluated schedule. lastRunAt is only
// written when non-nil so seeding keeps the previous value.
func (s *Store) UpdateAutomationSchedule(ctx context.Context, id string, lastRunAt *time.Time, nextRunAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automations SET last_run_at = COALESCE(?, last_run_at), next_run_at = ?, updated_at = ?
		WHERE id = ?`,
		nullTime(lastRunAt), formatTime(nextRunAt), formatTime(s.now()), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *Store) InsertAutomationRun(ctx context.Context, r AutomationRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_runs (id, automation_id, started_at, ended_at, status, error, created_run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AutomationID, formatTime(r.StartedAt), nullTime(r.EndedAt), r.Status,
		nullString(r.Error), nullString(r.CreatedRunID))
	return err
}

// FinishAutomationRun records the terminal state of a running automation run.
func (s *Store) FinishAutomationRun(ctx context.Context, id, status, errMsg, createdRunID string, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_runs SET status = ?, error = ?, created_run_id = ?, ended_at = ?
		WHERE id = ? AND status = 'running'`,
		status, nullString(errMsg), nullString(createdRunID), formatTime(endedAt), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ListAutomationRuns returns an automation's run history, newest first.
func (s *Store) ListAutomationRuns(ctx context.Context, automationID string, limit int) ([]AutomationRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, automation_id, started_at, ended_at, status, error, created_run_id
		FROM automation_runs WHERE automation_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`, automationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AutomationRun
	for rows.Next() {
		var r AutomationRun
		var startedAt string
		var endedAt, errMsg, createdRunID sql.NullString
		if err := rows.Scan(&r.ID, &r.AutomationID, &startedAt, &endedAt, &r.Status, &errMsg, &createdRunID); err != nil {
			return nil, err
		}
		r.Error = errMsg.String
		r.CreatedRunID = createdRunID.String
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if r.EndedAt, err = parseNullTime(endedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
