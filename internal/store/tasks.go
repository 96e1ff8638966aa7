package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

const taskColumns = `id,organization_id,lead_id,agent_type,action_type,status,attempt_number,max_attempts,
scheduled_for,created_at,claimed_at,executed_at,completed_at,updated_at,context,external_ref,failure_reason,failure_class`

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                                      domain.Task
		scheduled, created, updated            int64
		claimed, executed, completed           sql.NullInt64
		agent, action, status, failureClass, tc string
	)
	err := row.Scan(&t.ID, &t.OrganizationID, &t.LeadID, &agent, &action, &status, &t.AttemptNumber, &t.MaxAttempts,
		&scheduled, &created, &claimed, &executed, &completed, &updated, &tc, &t.ExternalRef, &t.FailureReason, &failureClass)
	if err != nil {
		return domain.Task{}, err
	}
	t.AgentType = domain.AgentType(agent)
	t.ActionType = domain.ActionType(action)
	t.Status = domain.TaskStatus(status)
	t.FailureClass = domain.FailureClass(failureClass)
	t.ScheduledFor = fromMs(scheduled)
	t.CreatedAt = fromMs(created)
	t.UpdatedAt = fromMs(updated)
	t.ClaimedAt = fromNullMs(claimed)
	t.ExecutedAt = fromNullMs(executed)
	t.CompletedAt = fromNullMs(completed)
	t.Context = []byte(tc)
	return t, nil
}

func scanTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateTask inserts a pending task. Zero-valued id, attempt number and max
// attempts are filled in.
func (s *Store) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.AttemptNumber == 0 {
		t.AttemptNumber = 1
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}
	if t.AttemptNumber > t.MaxAttempts {
		return domain.Task{}, fmt.Errorf("attempt number %d exceeds max attempts %d", t.AttemptNumber, t.MaxAttempts)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.ScheduledFor.IsZero() {
		t.ScheduledFor = now
	}
	t.Status = domain.StatusPending
	t.UpdatedAt = now
	if len(t.Context) == 0 {
		t.Context = []byte(`{}`)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO tasks (id,organization_id,lead_id,agent_type,action_type,status,attempt_number,max_attempts,
  scheduled_for,created_at,updated_at,context)
VALUES (?,?,?,?,?,'pending',?,?,?,?,?,?)`),
		t.ID, t.OrganizationID, t.LeadID, string(t.AgentType), string(t.ActionType), t.AttemptNumber, t.MaxAttempts,
		ms(t.ScheduledFor), ms(t.CreatedAt), ms(t.UpdatedAt), string(t.Context))
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

// ClaimDueTasks atomically moves up to limit due pending tasks whose lead is
// not under human control to claimed and returns them. It is a single
// conditional UPDATE, so concurrent callers never claim the same row.
func (s *Store) ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	lock := ""
	if s.dialect == Postgres {
		lock = " FOR UPDATE OF t SKIP LOCKED"
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
UPDATE tasks SET status='claimed', claimed_at=?, updated_at=?
WHERE status='pending' AND id IN (
  SELECT t.id FROM tasks t JOIN leads l ON l.id = t.lead_id
  WHERE t.status='pending' AND t.scheduled_for <= ? AND l.human_control = ?
  ORDER BY t.scheduled_for ASC, t.created_at ASC
  LIMIT ?`+lock+`
)
RETURNING `+taskColumns), ms(now), ms(now), ms(now), false, limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// Fields are the optional column changes applied by UpdateStatus.
type Fields struct {
	ExternalRef      *string
	FailureReason    *string
	FailureClass     *domain.FailureClass
	ScheduledFor     *time.Time
	ExecutedAt       *time.Time
	ClearExecutedAt  bool
	CompletedAt      *time.Time
	IncrementAttempt bool
}

// UpdateStatus is a compare-and-swap: it applies to -> status and fields only
// if the task is currently in from. It reports false, without error, when the
// current status does not match.
func (s *Store) UpdateStatus(ctx context.Context, id string, from, to domain.TaskStatus, f Fields) (bool, error) {
	return s.updateStatus(ctx, s.db, id, from, to, f)
}

func (s *Store) updateStatus(ctx context.Context, ex execer, id string, from, to domain.TaskStatus, f Fields) (bool, error) {
	if from != to && !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	if from.Terminal() {
		return false, fmt.Errorf("%w: %s is terminal", domain.ErrInvalidTransition, from)
	}
	now := time.Now().UTC()
	sets := []string{"status=?", "updated_at=?"}
	args := []any{string(to), ms(now)}
	if to == domain.StatusPending {
		sets = append(sets, "claimed_at=NULL")
	}
	if f.ExternalRef != nil {
		sets = append(sets, "external_ref=?")
		args = append(args, *f.ExternalRef)
	}
	if f.FailureReason != nil {
		sets = append(sets, "failure_reason=?")
		args = append(args, *f.FailureReason)
	}
	if f.FailureClass != nil {
		sets = append(sets, "failure_class=?")
		args = append(args, string(*f.FailureClass))
	}
	if f.ScheduledFor != nil {
		sets = append(sets, "scheduled_for=?")
		args = append(args, ms(*f.ScheduledFor))
	}
	switch {
	case f.ClearExecutedAt:
		sets = append(sets, "executed_at=NULL")
	case f.ExecutedAt != nil:
		sets = append(sets, "executed_at=?")
		args = append(args, ms(*f.ExecutedAt))
	}
	if f.CompletedAt != nil {
		sets = append(sets, "completed_at=?")
		args = append(args, ms(*f.CompletedAt))
	}
	where := "id=? AND status=?"
	args = append(args, id, string(from))
	if f.IncrementAttempt {
		sets = append(sets, "attempt_number=attempt_number+1")
		where += " AND attempt_number < max_attempts"
	}
	res, err := ex.ExecContext(ctx, s.q(`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE `+where), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Records are the rows written together with a task's final status.
type Records struct {
	Communication *domain.Communication
	Cost          *domain.CostRecord
}

// Finalize applies the from -> to swap and writes the communication and cost
// rows in one transaction. When the swap loses (the task moved on, say the
// sweep timed it out) nothing is written and it reports false.
func (s *Store) Finalize(ctx context.Context, id string, from, to domain.TaskStatus, f Fields, recs Records) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := s.updateStatus(ctx, tx, id, from, to, f)
	if err != nil || !ok {
		return false, err
	}
	if recs.Communication != nil {
		if _, err := s.insertCommunication(ctx, tx, *recs.Communication); err != nil {
			return false, fmt.Errorf("record communication: %w", err)
		}
	}
	if recs.Cost != nil {
		if _, err := s.insertCost(ctx, tx, *recs.Cost); err != nil {
			return false, fmt.Errorf("record cost: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// BeginDispatch marks the moment a claimed task's vendor call starts. From
// then on the task has a side effect in flight and human takeover leaves it
// alone. Reports false if the task is no longer claimed or already started.
func (s *Store) BeginDispatch(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE tasks SET executed_at=?, updated_at=? WHERE id=? AND status='claimed' AND executed_at IS NULL`),
		ms(now), ms(now), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecoverStaleClaims handles claims abandoned by a crashed dispatcher. Claims
// that never started dispatch go back to pending; claims whose vendor call
// started but never recorded an outcome are failed rather than risk a second
// contact.
func (s *Store) RecoverStaleClaims(ctx context.Context, cutoff, now time.Time) (requeued, failed int, err error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE tasks SET status='pending', claimed_at=NULL, updated_at=?
WHERE status='claimed' AND executed_at IS NULL AND claimed_at < ?`), ms(now), ms(cutoff))
	if err != nil {
		return 0, 0, err
	}
	n1, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}
	res, err = s.db.ExecContext(ctx, s.q(`
UPDATE tasks SET status='failed', failure_reason=?, failure_class=?, completed_at=?, updated_at=?
WHERE status='claimed' AND executed_at IS NOT NULL AND executed_at < ?`),
		"dispatch interrupted before its outcome was recorded", string(domain.FailureInterrupted), ms(now), ms(now), ms(cutoff))
	if err != nil {
		return int(n1), 0, err
	}
	n2, err := res.RowsAffected()
	if err != nil {
		return int(n1), 0, err
	}
	return int(n1), int(n2), nil
}

// ListStuck returns in_progress tasks whose dispatch began before the
// cutoff for their action: callCutoff for calls, asyncCutoff for the rest.
func (s *Store) ListStuck(ctx context.Context, callCutoff, asyncCutoff time.Time, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+taskColumns+` FROM tasks
WHERE status='in_progress'
  AND ((action_type=? AND executed_at < ?) OR (action_type<>? AND executed_at < ?))
ORDER BY executed_at ASC LIMIT ?`),
		string(domain.ActionCall), ms(callCutoff), string(domain.ActionCall), ms(asyncCutoff), limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (s *Store) ListLeadTasks(ctx context.Context, leadID string, limit int) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT `+taskColumns+` FROM tasks WHERE lead_id=? ORDER BY created_at DESC LIMIT ?`), leadID, limit)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

// CountRecentContacts counts outbound contacts to a lead that started at or
// after since and were not failed.
func (s *Store) CountRecentContacts(ctx context.Context, leadID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT COUNT(*) FROM tasks
WHERE lead_id=? AND executed_at >= ? AND status IN ('claimed','in_progress','completed')`),
		leadID, ms(since)).Scan(&n)
	return n, err
}

// FailureSummary groups an organization's failed tasks since the given time
// by class and reason. Many leads failing for one reason points to a broken
// integration rather than a bad contact.
func (s *Store) FailureSummary(ctx context.Context, orgID string, since time.Time) ([]domain.FailureCount, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT failure_class, failure_reason, COUNT(DISTINCT lead_id), COUNT(*) FROM tasks
WHERE organization_id=? AND status='failed' AND updated_at >= ?
GROUP BY failure_class, failure_reason
ORDER BY COUNT(*) DESC`), orgID, ms(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.FailureCount
	for rows.Next() {
		var fc domain.FailureCount
		var class string
		if err := rows.Scan(&class, &fc.Reason, &fc.Leads, &fc.Tasks); err != nil {
			return nil, err
		}
		fc.Class = domain.FailureClass(class)
		out = append(out, fc)
	}
	return out, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

// RecordAttempt stores the audit row for one dispatch attempt. Re-recording
// the same attempt is a no-op.
func (s *Store) RecordAttempt(ctx context.Context, a domain.TaskAttempt) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO task_attempts (task_id,attempt,started_at,finished_at,success,error)
VALUES (?,?,?,?,?,?) ON CONFLICT DO NOTHING`),
		a.TaskID, a.Attempt, ms(a.StartedAt), ms(a.FinishedAt), a.Success, a.Error)
	return err
}

func (s *Store) ListAttempts(ctx context.Context, taskID string) ([]domain.TaskAttempt, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT task_id,attempt,started_at,finished_at,success,error FROM task_attempts WHERE task_id=? ORDER BY attempt`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.TaskAttempt
	for rows.Next() {
		var a domain.TaskAttempt
		var started, finished int64
		if err := rows.Scan(&a.TaskID, &a.Attempt, &started, &finished, &a.Success, &a.Error); err != nil {
			return nil, err
		}
		a.StartedAt, a.FinishedAt = fromMs(started), fromMs(finished)
		out = append(out, a)
	}
	return out, rows.Err()
}
