package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

// InsertCost writes a cost row. It reports false when a row for the same
// task and billable event already exists, which makes redelivered
// completions harmless.
func (s *Store) InsertCost(ctx context.Context, c domain.CostRecord) (bool, error) {
	return s.insertCost(ctx, s.db, c)
}

func (s *Store) insertCost(ctx context.Context, ex execer, c domain.CostRecord) (bool, error) {
	if c.ID == "" {
		c.ID = "cst_" + uuid.NewString()
	}
	if c.RecordedAt.IsZero() {
		c.RecordedAt = time.Now().UTC()
	}
	res, err := ex.ExecContext(ctx, s.q(`
INSERT INTO cost_records (id,organization_id,service,usage_quantity,usage_unit,unit_cost,total_cost,task_id,lead_id,
  call_id,billable_event,recorded_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`),
		c.ID, c.OrganizationID, c.Service, c.UsageQuantity, c.UsageUnit, c.UnitCost, c.TotalCost, c.TaskID, c.LeadID,
		c.CallID, c.BillableEvent, ms(c.RecordedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) ListCosts(ctx context.Context, taskID string) ([]domain.CostRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id,organization_id,service,usage_quantity,usage_unit,unit_cost,total_cost,task_id,lead_id,call_id,
  billable_event,recorded_at
FROM cost_records WHERE task_id=? ORDER BY recorded_at`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.CostRecord
	for rows.Next() {
		var c domain.CostRecord
		var recorded int64
		if err := rows.Scan(&c.ID, &c.OrganizationID, &c.Service, &c.UsageQuantity, &c.UsageUnit, &c.UnitCost,
			&c.TotalCost, &c.TaskID, &c.LeadID, &c.CallID, &c.BillableEvent, &recorded); err != nil {
			return nil, err
		}
		c.RecordedAt = fromMs(recorded)
		out = append(out, c)
	}
	return out, rows.Err()
}

// CostTotal sums an organization's cost rows recorded in [from, to).
func (s *Store) CostTotal(ctx context.Context, orgID string, from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT SUM(total_cost) FROM cost_records WHERE organization_id=? AND recorded_at >= ? AND recorded_at < ?`),
		orgID, ms(from), ms(to)).Scan(&total)
	return total.Float64, err
}

// InsertCommunication writes the communication row for a task. A task has at
// most one; a second insert reports false.
func (s *Store) InsertCommunication(ctx context.Context, c domain.Communication) (bool, error) {
	return s.insertCommunication(ctx, s.db, c)
}

func (s *Store) insertCommunication(ctx context.Context, ex execer, c domain.Communication) (bool, error) {
	if c.ID == "" {
		c.ID = "com_" + uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Direction == "" {
		c.Direction = "outbound"
	}
	res, err := ex.ExecContext(ctx, s.q(`
INSERT INTO communications (id,task_id,organization_id,lead_id,channel,direction,recipient,status,external_id,
  duration_seconds,transcript,summary,created_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`),
		c.ID, c.TaskID, c.OrganizationID, c.LeadID, string(c.Channel), c.Direction, c.Recipient, c.Status,
		c.ExternalID, c.DurationSeconds, c.Transcript, c.Summary, ms(c.CreatedAt), nullMs(c.CompletedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) GetCommunicationByTask(ctx context.Context, taskID string) (domain.Communication, error) {
	var (
		c         domain.Communication
		ch        string
		created   int64
		completed sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT id,task_id,organization_id,lead_id,channel,direction,recipient,status,external_id,duration_seconds,
  transcript,summary,created_at,completed_at
FROM communications WHERE task_id=?`), taskID).Scan(&c.ID, &c.TaskID, &c.OrganizationID, &c.LeadID, &ch,
		&c.Direction, &c.Recipient, &c.Status, &c.ExternalID, &c.DurationSeconds, &c.Transcript, &c.Summary,
		&created, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Communication{}, ErrNotFound
	}
	if err != nil {
		return domain.Communication{}, err
	}
	c.Channel = domain.Channel(ch)
	c.CreatedAt = fromMs(created)
	c.CompletedAt = fromNullMs(completed)
	return c, nil
}

// UpdateCommunicationStatus records a later delivery status (for example an
// SMS status callback) against the communication with the given vendor id.
func (s *Store) UpdateCommunicationStatus(ctx context.Context, externalID, status string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
UPDATE communications SET status=?, completed_at=? WHERE external_id=? AND external_id <> ''`),
		status, ms(now), externalID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SaveExternalReference records the vendor id a dispatch produced. Saving the
// same reference twice is a no-op.
func (s *Store) SaveExternalReference(ctx context.Context, r domain.ExternalReference) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO external_references (task_id,vendor,vendor_call_id,created_at) VALUES (?,?,?,?) ON CONFLICT DO NOTHING`),
		r.TaskID, r.Vendor, r.VendorCallID, ms(r.CreatedAt))
	return err
}

// FindExternalReference looks a vendor id up. An empty vendor matches any.
func (s *Store) FindExternalReference(ctx context.Context, vendor, vendorCallID string) (domain.ExternalReference, error) {
	query := `SELECT task_id,vendor,vendor_call_id,created_at FROM external_references WHERE vendor_call_id=?`
	args := []any{vendorCallID}
	if vendor != "" {
		query += ` AND vendor=?`
		args = append(args, vendor)
	}
	return s.scanRef(s.db.QueryRowContext(ctx, s.q(query), args...))
}

func (s *Store) GetExternalReferenceByTask(ctx context.Context, taskID string) (domain.ExternalReference, error) {
	return s.scanRef(s.db.QueryRowContext(ctx,
		s.q(`SELECT task_id,vendor,vendor_call_id,created_at FROM external_references WHERE task_id=?`), taskID))
}

func (s *Store) scanRef(row *sql.Row) (domain.ExternalReference, error) {
	var r domain.ExternalReference
	var created int64
	err := row.Scan(&r.TaskID, &r.Vendor, &r.VendorCallID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	r.CreatedAt = fromMs(created)
	return r, nil
}

// RecordActivity appends to the activity log.
func (s *Store) RecordActivity(ctx context.Context, a domain.Activity) error {
	if a.ID == "" {
		a.ID = "act_" + uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO activity_log (id,organization_id,lead_id,task_id,kind,message,detail,created_at) VALUES (?,?,?,?,?,?,?,?)`),
		a.ID, a.OrganizationID, a.LeadID, a.TaskID, a.Kind, a.Message, string(a.Detail), ms(a.CreatedAt))
	return err
}

// ListActivity returns a lead's activity, newest first. An empty lead id
// lists entries not tied to a lead, such as unmatched webhooks.
func (s *Store) ListActivity(ctx context.Context, leadID string, limit int) ([]domain.Activity, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT id,organization_id,lead_id,task_id,kind,message,detail,created_at FROM activity_log
WHERE lead_id=? ORDER BY created_at DESC LIMIT ?`), leadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Activity
	for rows.Next() {
		var a domain.Activity
		var detail string
		var created int64
		if err := rows.Scan(&a.ID, &a.OrganizationID, &a.LeadID, &a.TaskID, &a.Kind, &a.Message, &detail, &created); err != nil {
			return nil, err
		}
		if detail != "" {
			a.Detail = []byte(detail)
		}
		a.CreatedAt = fromMs(created)
		out = append(out, a)
	}
	return out, rows.Err()
}
