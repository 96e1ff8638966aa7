package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

// UpsertLead writes the lead row and its consent map. Human-control fields
// are owned by PauseLead/ResumeLead and are not touched here.
func (s *Store) UpsertLead(ctx context.Context, l domain.Lead) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO leads (id,organization_id,name,phone,email,timezone,do_not_contact,window_start,window_end,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT (id) DO UPDATE SET organization_id=excluded.organization_id, name=excluded.name, phone=excluded.phone,
  email=excluded.email, timezone=excluded.timezone, do_not_contact=excluded.do_not_contact,
  window_start=excluded.window_start, window_end=excluded.window_end, updated_at=excluded.updated_at`),
		l.ID, l.OrganizationID, l.Name, l.Phone, l.Email, l.Timezone, l.DoNotContact, l.WindowStart, l.WindowEnd,
		ms(time.Now()))
	if err != nil {
		return err
	}
	for ch, c := range l.Consent {
		_, err = tx.ExecContext(ctx, s.q(`
INSERT INTO lead_consents (lead_id,channel,granted,granted_at,revoked_at) VALUES (?,?,?,?,?)
ON CONFLICT (lead_id, channel) DO UPDATE SET granted=excluded.granted, granted_at=excluded.granted_at,
  revoked_at=excluded.revoked_at`),
			l.ID, string(ch), c.Granted, nullMs(c.GrantedAt), nullMs(c.RevokedAt))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetLead(ctx context.Context, id string) (domain.Lead, error) {
	var (
		l        domain.Lead
		pausedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT id,organization_id,name,phone,email,timezone,do_not_contact,window_start,window_end,human_control,paused_reason,paused_at
FROM leads WHERE id=?`), id).Scan(&l.ID, &l.OrganizationID, &l.Name, &l.Phone, &l.Email, &l.Timezone,
		&l.DoNotContact, &l.WindowStart, &l.WindowEnd, &l.HumanControl, &l.PausedReason, &pausedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lead{}, ErrNotFound
	}
	if err != nil {
		return domain.Lead{}, err
	}
	l.PausedAt = fromNullMs(pausedAt)

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT channel,granted,granted_at,revoked_at FROM lead_consents WHERE lead_id=?`), id)
	if err != nil {
		return domain.Lead{}, err
	}
	defer rows.Close()
	l.Consent = make(map[domain.Channel]domain.Consent)
	for rows.Next() {
		var (
			ch               string
			c                domain.Consent
			granted, revoked sql.NullInt64
		)
		if err := rows.Scan(&ch, &c.Granted, &granted, &revoked); err != nil {
			return domain.Lead{}, err
		}
		c.GrantedAt, c.RevokedAt = fromNullMs(granted), fromNullMs(revoked)
		l.Consent[domain.Channel(ch)] = c
	}
	return l, rows.Err()
}

// PauseLead puts the lead under human control and cancels its pending tasks
// plus any claimed task whose dispatch has not started, in one transaction.
// Tasks already in flight are left to finish. Pausing a paused lead is a
// no-op that cancels nothing.
func (s *Store) PauseLead(ctx context.Context, leadID, reason, operator string, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
UPDATE leads SET human_control=?, paused_reason=?, paused_at=?, updated_at=? WHERE id=? AND human_control=?`),
		true, reason, ms(now), ms(now), leadID, false)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM leads WHERE id=?`), leadID).Scan(&exists)
		if err != nil {
			return 0, err
		}
		if exists == 0 {
			return 0, ErrNotFound
		}
		return 0, nil
	}

	res, err = tx.ExecContext(ctx, s.q(`
UPDATE tasks SET status='cancelled', failure_reason=?, failure_class=?, completed_at=?, updated_at=?
WHERE lead_id=? AND (status='pending' OR (status='claimed' AND executed_at IS NULL))`),
		"lead under human control: "+reason, string(domain.FailureCancelled), ms(now), ms(now), leadID)
	if err != nil {
		return 0, err
	}
	cancelled, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := insertOverride(ctx, tx, s, leadID, "pause", reason, operator, int(cancelled), now); err != nil {
		return 0, err
	}
	return int(cancelled), tx.Commit()
}

// ResumeLead returns the lead to automation. Cancelled tasks stay cancelled.
func (s *Store) ResumeLead(ctx context.Context, leadID, operator string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(`
UPDATE leads SET human_control=?, paused_reason='', paused_at=NULL, updated_at=? WHERE id=? AND human_control=?`),
		false, ms(now), leadID, true)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := insertOverride(ctx, tx, s, leadID, "resume", "", operator, 0, now); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func insertOverride(ctx context.Context, tx *sql.Tx, s *Store, leadID, action, reason, operator string, cancelled int, now time.Time) error {
	_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO lead_overrides (id,lead_id,action,reason,operator,cancelled_tasks,created_at) VALUES (?,?,?,?,?,?,?)`),
		uuid.NewString(), leadID, action, reason, operator, cancelled, ms(now))
	return err
}

// Policy returns the organization's dispatch policy, falling back to
// defaults when none is stored.
func (s *Store) Policy(ctx context.Context, orgID string) (domain.Policy, error) {
	var (
		p                       domain.Policy
		retrySecs, followUpSecs int64
		strategy                string
	)
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT organization_id,window_start,window_end,timezone,frequency_cap,max_attempts,retry_interval_seconds,
  backoff_strategy,follow_up_delay_seconds
FROM org_policies WHERE organization_id=?`), orgID).Scan(&p.OrganizationID, &p.WindowStart, &p.WindowEnd,
		&p.Timezone, &p.FrequencyCap, &p.MaxAttempts, &retrySecs, &strategy, &followUpSecs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultPolicy(orgID), nil
	}
	if err != nil {
		return domain.Policy{}, err
	}
	p.RetryInterval = time.Duration(retrySecs) * time.Second
	p.FollowUpDelay = time.Duration(followUpSecs) * time.Second
	p.BackoffStrategy = domain.BackoffStrategy(strategy)
	return p.Normalize(), nil
}

func (s *Store) PutPolicy(ctx context.Context, p domain.Policy) error {
	_, err := s.db.ExecContext(ctx, s.q(`
INSERT INTO org_policies (organization_id,window_start,window_end,timezone,frequency_cap,max_attempts,
  retry_interval_seconds,backoff_strategy,follow_up_delay_seconds)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT (organization_id) DO UPDATE SET window_start=excluded.window_start, window_end=excluded.window_end,
  timezone=excluded.timezone, frequency_cap=excluded.frequency_cap, max_attempts=excluded.max_attempts,
  retry_interval_seconds=excluded.retry_interval_seconds, backoff_strategy=excluded.backoff_strategy,
  follow_up_delay_seconds=excluded.follow_up_delay_seconds`),
		p.OrganizationID, p.WindowStart, p.WindowEnd, p.Timezone, p.FrequencyCap, p.MaxAttempts,
		int64(p.RetryInterval/time.Second), string(p.BackoffStrategy), int64(p.FollowUpDelay/time.Second))
	return err
}

// Credentials returns the organization's secrets for vendor, or ErrNotFound.
func (s *Store) Credentials(ctx context.Context, orgID, vendor string) (map[string]string, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT secrets FROM vendor_credentials WHERE organization_id=? AND vendor=?`),
		orgID, vendor).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s credentials: %w", vendor, err)
	}
	return out, nil
}

func (s *Store) PutCredentials(ctx context.Context, orgID, vendor string, secrets map[string]string) error {
	b, err := json.Marshal(secrets)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`
INSERT INTO vendor_credentials (organization_id,vendor,secrets) VALUES (?,?,?)
ON CONFLICT (organization_id, vendor) DO UPDATE SET secrets=excluded.secrets`), orgID, vendor, string(b))
	return err
}
