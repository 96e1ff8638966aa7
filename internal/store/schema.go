package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS leads (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  phone TEXT NOT NULL DEFAULT '',
  email TEXT NOT NULL DEFAULT '',
  timezone TEXT NOT NULL DEFAULT '',
  do_not_contact BOOLEAN NOT NULL DEFAULT FALSE,
  window_start TEXT NOT NULL DEFAULT '',
  window_end TEXT NOT NULL DEFAULT '',
  human_control BOOLEAN NOT NULL DEFAULT FALSE,
  paused_reason TEXT NOT NULL DEFAULT '',
  paused_at BIGINT,
  updated_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS lead_consents (
  lead_id TEXT NOT NULL,
  channel TEXT NOT NULL,
  granted BOOLEAN NOT NULL DEFAULT FALSE,
  granted_at BIGINT,
  revoked_at BIGINT,
  PRIMARY KEY (lead_id, channel)
)`,
	`CREATE TABLE IF NOT EXISTS lead_overrides (
  id TEXT PRIMARY KEY,
  lead_id TEXT NOT NULL,
  action TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  operator TEXT NOT NULL DEFAULT '',
  cancelled_tasks INTEGER NOT NULL DEFAULT 0,
  created_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL,
  lead_id TEXT NOT NULL,
  agent_type TEXT NOT NULL,
  action_type TEXT NOT NULL CHECK(action_type IN ('call','sms','email')),
  status TEXT NOT NULL CHECK(status IN ('pending','claimed','in_progress','completed','failed','cancelled')) DEFAULT 'pending',
  attempt_number INTEGER NOT NULL DEFAULT 1,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  scheduled_for BIGINT NOT NULL,
  created_at BIGINT NOT NULL,
  claimed_at BIGINT,
  executed_at BIGINT,
  completed_at BIGINT,
  updated_at BIGINT NOT NULL,
  context TEXT NOT NULL DEFAULT '{}',
  external_ref TEXT NOT NULL DEFAULT '',
  failure_reason TEXT NOT NULL DEFAULT '',
  failure_class TEXT NOT NULL DEFAULT '',
  CHECK(attempt_number >= 1 AND attempt_number <= max_attempts)
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, scheduled_for)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_lead ON tasks(lead_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_org_failed ON tasks(organization_id, status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS task_attempts (
  task_id TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  started_at BIGINT NOT NULL,
  finished_at BIGINT NOT NULL,
  success BOOLEAN NOT NULL DEFAULT FALSE,
  error TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (task_id, attempt)
)`,
	`CREATE TABLE IF NOT EXISTS external_references (
  task_id TEXT PRIMARY KEY,
  vendor TEXT NOT NULL,
  vendor_call_id TEXT NOT NULL,
  created_at BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_external_refs_vendor ON external_references(vendor, vendor_call_id)`,
	`CREATE TABLE IF NOT EXISTS communications (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  organization_id TEXT NOT NULL,
  lead_id TEXT NOT NULL,
  channel TEXT NOT NULL,
  direction TEXT NOT NULL DEFAULT 'outbound',
  recipient TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  external_id TEXT NOT NULL DEFAULT '',
  duration_seconds INTEGER NOT NULL DEFAULT 0,
  transcript TEXT NOT NULL DEFAULT '',
  summary TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL,
  completed_at BIGINT
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_communications_task ON communications(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_communications_external ON communications(external_id)`,
	`CREATE TABLE IF NOT EXISTS cost_records (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL,
  service TEXT NOT NULL,
  usage_quantity DOUBLE PRECISION NOT NULL,
  usage_unit TEXT NOT NULL,
  unit_cost DOUBLE PRECISION NOT NULL,
  total_cost DOUBLE PRECISION NOT NULL,
  task_id TEXT NOT NULL,
  lead_id TEXT NOT NULL,
  call_id TEXT NOT NULL DEFAULT '',
  billable_event TEXT NOT NULL,
  recorded_at BIGINT NOT NULL
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_cost_records_event ON cost_records(task_id, billable_event)`,
	`CREATE INDEX IF NOT EXISTS idx_cost_records_org ON cost_records(organization_id, recorded_at)`,
	`CREATE TABLE IF NOT EXISTS activity_log (
  id TEXT PRIMARY KEY,
  organization_id TEXT NOT NULL DEFAULT '',
  lead_id TEXT NOT NULL DEFAULT '',
  task_id TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL,
  message TEXT NOT NULL,
  detail TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_lead ON activity_log(lead_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS org_policies (
  organization_id TEXT PRIMARY KEY,
  window_start TEXT NOT NULL DEFAULT '',
  window_end TEXT NOT NULL DEFAULT '',
  timezone TEXT NOT NULL DEFAULT '',
  frequency_cap INTEGER NOT NULL DEFAULT 3,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  retry_interval_seconds INTEGER NOT NULL DEFAULT 900,
  backoff_strategy TEXT NOT NULL DEFAULT 'linear',
  follow_up_delay_seconds INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE TABLE IF NOT EXISTS vendor_credentials (
  organization_id TEXT NOT NULL,
  vendor TEXT NOT NULL,
  secrets TEXT NOT NULL,
  PRIMARY KEY (organization_id, vendor)
)`,
}

// EnsureSchema creates tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.dialect == SQLite {
		if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
			return err
		}
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w\n%s", err, stmt)
		}
	}
	return nil
}
