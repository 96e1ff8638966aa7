// Package webhook finalizes asynchronous contacts when the vendor reports
// back. Completion is idempotent: a redelivered callback changes nothing.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/activity"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/ledger"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/store"
)

type Store interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	FindExternalReference(ctx context.Context, vendor, vendorCallID string) (domain.ExternalReference, error)
	UpdateCommunicationStatus(ctx context.Context, externalID, status string, now time.Time) (bool, error)
	Finalize(ctx context.Context, id string, from, to domain.TaskStatus, f store.Fields, recs store.Records) (bool, error)
}

type Pricer interface {
	Price(u ledger.Usage) (domain.CostRecord, error)
}

type FollowUps interface {
	ScheduleFollowUp(ctx context.Context, done domain.Task) (domain.Task, bool, error)
}

// Result is a vendor's final report on a contact, from a callback or a poll.
type Result struct {
	Vendor              string
	VendorCallID        string
	TaskID              string
	LeadID              string
	OrganizationID      string
	CampaignRecipientID string
	Status              string
	Completed           bool
	DurationSeconds     int
	Transcript          string
	Summary             string
	Recipient           string
	ReceivedAt          time.Time
}

type Disposition string

const (
	Unmatched Disposition = "unmatched"
	Duplicate Disposition = "duplicate"
	Ignored   Disposition = "ignored"
	Completed Disposition = "completed"
	Failed    Disposition = "failed"
)

type Service struct {
	store     Store
	ledger    Pricer
	activity  activity.Log
	followUps FollowUps
	log       zerolog.Logger
}

func NewService(st Store, l Pricer, act activity.Log, followUps FollowUps, logger zerolog.Logger) *Service {
	if act == nil {
		act = activity.Nop{}
	}
	return &Service{store: st, ledger: l, activity: act, followUps: followUps, log: logger}
}

// Complete applies a final vendor result to its task. Correlation prefers
// the external reference recorded at dispatch, then the echoed metadata.
// The communication and cost rows are written in the same transaction as
// the status swap, so a task that the sweep already timed out, or a
// redelivered callback, leaves no rows behind.
func (s *Service) Complete(ctx context.Context, r Result) (Disposition, error) {
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
	task, ok, err := s.correlate(ctx, r)
	if err != nil {
		return "", err
	}
	if !ok {
		s.unmatched(ctx, r)
		return Unmatched, nil
	}
	logger := s.log.With().Str("task_id", task.ID).Str("lead_id", task.LeadID).
		Str("organization_id", task.OrganizationID).Str("vendor_call_id", r.VendorCallID).Logger()

	if task.Status.Terminal() {
		logger.Info().Str("status", string(task.Status)).Msg("duplicate webhook ignored")
		return Duplicate, nil
	}
	if task.Status == domain.StatusPending {
		logger.Warn().Msg("webhook for a task that is not in flight ignored")
		return Ignored, nil
	}

	cost, err := s.ledger.Price(ledger.Usage{
		Task:            task,
		Vendor:          r.Vendor,
		CallID:          r.VendorCallID,
		DurationSeconds: r.DurationSeconds,
		At:              r.ReceivedAt,
	})
	if err != nil {
		return "", err
	}
	recs := store.Records{
		Communication: &domain.Communication{
			TaskID:          task.ID,
			OrganizationID:  task.OrganizationID,
			LeadID:          task.LeadID,
			Channel:         task.ActionType.Channel(),
			Recipient:       r.Recipient,
			Status:          r.Status,
			ExternalID:      r.VendorCallID,
			DurationSeconds: r.DurationSeconds,
			Transcript:      r.Transcript,
			Summary:         r.Summary,
			CreatedAt:       r.ReceivedAt,
			CompletedAt:     &r.ReceivedAt,
		},
		Cost: &cost,
	}

	to := domain.StatusCompleted
	f := store.Fields{CompletedAt: &r.ReceivedAt}
	if r.VendorCallID != "" {
		f.ExternalRef = &r.VendorCallID
	}
	if !r.Completed {
		to = domain.StatusFailed
		reason := "call ended with status " + r.Status
		if r.Status == "" {
			reason = "call did not complete"
		}
		class := domain.FailureOutcome
		f.FailureReason, f.FailureClass = &reason, &class
	}
	applied, err := s.transition(ctx, task, to, f, recs)
	if err != nil {
		return "", err
	}
	if !applied {
		logger.Info().Msg("duplicate webhook ignored")
		return Duplicate, nil
	}
	task.Status = to
	task.CompletedAt = &r.ReceivedAt

	disp := Completed
	if to == domain.StatusFailed {
		disp = Failed
	}
	logger.Info().Str("outcome", string(disp)).Str("call_status", r.Status).Int("duration_seconds", r.DurationSeconds).
		Msg("webhook applied")
	s.record(ctx, domain.Activity{
		OrganizationID: task.OrganizationID,
		LeadID:         task.LeadID,
		TaskID:         task.ID,
		Kind:           activity.KindWebhookApplied,
		Message:        fmt.Sprintf("%s %s", task.ActionType, disp),
		Detail: activity.Detail(map[string]any{
			"vendor_call_id":   r.VendorCallID,
			"status":           r.Status,
			"duration_seconds": r.DurationSeconds,
			"summary":          r.Summary,
		}),
	})

	if disp == Completed && s.followUps != nil {
		s.followUp(ctx, task, logger)
	}
	return disp, nil
}

// transition moves the task out of claimed or in_progress and writes its
// records. The dispatcher may be moving claimed -> in_progress concurrently,
// so a lost swap is retried once from the status actually found.
func (s *Service) transition(ctx context.Context, task domain.Task, to domain.TaskStatus, f store.Fields, recs store.Records) (bool, error) {
	from := task.Status
	for i := 0; i < 2; i++ {
		ok, err := s.store.Finalize(ctx, task.ID, from, to, f, recs)
		if err != nil {
			return false, fmt.Errorf("finalize task %s: %w", task.ID, err)
		}
		if ok {
			return true, nil
		}
		cur, err := s.store.GetTask(ctx, task.ID)
		if err != nil {
			return false, err
		}
		if cur.Status.Terminal() || cur.Status == from || cur.Status == domain.StatusPending {
			return false, nil
		}
		from = cur.Status
	}
	return false, nil
}

func (s *Service) correlate(ctx context.Context, r Result) (domain.Task, bool, error) {
	if r.VendorCallID != "" {
		ref, err := s.store.FindExternalReference(ctx, r.Vendor, r.VendorCallID)
		switch {
		case err == nil:
			t, err := s.store.GetTask(ctx, ref.TaskID)
			if errors.Is(err, store.ErrNotFound) {
				return domain.Task{}, false, nil
			}
			return t, err == nil, err
		case !errors.Is(err, store.ErrNotFound):
			return domain.Task{}, false, fmt.Errorf("find external reference: %w", err)
		}
	}
	if r.TaskID == "" {
		return domain.Task{}, false, nil
	}
	t, err := s.store.GetTask(ctx, r.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	// Echoed metadata is only trusted when it agrees with the task.
	if (r.OrganizationID != "" && r.OrganizationID != t.OrganizationID) || (r.LeadID != "" && r.LeadID != t.LeadID) {
		return domain.Task{}, false, nil
	}
	return t, true, nil
}

func (s *Service) unmatched(ctx context.Context, r Result) {
	s.log.Warn().Str("vendor", r.Vendor).Str("vendor_call_id", r.VendorCallID).Str("task_id", r.TaskID).
		Str("lead_id", r.LeadID).Str("organization_id", r.OrganizationID).Str("status", r.Status).
		Msg("unmatched webhook")
	s.record(ctx, domain.Activity{
		OrganizationID: r.OrganizationID,
		Kind:           activity.KindWebhookUnmatched,
		Message:        "webhook could not be matched to a task",
		Detail: activity.Detail(map[string]any{
			"vendor":         r.Vendor,
			"vendor_call_id": r.VendorCallID,
			"task_id":        r.TaskID,
			"lead_id":        r.LeadID,
			"status":         r.Status,
		}),
	})
}

func (s *Service) followUp(ctx context.Context, task domain.Task, logger zerolog.Logger) {
	next, ok, err := s.followUps.ScheduleFollowUp(ctx, task)
	if err != nil {
		logger.Warn().Err(err).Msg("follow-up scheduling failed")
		return
	}
	if !ok {
		return
	}
	s.record(ctx, domain.Activity{
		OrganizationID: task.OrganizationID,
		LeadID:         task.LeadID,
		TaskID:         next.ID,
		Kind:           activity.KindFollowUp,
		Message:        "follow-up scheduled for " + next.ScheduledFor.Format(time.RFC3339),
	})
}

// DeliveryStatus records a later delivery update for a sync contact (an
// SMS status callback). The task itself is already final.
func (s *Service) DeliveryStatus(ctx context.Context, vendorID, status string) (bool, error) {
	if vendorID == "" {
		s.log.Warn().Str("status", status).Msg("unmatched webhook")
		return false, nil
	}
	ok, err := s.store.UpdateCommunicationStatus(ctx, vendorID, status, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !ok {
		s.log.Warn().Str("vendor_call_id", vendorID).Str("status", status).Msg("unmatched webhook")
	}
	return ok, nil
}

func (s *Service) record(ctx context.Context, a domain.Activity) {
	if err := s.activity.Record(ctx, a); err != nil {
		s.log.Warn().Err(err).Str("kind", a.Kind).Msg("record activity failed")
	}
}
