package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/channel"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/store"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/webhook"
)

const sweepBatch = 100

type SweepSummary struct {
	Requeued    int `json:"requeued"`
	Interrupted int `json:"interrupted"`
	Reconciled  int `json:"reconciled"`
	TimedOut    int `json:"timed_out"`
	Waiting     int `json:"waiting"`
}

// Sweep recovers tasks that a dispatch cycle or a vendor left hanging:
// claims older than the claim lease, and in_progress tasks whose webhook has
// not arrived within the grace period. Stuck tasks are polled when the
// adapter supports it and failed otherwise.
func (d *Dispatcher) Sweep(ctx context.Context) (SweepSummary, error) {
	var sum SweepSummary
	now := d.now().UTC()

	requeued, interrupted, err := d.store.RecoverStaleClaims(ctx, now.Add(-d.cfg.ClaimLease), now)
	if err != nil {
		return sum, fmt.Errorf("recover stale claims: %w", err)
	}
	sum.Requeued, sum.Interrupted = requeued, interrupted

	stuck, err := d.store.ListStuck(ctx, now.Add(-d.cfg.CallGrace), now.Add(-d.cfg.AsyncGrace), sweepBatch)
	if err != nil {
		return sum, fmt.Errorf("list stuck tasks: %w", err)
	}
	for _, t := range stuck {
		switch d.reconcile(ctx, t) {
		case OutcomeCompleted, OutcomeFailed:
			sum.Reconciled++
		case OutcomeTimedOut:
			sum.TimedOut++
		default:
			sum.Waiting++
		}
	}
	if requeued+interrupted+len(stuck) > 0 {
		d.log.Info().Int("requeued", sum.Requeued).Int("interrupted", sum.Interrupted).
			Int("reconciled", sum.Reconciled).Int("timed_out", sum.TimedOut).Msg("sweep finished")
	}
	return sum, nil
}

// reconcile polls the vendor for a stuck task. A final vendor status is
// applied through the same path as a webhook; anything else fails the task.
func (d *Dispatcher) reconcile(ctx context.Context, t domain.Task) Outcome {
	logger := d.log.With().Str("task_id", t.ID).Str("lead_id", t.LeadID).Logger()

	ref, err := d.store.GetExternalReferenceByTask(ctx, t.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Error().Err(err).Msg("load external reference")
		return OutcomeInProgress
	}
	if err == nil && d.completer != nil {
		if poller, ok := d.pollerFor(ref.Vendor, t.ActionType); ok {
			pctx, cancel := context.WithTimeout(ctx, d.adapters.Timeout(t.ActionType))
			res, perr := poller.Poll(pctx, t, ref)
			cancel()
			switch {
			case perr != nil:
				logger.Warn().Err(perr).Msg("poll stuck task")
			case res.Final:
				disp, cerr := d.completer.Complete(ctx, webhook.Result{
					Vendor:          ref.Vendor,
					VendorCallID:    ref.VendorCallID,
					TaskID:          t.ID,
					LeadID:          t.LeadID,
					OrganizationID:  t.OrganizationID,
					Status:          res.Result.Status,
					Completed:       res.Result.Completed,
					DurationSeconds: res.Result.DurationSeconds,
					Transcript:      res.Result.Transcript,
					Summary:         res.Result.Summary,
				})
				if cerr != nil {
					logger.Error().Err(cerr).Msg("apply polled result")
					return OutcomeInProgress
				}
				logger.Info().Str("outcome", string(disp)).Msg("stuck task reconciled by poll")
				if disp == webhook.Failed {
					return OutcomeFailed
				}
				return OutcomeCompleted
			}
		}
	}

	reason := "no completion received within grace period"
	class := domain.FailureTimeout
	now := d.now().UTC()
	ok, err := d.store.UpdateStatus(ctx, t.ID, domain.StatusInProgress, domain.StatusFailed, store.Fields{
		FailureReason: &reason,
		FailureClass:  &class,
		CompletedAt:   &now,
	})
	if err != nil || !ok {
		return OutcomeSkipped
	}
	d.logOutcome(taskRun{task: t}, OutcomeFailed, reason)
	d.recordActivity(ctx, taskRun{task: t}, OutcomeFailed, fmt.Sprintf("%s failed: %s", t.ActionType, reason))
	return OutcomeTimedOut
}

func (d *Dispatcher) pollerFor(vendor string, action domain.ActionType) (channel.Poller, bool) {
	a, ok := d.adapters.ByVendor(vendor)
	if !ok {
		var err error
		if a, err = d.adapters.Get(action); err != nil {
			return nil, false
		}
	}
	p, ok := a.(channel.Poller)
	return p, ok
}
