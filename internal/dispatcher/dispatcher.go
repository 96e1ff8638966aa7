// Package dispatcher runs the dispatch cycle: claim due tasks, gate them,
// hand them to a channel adapter and record the outcome.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/activity"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/channel"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/compliance"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/ledger"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/store"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/webhook"
)

type Store interface {
	ClaimDueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	GetLead(ctx context.Context, id string) (domain.Lead, error)
	Policy(ctx context.Context, orgID string) (domain.Policy, error)
	BeginDispatch(ctx context.Context, id string, now time.Time) (bool, error)
	UpdateStatus(ctx context.Context, id string, from, to domain.TaskStatus, f store.Fields) (bool, error)
	Finalize(ctx context.Context, id string, from, to domain.TaskStatus, f store.Fields, recs store.Records) (bool, error)
	SaveExternalReference(ctx context.Context, r domain.ExternalReference) error
	GetExternalReferenceByTask(ctx context.Context, taskID string) (domain.ExternalReference, error)
	RecordAttempt(ctx context.Context, a domain.TaskAttempt) error
	RecoverStaleClaims(ctx context.Context, cutoff, now time.Time) (int, int, error)
	ListStuck(ctx context.Context, callCutoff, asyncCutoff time.Time, limit int) ([]domain.Task, error)
}

type Gate interface {
	Evaluate(ctx context.Context, req compliance.Request) (compliance.Decision, error)
}

type Ledger interface {
	Price(u ledger.Usage) (domain.CostRecord, error)
}

// Completer finalizes async tasks; the webhook service in production.
type Completer interface {
	Complete(ctx context.Context, r webhook.Result) (webhook.Disposition, error)
}

type Config struct {
	BatchSize   int
	Concurrency int
	// ClaimLease is how long a claim may sit without an outcome before the
	// sweep recovers it.
	ClaimLease time.Duration
	CallGrace  time.Duration
	AsyncGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 10 * time.Minute
	}
	if c.CallGrace <= 0 {
		c.CallGrace = time.Hour
	}
	if c.AsyncGrace <= 0 {
		c.AsyncGrace = time.Hour
	}
	return c
}

type Outcome string

const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeRetry      Outcome = "retry_scheduled"
	OutcomeFailed     Outcome = "failed"
	OutcomeCancelled  Outcome = "cancelled"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeReleased   Outcome = "released"
	OutcomeTimedOut   Outcome = "timed_out"
)

type CycleSummary struct {
	Claimed  int             `json:"claimed"`
	Outcomes map[Outcome]int `json:"outcomes"`
	Duration time.Duration   `json:"duration"`
}

type Dispatcher struct {
	store     Store
	gate      Gate
	ledger    Ledger
	adapters  *channel.Registry
	activity  activity.Log
	completer Completer
	recorder  compliance.ContactRecorder
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

type Option func(*Dispatcher)

// WithContactRecorder reports each placed contact to a counter that keeps
// its own window (Redis).
func WithContactRecorder(r compliance.ContactRecorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

func WithActivity(l activity.Log) Option {
	return func(d *Dispatcher) { d.activity = l }
}

func WithCompleter(c Completer) Option {
	return func(d *Dispatcher) { d.completer = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(st Store, gate Gate, l Ledger, adapters *channel.Registry, cfg Config, logger zerolog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		gate:     gate,
		ledger:   l,
		adapters: adapters,
		activity: activity.Nop{},
		cfg:      cfg.withDefaults(),
		log:      logger,
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// RunCycle claims up to BatchSize due tasks and processes them in
// goroutines, at most Concurrency at a time. Tasks for the same lead run one
// after another in a single goroutine, so each sees the contacts the
// previous one made when the frequency cap is checked. A failure on one
// task never aborts the others. Safe to call concurrently: the claim is the
// serialization point between cycles.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleSummary, error) {
	start := d.now()
	sum := CycleSummary{Outcomes: map[Outcome]int{}}
	tasks, err := d.store.ClaimDueTasks(ctx, start.UTC(), d.cfg.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("claim due tasks: %w", err)
	}
	sum.Claimed = len(tasks)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, d.cfg.Concurrency)
	)
	for _, group := range byLead(tasks) {
		sem <- struct{}{}
		wg.Add(1)
		go func(group []domain.Task) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, t := range group {
				out := d.safeProcess(ctx, t)
				mu.Lock()
				sum.Outcomes[out]++
				mu.Unlock()
			}
		}(group)
	}
	wg.Wait()
	sum.Duration = d.now().Sub(start)
	if sum.Claimed > 0 {
		d.log.Info().Int("claimed", sum.Claimed).Interface("outcomes", sum.Outcomes).
			Dur("duration", sum.Duration).Msg("dispatch cycle finished")
	}
	return sum, nil
}

// byLead splits a claimed batch per lead. Each group is in due order
// (scheduled_for, then created_at); RETURNING does not promise one.
func byLead(tasks []domain.Task) [][]domain.Task {
	sorted := slices.Clone(tasks)
	slices.SortStableFunc(sorted, func(a, b domain.Task) int {
		if c := a.ScheduledFor.Compare(b.ScheduledFor); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	idx := make(map[string]int)
	var groups [][]domain.Task
	for _, t := range sorted {
		i, ok := idx[t.LeadID]
		if !ok {
			i = len(groups)
			idx[t.LeadID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], t)
	}
	return groups
}

func (d *Dispatcher) safeProcess(ctx context.Context, t domain.Task) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("task_id", t.ID).Interface("panic", r).Msg("task processing panicked")
			out = d.finishFailure(ctx, t, permanentErr(fmt.Errorf("internal error: %v", r)))
		}
	}()
	return d.process(ctx, t)
}

// taskRun carries one task through process.
type taskRun struct {
	task    domain.Task
	lead    domain.Lead
	policy  domain.Policy
	adapter channel.Adapter
	started time.Time
}

func (d *Dispatcher) process(ctx context.Context, t domain.Task) Outcome {
	run := taskRun{task: t}

	lead, err := d.store.GetLead(ctx, t.LeadID)
	if errors.Is(err, store.ErrNotFound) {
		return d.fail(ctx, run, "lead not found", domain.FailurePermanent, nil)
	}
	if err != nil {
		return d.release(ctx, run, fmt.Errorf("load lead: %w", err))
	}
	run.lead = lead

	// The claim filtered paused leads, but a takeover may have started since.
	if lead.HumanControl {
		return d.cancel(ctx, run)
	}

	policy, err := d.store.Policy(ctx, t.OrganizationID)
	if err != nil {
		return d.release(ctx, run, fmt.Errorf("load policy: %w", err))
	}
	run.policy = policy

	decision, err := d.gate.Evaluate(ctx, compliance.Request{
		Lead:        lead,
		Policy:      policy,
		Channel:     t.ActionType.Channel(),
		MessageType: t.AgentType.MessageType(),
		At:          d.now(),
	})
	if err != nil {
		// Counted as an attempt so a broken policy cannot loop forever.
		return d.handleDispatchError(ctx, run, &channel.DispatchError{Class: channel.Transient, Err: err})
	}
	if !decision.Allowed {
		return d.fail(ctx, run, decision.Reason, domain.FailureCompliance, map[string]any{"rule": decision.Rule})
	}

	tc, err := t.DecodeContext()
	if err != nil {
		return d.fail(ctx, run, err.Error(), domain.FailurePermanent, nil)
	}
	adapter, err := d.adapters.Get(t.ActionType)
	if err != nil {
		return d.fail(ctx, run, err.Error(), domain.FailureIntegration, nil)
	}
	run.adapter = adapter

	run.started = d.now()
	ok, err := d.store.BeginDispatch(ctx, t.ID, run.started.UTC())
	if err != nil {
		return d.release(ctx, run, fmt.Errorf("begin dispatch: %w", err))
	}
	if !ok {
		// A takeover cancelled the claim between our checks and now.
		d.logOutcome(run, OutcomeSkipped, "claim no longer held")
		return OutcomeSkipped
	}

	dctx, cancel := context.WithTimeout(ctx, d.adapters.Timeout(t.ActionType))
	out, err := adapter.Dispatch(dctx, channel.Request{Task: t, Lead: lead, Context: tc})
	cancel()
	d.recordAttempt(ctx, run, err)
	if err != nil {
		return d.handleDispatchError(ctx, run, err)
	}
	if !out.Accepted {
		return d.fail(ctx, run, "vendor did not accept the request", domain.FailurePermanent, nil)
	}
	if d.recorder != nil {
		if err := d.recorder.RecordContact(ctx, lead.ID, t.ID, run.started); err != nil {
			d.log.Warn().Err(err).Str("task_id", t.ID).Msg("record contact failed")
		}
	}
	if adapter.Mode() == channel.Async && out.Result == nil {
		return d.markInProgress(ctx, run, out)
	}
	return d.completeSync(ctx, run, out)
}

// completeSync completes the task together with its communication and cost
// rows. If that write fails the task stays claimed with its dispatch
// started, and the sweep fails it as interrupted rather than retry a
// contact that was already made.
func (d *Dispatcher) completeSync(ctx context.Context, run taskRun, out channel.Outcome) Outcome {
	t := run.task
	now := d.now().UTC()
	res := channel.Result{Completed: true}
	if out.Result != nil {
		res = *out.Result
	}
	recs := store.Records{Communication: &domain.Communication{
		TaskID:          t.ID,
		OrganizationID:  t.OrganizationID,
		LeadID:          t.LeadID,
		Channel:         t.ActionType.Channel(),
		Recipient:       out.Recipient,
		Status:          res.Status,
		ExternalID:      out.ExternalRef,
		DurationSeconds: res.DurationSeconds,
		CreatedAt:       run.started.UTC(),
		CompletedAt:     &now,
	}}
	cost, err := d.ledger.Price(ledger.Usage{
		Task:            t,
		Vendor:          out.Vendor,
		CallID:          out.ExternalRef,
		DurationSeconds: res.DurationSeconds,
		Segments:        res.Segments,
		At:              now,
	})
	if err != nil {
		d.log.Error().Err(err).Str("task_id", t.ID).Msg("price contact failed")
	} else {
		recs.Cost = &cost
	}

	ref := out.ExternalRef
	f := store.Fields{ExternalRef: &ref, CompletedAt: &now}
	to, outcome := domain.StatusCompleted, OutcomeCompleted
	if !res.Completed {
		reason := "vendor reported " + res.Status
		class := domain.FailureOutcome
		f.FailureReason, f.FailureClass = &reason, &class
		to, outcome = domain.StatusFailed, OutcomeFailed
	}
	ok, err := d.store.Finalize(ctx, t.ID, domain.StatusClaimed, to, f, recs)
	if err != nil {
		d.log.Error().Err(err).Str("task_id", t.ID).Msg("complete task failed; sweep will recover it")
		return OutcomeSkipped
	}
	if !ok {
		d.log.Error().Str("task_id", t.ID).Msg("complete task: claim lost")
		return OutcomeSkipped
	}
	d.logOutcome(run, outcome, "")
	d.recordActivity(ctx, run, outcome, fmt.Sprintf("%s sent via %s", t.ActionType, out.Vendor))
	return outcome
}

// markInProgress records the vendor reference and waits for the webhook. No
// cost is recorded yet; it depends on the final duration.
func (d *Dispatcher) markInProgress(ctx context.Context, run taskRun, out channel.Outcome) Outcome {
	t := run.task
	if err := d.store.SaveExternalReference(ctx, domain.ExternalReference{
		TaskID: t.ID, Vendor: out.Vendor, VendorCallID: out.ExternalRef, CreatedAt: d.now().UTC(),
	}); err != nil {
		d.log.Error().Err(err).Str("task_id", t.ID).Msg("save external reference failed")
	}
	ref := out.ExternalRef
	ok, err := d.store.UpdateStatus(ctx, t.ID, domain.StatusClaimed, domain.StatusInProgress, store.Fields{ExternalRef: &ref})
	if err != nil {
		d.log.Error().Err(err).Str("task_id", t.ID).Msg("mark in progress failed")
		return OutcomeSkipped
	}
	if !ok {
		// The webhook can arrive before this swap and finish the task.
		cur, gerr := d.store.GetTask(ctx, t.ID)
		if gerr == nil && cur.Status.Terminal() {
			d.logOutcome(run, Outcome(cur.Status), "finalized by webhook during dispatch")
			return Outcome(cur.Status)
		}
		return OutcomeSkipped
	}
	d.logOutcome(run, OutcomeInProgress, "")
	d.recordActivity(ctx, run, OutcomeInProgress, fmt.Sprintf("%s placed via %s", t.ActionType, out.Vendor))
	return OutcomeInProgress
}

func (d *Dispatcher) handleDispatchError(ctx context.Context, run taskRun, err error) Outcome {
	if channel.ClassOf(err) == channel.Transient {
		if run.task.AttemptsLeft() {
			return d.retry(ctx, run, err)
		}
		d.log.Warn().Err(err).Str("task_id", run.task.ID).Int("attempt", run.task.AttemptNumber).Msg("last attempt failed")
		return d.fail(ctx, run, "max attempts exceeded", domain.FailureMaxAttempts, map[string]any{"last_error": err.Error()})
	}
	class := domain.FailurePermanent
	if channel.IsIntegration(err) {
		class = domain.FailureIntegration
	}
	return d.fail(ctx, run, err.Error(), class, nil)
}

func (d *Dispatcher) finishFailure(ctx context.Context, t domain.Task, err error) Outcome {
	return d.handleDispatchError(ctx, taskRun{task: t}, err)
}

// retry returns the task to pending with the next attempt number and a
// backed-off schedule.
func (d *Dispatcher) retry(ctx context.Context, run taskRun, cause error) Outcome {
	t := run.task
	policy := run.policy
	if policy.OrganizationID == "" {
		policy = domain.DefaultPolicy(t.OrganizationID)
	}
	next := d.now().Add(policy.Backoff(t.AttemptNumber)).UTC()
	reason := cause.Error()
	ok, err := d.store.UpdateStatus(ctx, t.ID, domain.StatusClaimed, domain.StatusPending, store.Fields{
		ScheduledFor:     &next,
		FailureReason:    &reason,
		IncrementAttempt: true,
		ClearExecutedAt:  true,
	})
	if err != nil || !ok {
		d.log.Error().Err(err).Str("task_id", t.ID).Msg("schedule retry: claim lost")
		return OutcomeSkipped
	}
	d.log.Info().Str("task_id", t.ID).Str("lead_id", t.LeadID).Str("organization_id", t.OrganizationID).
		Str("agent_type", string(t.AgentType)).Str("action_type", string(t.ActionType)).
		Int("attempt", t.AttemptNumber).Str("outcome", string(OutcomeRetry)).Str("reason", reason).
		Time("next_attempt_at", next).Msg("task dispatched")
	d.recordActivity(ctx, run, OutcomeRetry, fmt.Sprintf("attempt %d failed, retrying at %s: %s",
		t.AttemptNumber, next.Format(time.RFC3339), reason))
	return OutcomeRetry
}

func (d *Dispatcher) fail(ctx context.Context, run taskRun, reason string, class domain.FailureClass, detail map[string]any) Outcome {
	t := run.task
	now := d.now().UTC()
	ok, err := d.store.UpdateStatus(ctx, t.ID, domain.StatusClaimed, domain.StatusFailed, store.Fields{
		FailureReason: &reason,
		FailureClass:  &class,
		CompletedAt:   &now,
	})
	if err != nil || !ok {
		d.log.Error().Err(err).Str("task_id", t.ID).Msg("fail task: claim lost")
		return OutcomeSkipped
	}
	ev := d.log.Info()
	if class == domain.FailureIntegration {
		ev = d.log.Warn()
	}
	ev.Str("task_id", t.ID).Str("lead_id", t.LeadID).Str("organization_id", t.OrganizationID).
		Str("agent_type", string(t.AgentType)).Str("action_type", string(t.ActionType)).
		Int("attempt", t.AttemptNumber).Str("outcome", string(OutcomeFailed)).Str("reason", reason).
		Str("failure_class", string(class)).Msg("task dispatched")
	if detail == nil {
		detail = map[string]any{}
	}
	detail["failure_class"] = class
	d.record(ctx, domain.Activity{
		OrganizationID: t.OrganizationID,
		LeadID:         t.LeadID,
		TaskID:         t.ID,
		Kind:           activity.KindTaskOutcome,
		Message:        fmt.Sprintf("%s failed: %s", t.ActionType, reason),
		Detail:         activity.Detail(detail),
	})
	return OutcomeFailed
}

func (d *Dispatcher) cancel(ctx context.Context, run taskRun) Outcome {
	t := run.task
	now := d.now().UTC()
	reason := "lead under human control"
	class := domain.FailureCancelled
	ok, err := d.store.UpdateStatus(ctx, t.ID, domain.StatusClaimed, domain.StatusCancelled, store.Fields{
		FailureReason: &reason,
		FailureClass:  &class,
		CompletedAt:   &now,
	})
	if err != nil || !ok {
		return OutcomeSkipped
	}
	d.logOutcome(run, OutcomeCancelled, reason)
	d.recordActivity(ctx, run, OutcomeCancelled, "cancelled: "+reason)
	return OutcomeCancelled
}

// release hands a claim back untouched when the failure is ours (store
// unavailable), not the vendor's. No attempt is consumed.
func (d *Dispatcher) release(ctx context.Context, run taskRun, cause error) Outcome {
	t := run.task
	ok, err := d.store.UpdateStatus(ctx, t.ID, domain.StatusClaimed, domain.StatusPending, store.Fields{ClearExecutedAt: true})
	if err != nil || !ok {
		d.log.Error().Err(cause).Str("task_id", t.ID).Msg("release claim failed; sweep will recover it")
		return OutcomeSkipped
	}
	d.log.Warn().Err(cause).Str("task_id", t.ID).Str("outcome", string(OutcomeReleased)).Msg("task dispatched")
	return OutcomeReleased
}

func (d *Dispatcher) recordAttempt(ctx context.Context, run taskRun, derr error) {
	a := domain.TaskAttempt{
		TaskID:     run.task.ID,
		Attempt:    run.task.AttemptNumber,
		StartedAt:  run.started.UTC(),
		FinishedAt: d.now().UTC(),
		Success:    derr == nil,
	}
	if derr != nil {
		a.Error = derr.Error()
	}
	if err := d.store.RecordAttempt(ctx, a); err != nil {
		d.log.Warn().Err(err).Str("task_id", run.task.ID).Msg("record attempt failed")
	}
}

func (d *Dispatcher) logOutcome(run taskRun, out Outcome, reason string) {
	t := run.task
	ev := d.log.Info().Str("task_id", t.ID).Str("lead_id", t.LeadID).Str("organization_id", t.OrganizationID).
		Str("agent_type", string(t.AgentType)).Str("action_type", string(t.ActionType)).
		Int("attempt", t.AttemptNumber).Str("outcome", string(out))
	if reason != "" {
		ev = ev.Str("reason", reason)
	}
	ev.Msg("task dispatched")
}

func (d *Dispatcher) recordActivity(ctx context.Context, run taskRun, out Outcome, msg string) {
	d.record(ctx, domain.Activity{
		OrganizationID: run.task.OrganizationID,
		LeadID:         run.task.LeadID,
		TaskID:         run.task.ID,
		Kind:           activity.KindTaskOutcome,
		Message:        msg,
		Detail:         activity.Detail(map[string]any{"outcome": out, "attempt": run.task.AttemptNumber}),
	})
}

func (d *Dispatcher) record(ctx context.Context, a domain.Activity) {
	if err := d.activity.Record(ctx, a); err != nil {
		d.log.Warn().Err(err).Str("kind", a.Kind).Msg("record activity failed")
	}
}

func permanentErr(err error) error {
	return &channel.DispatchError{Class: channel.Permanent, Err: err}
}
