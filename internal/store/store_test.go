package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), "sqlite", SQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedLead(t *testing.T, s *Store, id string) domain.Lead {
	t.Helper()
	now := time.Now().UTC()
	l := domain.Lead{
		ID:             id,
		OrganizationID: "org_1",
		Name:           "Dana Reyes",
		Phone:          "+12165550100",
		Email:          "dana@example.com",
		Consent: map[domain.Channel]domain.Consent{
			domain.ChannelSMS:  {Granted: true, GrantedAt: &now},
			domain.ChannelCall: {Granted: true, GrantedAt: &now},
		},
	}
	require.NoError(t, s.UpsertLead(context.Background(), l))
	return l
}

func seedTask(t *testing.T, s *Store, leadID string, at time.Time) domain.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), domain.Task{
		OrganizationID: "org_1",
		LeadID:         leadID,
		AgentType:      domain.AgentLeadNurture,
		ActionType:     domain.ActionSMS,
		ScheduledFor:   at,
		Context:        []byte(`{"source":"zillow"}`),
	})
	require.NoError(t, err)
	return task
}

func TestLeadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLead(t, s, "lead_1")

	got, err := s.GetLead(ctx, "lead_1")
	require.NoError(t, err)
	assert.Equal(t, "org_1", got.OrganizationID)
	assert.True(t, got.Consent[domain.ChannelSMS].Active())
	_, ok := got.Consent[domain.ChannelEmail]
	assert.False(t, ok)

	_, err = s.GetLead(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimDueTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedLead(t, s, "lead_1")

	due := seedTask(t, s, "lead_1", now.Add(-time.Minute))
	seedTask(t, s, "lead_1", now.Add(time.Hour))

	claimed, err := s.ClaimDueTasks(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, domain.StatusClaimed, claimed[0].Status)
	assert.NotNil(t, claimed[0].ClaimedAt)

	again, err := s.ClaimDueTasks(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimDueTasksSkipsHumanControl(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedLead(t, s, "lead_1")
	seedLead(t, s, "lead_2")
	seedTask(t, s, "lead_1", now.Add(-time.Minute))

	_, err := s.PauseLead(ctx, "lead_2", "tenant called the office", "op_1", now)
	require.NoError(t, err)
	seedTask(t, s, "lead_2", now.Add(-time.Minute))

	claimed, err := s.ClaimDueTasks(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "lead_1", claimed[0].LeadID)
}

func TestClaimDueTasksConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedLead(t, s, "lead_1")
	for i := 0; i < 20; i++ {
		seedTask(t, s, "lead_1", now.Add(-time.Minute))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.ClaimDueTasks(ctx, now, 3)
				if err != nil || len(got) == 0 {
					return
				}
				mu.Lock()
				for _, task := range got {
					seen[task.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 20)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed %d times", id, n)
	}
}

func TestUpdateStatusCompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedLead(t, s, "lead_1")
	task := seedTask(t, s, "lead_1", now.Add(-time.Minute))
	_, err := s.ClaimDueTasks(ctx, now, 1)
	require.NoError(t, err)

	ok, err := s.UpdateStatus(ctx, task.ID, domain.StatusClaimed, domain.StatusCompleted, Fields{CompletedAt: &now})
	require.NoError(t, err)
	assert.True(t, ok)

	// A second writer that still believes the task is claimed loses.
	ok, err = s.UpdateStatus(ctx, task.ID, domain.StatusClaimed, domain.StatusFailed, Fields{})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.UpdateStatus(ctx, task.ID, domain.StatusCompleted, domain.StatusPending, Fields{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestUpdateStatusIncrementAttemptRespectsMax(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedLead(t, s, "lead_1")
	task, err := s.CreateTask(ctx, domain.Task{
		OrganizationID: "org_1",
		LeadID:         "lead_1",
		AgentType:      domain.AgentLeadNurture,
		ActionType:     domain.ActionSMS,
		ScheduledFor:   now.Add(-time.Minute),
		AttemptNumber:  2,
		MaxAttempts:    2,
	})
	require.NoError(t, err)
	_, err = s.ClaimDueTasks(ctx, now, 1)
	require.NoError(t, err)

	next := now.Add(time.Minute)
	ok, err := s.UpdateStatus(ctx, task.ID, domain.StatusClaimed, domain.StatusPending,
		Fields{ScheduledFor: &next, IncrementAttempt: true, ClearExecutedAt: true})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptNumber)
	assert.Equal(t, domain.StatusClaimed, got.Status)
}

func TestPauseLeadCancelsOnlyUnstartedWork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedLead(t, s, "lead_1")

	started := seedTask(t, s, "lead_1", now.Add(-2*time.Minute))
	claimedOnly := seedTask(t, s, "lead_1", now.Add(-time.Minute))
	_, err := s.ClaimDueTasks(ctx, now, 2)
	require.NoError(t, err)
	ok, err := s.BeginDispatch(ctx, started.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	pending := seedTask(t, s, "lead_1", now.Add(time.Hour))

	cancelled, err := s.PauseLead(ctx, "lead_1", "owner took over", "op_1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	for id, want := range map[string]domain.TaskStatus{
		started.ID:     domain.StatusClaimed,
		claimedOnly.ID: domain.StatusCancelled,
		pending.ID:     domain.StatusCancelled,
	} {
		got, err := s.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	// Pausing again is a no-op.
	cancelled, err = s.PauseLead(ctx, "lead_1", "again", "op_1", now)
	require.NoError(t, err)
	assert.Zero(t, cancelled)

	resumed, err := s.ResumeLead(ctx, "lead_1", "op_1", now)
	require.NoError(t, err)
	assert.True(t, resumed)
	got, err := s.GetTask(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	_, err = s.PauseLead(ctx, "nobody", "x", "op_1", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecoverStaleClaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedLead(t, s, "lead_1")
	a := seedTask(t, s, "lead_1", now.Add(-time.Hour))
	b := seedTask(t, s, "lead_1", now.Add(-time.Hour))
	claimedAt := now.Add(-30 * time.Minute)
	_, err := s.ClaimDueTasks(ctx, claimedAt, 2)
	require.NoError(t, err)
	_, err = s.BeginDispatch(ctx, b.ID, claimedAt)
	require.NoError(t, err)

	requeued, failed, err := s.RecoverStaleClaims(ctx, now.Add(-10*time.Minute), now)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, failed)

	ga, _ := s.GetTask(ctx, a.ID)
	assert.Equal(t, domain.StatusPending, ga.Status)
	gb, _ := s.GetTask(ctx, b.ID)
	assert.Equal(t, domain.StatusFailed, gb.Status)
	assert.Equal(t, domain.FailureInterrupted, gb.FailureClass)
}

func TestInsertCostIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := domain.CostRecord{
		OrganizationID: "org_1",
		Service:        "voice",
		UsageQuantity:  2,
		UsageUnit:      "minutes",
		UnitCost:       0.09,
		TotalCost:      0.18,
		TaskID:         "tsk_1",
		LeadID:         "lead_1",
		CallID:         "call_1",
		BillableEvent:  "call_completed",
	}
	ok, err := s.InsertCost(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.InsertCost(ctx, c)
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err := s.ListCosts(ctx, "tsk_1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	total, err := s.CostTotal(ctx, "org_1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 0.18, total, 1e-9)
}

func TestCountRecentContacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedLead(t, s, "lead_1")
	for i := 0; i < 3; i++ {
		seedTask(t, s, "lead_1", now.Add(-time.Minute))
	}
	claimed, err := s.ClaimDueTasks(ctx, now, 3)
	require.NoError(t, err)
	for _, task := range claimed[:2] {
		_, err := s.BeginDispatch(ctx, task.ID, now)
		require.NoError(t, err)
	}

	n, err := s.CountRecentContacts(ctx, "lead_1", now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestExternalReferenceLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ref := domain.ExternalReference{TaskID: "tsk_1", Vendor: "bland", VendorCallID: "call_9"}
	require.NoError(t, s.SaveExternalReference(ctx, ref))
	require.NoError(t, s.SaveExternalReference(ctx, ref))

	got, err := s.FindExternalReference(ctx, "", "call_9")
	require.NoError(t, err)
	assert.Equal(t, "tsk_1", got.TaskID)

	_, err = s.FindExternalReference(ctx, "twilio", "call_9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFailureSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	for _, id := range []string{"lead_1", "lead_2", "lead_3"} {
		seedLead(t, s, id)
		seedTask(t, s, id, now.Add(-time.Minute))
	}
	claimed, err := s.ClaimDueTasks(ctx, now, 10)
	require.NoError(t, err)
	reason := "missing credentials for twilio"
	class := domain.FailureIntegration
	for _, task := range claimed {
		_, err := s.UpdateStatus(ctx, task.ID, domain.StatusClaimed, domain.StatusFailed,
			Fields{FailureReason: &reason, FailureClass: &class})
		require.NoError(t, err)
	}

	sum, err := s.FailureSummary(ctx, "org_1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, sum, 1)
	assert.Equal(t, domain.FailureIntegration, sum[0].Class)
	assert.Equal(t, 3, sum[0].Leads)
}

func TestPolicyDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, err := s.Policy(ctx, "org_9")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultPolicy("org_9"), p)

	p.FrequencyCap = 5
	p.BackoffStrategy = domain.BackoffExponential
	require.NoError(t, s.PutPolicy(ctx, p))
	got, err := s.Policy(ctx, "org_9")
	require.NoError(t, err)
	assert.Equal(t, 5, got.FrequencyCap)
	assert.Equal(t, domain.BackoffExponential, got.BackoffStrategy)
}

func TestRebind(t *testing.T) {
	s := &Store{dialect: Postgres}
	assert.Equal(t, "SELECT $1, $2", s.q("SELECT ?, ?"))
	s.dialect = SQLite
	assert.Equal(t, "SELECT ?, ?", s.q("SELECT ?, ?"))
}

func TestFinalizeWritesRecordsOnlyWhenSwapWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedLead(t, s, "lead_1")
	won := seedTask(t, s, "lead_1", now.Add(-time.Minute))
	lost := seedTask(t, s, "lead_1", now.Add(-time.Minute))
	_, err := s.ClaimDueTasks(ctx, now, 10)
	require.NoError(t, err)

	recs := func(taskID string) Records {
		return Records{
			Communication: &domain.Communication{TaskID: taskID, OrganizationID: "org_1", LeadID: "lead_1",
				Channel: domain.ChannelSMS, Status: "sent", ExternalID: "SM_" + taskID, CreatedAt: now},
			Cost: &domain.CostRecord{OrganizationID: "org_1", Service: "twilio", UsageQuantity: 1, UsageUnit: "segments",
				UnitCost: 0.0079, TotalCost: 0.0079, TaskID: taskID, LeadID: "lead_1", BillableEvent: "sms_sent"},
		}
	}

	ok, err := s.Finalize(ctx, won.ID, domain.StatusClaimed, domain.StatusCompleted, Fields{CompletedAt: &now}, recs(won.ID))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Finalize(ctx, won.ID, domain.StatusClaimed, domain.StatusCompleted, Fields{CompletedAt: &now}, recs(won.ID))
	require.NoError(t, err)
	assert.False(t, ok)
	costs, err := s.ListCosts(ctx, won.ID)
	require.NoError(t, err)
	assert.Len(t, costs, 1)

	reason, class := "no completion received within grace period", domain.FailureTimeout
	ok, err = s.UpdateStatus(ctx, lost.ID, domain.StatusClaimed, domain.StatusFailed,
		Fields{FailureReason: &reason, FailureClass: &class, CompletedAt: &now})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Finalize(ctx, lost.ID, domain.StatusClaimed, domain.StatusCompleted, Fields{CompletedAt: &now}, recs(lost.ID))
	require.NoError(t, err)
	assert.False(t, ok)
	costs, err = s.ListCosts(ctx, lost.ID)
	require.NoError(t, err)
	assert.Empty(t, costs)
	_, err = s.GetCommunicationByTask(ctx, lost.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListStuckUsesCutoffPerAction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	seedLead(t, s, "lead_1")

	call, err := s.CreateTask(ctx, domain.Task{
		OrganizationID: "org_1",
		LeadID:         "lead_1",
		AgentType:      domain.AgentShowingFollowUp,
		ActionType:     domain.ActionCall,
		ScheduledFor:   now.Add(-2 * time.Hour),
		Context:        []byte(`{"showing_id":"shw_1","property_id":"prop_1"}`),
	})
	require.NoError(t, err)
	sms := seedTask(t, s, "lead_1", now.Add(-2*time.Hour))
	_, err = s.ClaimDueTasks(ctx, now, 10)
	require.NoError(t, err)

	// The call started earlier but is still inside its longer grace period.
	for id, started := range map[string]time.Time{call.ID: now.Add(-45 * time.Minute), sms.ID: now.Add(-20 * time.Minute)} {
		ok, err := s.BeginDispatch(ctx, id, started)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = s.UpdateStatus(ctx, id, domain.StatusClaimed, domain.StatusInProgress, Fields{})
		require.NoError(t, err)
		require.True(t, ok)
	}

	stuck, err := s.ListStuck(ctx, now.Add(-time.Hour), now.Add(-10*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, sms.ID, stuck[0].ID)

	stuck, err = s.ListStuck(ctx, now.Add(-30*time.Minute), now.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, stuck, 2)
}
