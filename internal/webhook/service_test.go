package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/activity"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/ledger"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/store"
)

type followUpRecorder struct {
	done []string
}

func (f *followUpRecorder) ScheduleFollowUp(_ context.Context, done domain.Task) (domain.Task, bool, error) {
	f.done = append(f.done, done.ID)
	return domain.Task{ID: "tsk_next", ScheduledFor: time.Now().Add(48 * time.Hour)}, true, nil
}

type fixture struct {
	st        *store.Store
	svc       *Service
	followUps *followUpRecorder
	logs      *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite", store.SQLiteDSN(filepath.Join(t.TempDir(), "webhook.db")))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	now := time.Now().UTC()
	require.NoError(t, st.UpsertLead(ctx, domain.Lead{
		ID:             "lead_1",
		OrganizationID: "org_1",
		Name:           "Marcus Webb",
		Phone:          "+12165550123",
		Consent:        map[domain.Channel]domain.Consent{domain.ChannelCall: {Granted: true, GrantedAt: &now}},
	}))

	f := &fixture{st: st, followUps: &followUpRecorder{}, logs: &bytes.Buffer{}}
	f.svc = NewService(st, ledger.New(st, ledger.DefaultRates()), activity.NewStoreLog(st), f.followUps, zerolog.New(f.logs))
	return f
}

// call creates a voice task and walks it to the given status.
func (f *fixture) call(t *testing.T, status domain.TaskStatus) domain.Task {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	task, err := f.st.CreateTask(ctx, domain.Task{
		OrganizationID: "org_1",
		LeadID:         "lead_1",
		AgentType:      domain.AgentShowingFollowUp,
		ActionType:     domain.ActionCall,
		ScheduledFor:   now.Add(-time.Minute),
		Context:        []byte(`{"showing_id":"shw_9","property_id":"prop_2"}`),
	})
	require.NoError(t, err)
	if status == domain.StatusPending {
		return task
	}
	_, err = f.st.ClaimDueTasks(ctx, now, 10)
	require.NoError(t, err)
	ok, err := f.st.BeginDispatch(ctx, task.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.st.SaveExternalReference(ctx, domain.ExternalReference{
		TaskID: task.ID, Vendor: "bland", VendorCallID: "call_" + task.ID, CreatedAt: now,
	}))
	if status == domain.StatusInProgress {
		ok, err = f.st.UpdateStatus(ctx, task.ID, domain.StatusClaimed, domain.StatusInProgress, store.Fields{})
		require.NoError(t, err)
		require.True(t, ok)
	}
	return f.get(t, task.ID)
}

func (f *fixture) get(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := f.st.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) costs(t *testing.T, id string) []domain.CostRecord {
	t.Helper()
	rows, err := f.st.ListCosts(context.Background(), id)
	require.NoError(t, err)
	return rows
}

func TestCompleteAppliesOnce(t *testing.T) {
	f := newFixture(t)
	task := f.call(t, domain.StatusInProgress)
	ctx := context.Background()
	r := Result{Vendor: "bland", VendorCallID: "call_" + task.ID, Status: "completed", Completed: true,
		DurationSeconds: 120, Summary: "confirmed interest in unit 2B"}

	disp, err := f.svc.Complete(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, Completed, disp)

	for i := 0; i < 3; i++ {
		disp, err = f.svc.Complete(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, Duplicate, disp)
	}

	got := f.get(t, task.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	costs := f.costs(t, task.ID)
	require.Len(t, costs, 1)
	assert.Equal(t, 2.0, costs[0].UsageQuantity)
	assert.InDelta(t, 0.18, costs[0].TotalCost, 1e-9)

	comm, err := f.st.GetCommunicationByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, comm.DurationSeconds)
	assert.Equal(t, "confirmed interest in unit 2B", comm.Summary)
	assert.Equal(t, []string{task.ID}, f.followUps.done)
}

// sweptStore times the task out just before the first finalize, the way a
// concurrent sweep would.
type sweptStore struct {
	*store.Store
	swept bool
}

func (s *sweptStore) Finalize(ctx context.Context, id string, from, to domain.TaskStatus, f store.Fields, recs store.Records) (bool, error) {
	if !s.swept {
		s.swept = true
		reason, class, now := "no completion received within grace period", domain.FailureTimeout, time.Now().UTC()
		if _, err := s.Store.UpdateStatus(ctx, id, domain.StatusInProgress, domain.StatusFailed,
			store.Fields{FailureReason: &reason, FailureClass: &class, CompletedAt: &now}); err != nil {
			return false, err
		}
	}
	return s.Store.Finalize(ctx, id, from, to, f, recs)
}

func TestCompleteAfterSweepTimeoutWritesNothing(t *testing.T) {
	f := newFixture(t)
	task := f.call(t, domain.StatusInProgress)
	ctx := context.Background()
	svc := NewService(&sweptStore{Store: f.st}, ledger.New(f.st, ledger.DefaultRates()), activity.NewStoreLog(f.st),
		f.followUps, zerolog.New(f.logs))

	disp, err := svc.Complete(ctx, Result{Vendor: "bland", VendorCallID: "call_" + task.ID, Status: "completed",
		Completed: true, DurationSeconds: 240})
	require.NoError(t, err)
	assert.Equal(t, Duplicate, disp)

	got := f.get(t, task.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.FailureTimeout, got.FailureClass)
	assert.Empty(t, f.costs(t, task.ID))
	_, err = f.st.GetCommunicationByTask(ctx, task.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, f.followUps.done)

	total, err := ledger.New(f.st, ledger.DefaultRates()).OrgTotal(ctx, "org_1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestCompleteUnmatched(t *testing.T) {
	f := newFixture(t)
	task := f.call(t, domain.StatusInProgress)

	disp, err := f.svc.Complete(context.Background(), Result{Vendor: "bland", VendorCallID: "call_unknown",
		TaskID: "tsk_unknown", Status: "completed", Completed: true, DurationSeconds: 60})
	require.NoError(t, err)
	assert.Equal(t, Unmatched, disp)
	assert.Contains(t, f.logs.String(), `"message":"unmatched webhook"`)
	assert.Equal(t, domain.StatusInProgress, f.get(t, task.ID).Status)
	assert.Empty(t, f.costs(t, task.ID))
	assert.Empty(t, f.followUps.done)
}

func TestCompleteFallsBackToMetadata(t *testing.T) {
	f := newFixture(t)
	task := f.call(t, domain.StatusInProgress)

	disp, err := f.svc.Complete(context.Background(), Result{Vendor: "bland", VendorCallID: "call_other_vendor_id",
		TaskID: task.ID, LeadID: "lead_1", OrganizationID: "org_1", Status: "completed", Completed: true, DurationSeconds: 61})
	require.NoError(t, err)
	assert.Equal(t, Completed, disp)
	costs := f.costs(t, task.ID)
	require.Len(t, costs, 1)
	assert.Equal(t, 2.0, costs[0].UsageQuantity)
}

func TestCompleteRejectsMismatchedMetadata(t *testing.T) {
	f := newFixture(t)
	task := f.call(t, domain.StatusInProgress)

	disp, err := f.svc.Complete(context.Background(), Result{TaskID: task.ID, LeadID: "lead_1",
		OrganizationID: "org_2", Status: "completed", Completed: true})
	require.NoError(t, err)
	assert.Equal(t, Unmatched, disp)
	assert.Equal(t, domain.StatusInProgress, f.get(t, task.ID).Status)
}

func TestCompleteUnansweredCallFails(t *testing.T) {
	f := newFixture(t)
	task := f.call(t, domain.StatusInProgress)

	disp, err := f.svc.Complete(context.Background(), Result{VendorCallID: "call_" + task.ID, Status: "no-answer"})
	require.NoError(t, err)
	assert.Equal(t, Failed, disp)
	got := f.get(t, task.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "call ended with status no-answer", got.FailureReason)
	assert.Equal(t, domain.FailureOutcome, got.FailureClass)
	assert.Empty(t, f.followUps.done)
}

func TestCompleteBeforeInProgressSwap(t *testing.T) {
	f := newFixture(t)
	task := f.call(t, domain.StatusClaimed)
	ctx := context.Background()

	disp, err := f.svc.Complete(ctx, Result{VendorCallID: "call_" + task.ID, Status: "completed", Completed: true, DurationSeconds: 30})
	require.NoError(t, err)
	assert.Equal(t, Completed, disp)

	// The dispatcher's late swap must not reopen the task.
	ok, err := f.st.UpdateStatus(ctx, task.ID, domain.StatusClaimed, domain.StatusInProgress, store.Fields{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, domain.StatusCompleted, f.get(t, task.ID).Status)
}

func TestCompletePendingTaskIgnored(t *testing.T) {
	f := newFixture(t)
	task := f.call(t, domain.StatusPending)

	disp, err := f.svc.Complete(context.Background(), Result{TaskID: task.ID, Status: "completed", Completed: true})
	require.NoError(t, err)
	assert.Equal(t, Ignored, disp)
	assert.Equal(t, domain.StatusPending, f.get(t, task.ID).Status)
	assert.Empty(t, f.costs(t, task.ID))
}

func TestVoiceHandler(t *testing.T) {
	f := newFixture(t)
	task := f.call(t, domain.StatusInProgress)

	body := `{"call_id":"call_` + task.ID + `","status":"completed","call_length":2.5,` +
		`"concatenated_transcript":"agent: hi","metadata":{"task_id":"` + task.ID + `","lead_id":"lead_1","organization_id":"org_1"}}`
	rec := httptest.NewRecorder()
	f.svc.VoiceHandler()(rec, httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(body)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","result":"completed"}`, rec.Body.String())
	costs := f.costs(t, task.ID)
	require.Len(t, costs, 1)
	assert.Equal(t, 3.0, costs[0].UsageQuantity)

	comm, err := f.st.GetCommunicationByTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent: hi", comm.Transcript)
	assert.Equal(t, 150, comm.DurationSeconds)
}

func TestVoiceHandlerAlwaysAcknowledges(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`not json`, `{}`, `{"call_id":"call_nope","status":"completed"}`} {
		rec := httptest.NewRecorder()
		f.svc.VoiceHandler()(rec, httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(body)))
		assert.Equal(t, http.StatusOK, rec.Code, body)
	}
	assert.Equal(t, 3, strings.Count(f.logs.String(), "unmatched webhook"))
}

func TestSMSStatusHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, err := f.st.InsertCommunication(ctx, domain.Communication{
		TaskID: "tsk_sms", OrganizationID: "org_1", LeadID: "lead_1", Channel: domain.ChannelSMS,
		Status: "queued", ExternalID: "SM123", CreatedAt: now, CompletedAt: &now,
	})
	require.NoError(t, err)

	form := url.Values{"MessageSid": {"SM123"}, "MessageStatus": {"undelivered"}, "ErrorCode": {"30003"}}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms/status", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.svc.SMSStatusHandler()(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	comm, err := f.st.GetCommunicationByTask(ctx, "tsk_sms")
	require.NoError(t, err)
	assert.Equal(t, "undelivered (error 30003)", comm.Status)
}

func TestVoicePayloadDuration(t *testing.T) {
	tests := []struct {
		name string
		p    voicePayload
		want int
	}{
		{"seconds", voicePayload{Duration: "95"}, 95},
		{"fractional seconds", voicePayload{Duration: "95.6"}, 96},
		{"minutes", voicePayload{CallLength: 1.5}, 90},
		{"none", voicePayload{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.p.result().DurationSeconds)
		})
	}
}
