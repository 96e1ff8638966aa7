package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/activity"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/compliance"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/dispatcher"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/ledger"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/override"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/store"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/tasks"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/webhook"
)

type stubDispatcher struct {
	cycles, sweeps int
}

func (d *stubDispatcher) RunCycle(context.Context) (dispatcher.CycleSummary, error) {
	d.cycles++
	return dispatcher.CycleSummary{Claimed: 2, Outcomes: map[dispatcher.Outcome]int{dispatcher.OutcomeCompleted: 2}}, nil
}

func (d *stubDispatcher) Sweep(context.Context) (dispatcher.SweepSummary, error) {
	d.sweeps++
	return dispatcher.SweepSummary{TimedOut: 1}, nil
}

type env struct {
	srv  *httptest.Server
	st   *store.Store
	disp *stubDispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, "sqlite", store.SQLiteDSN(filepath.Join(t.TempDir(), "api.db")))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	granted := time.Now().Add(-time.Hour)
	consent := map[domain.Channel]domain.Consent{domain.ChannelSMS: {Granted: true, GrantedAt: &granted}}
	require.NoError(t, st.UpsertLead(ctx, domain.Lead{ID: "lead_1", OrganizationID: "org_1", Phone: "+12165550100", Consent: consent}))
	require.NoError(t, st.UpsertLead(ctx, domain.Lead{ID: "lead_dnc", OrganizationID: "org_1", DoNotContact: true, Consent: consent}))

	logger := zerolog.Nop()
	act := activity.NewStoreLog(st)
	l := ledger.New(st, ledger.DefaultRates())
	e := &env{st: st, disp: &stubDispatcher{}}
	handler := NewServer(Deps{
		Store:      st,
		Tasks:      tasks.NewService(st, compliance.NewGate(compliance.NewSQLCounter(st)), logger),
		Overrides:  override.NewController(st, act, logger),
		Dispatcher: e.disp,
		Webhooks:   webhook.NewService(st, l, act, nil, logger),
		Costs:      l,
	}, logger, Options{CORSOrigins: []string{"https://app.rentfinder.test"}})
	e.srv = httptest.NewServer(handler)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.get(t, "/healthz").StatusCode)

	e.post(t, "/api/tasks", `{"organization_id":"org_1","lead_id":"lead_1","agent_type":"lead_nurture","action_type":"sms","context":{"source":"zillow"}}`)
	resp := e.get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `rentfinder_tasks{status="pending"} 1`)
}

func TestCreateAndGetTask(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/api/tasks", `{"organization_id":"org_1","lead_id":"lead_1","agent_type":"lead_nurture",`+
		`"action_type":"sms","scheduled_for":"2026-06-11T14:00:00Z","context":{"source":"zillow"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created createTaskResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, domain.StatusPending, created.Task.Status)
	assert.True(t, created.Compliance.Allowed || created.Compliance.Rule == compliance.RuleContactHours)

	resp = e.get(t, "/api/tasks/"+created.Task.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Task     domain.Task          `json:"task"`
		Attempts []domain.TaskAttempt `json:"attempts"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, created.Task.ID, got.Task.ID)

	assert.Equal(t, http.StatusNotFound, e.get(t, "/api/tasks/tsk_missing").StatusCode)

	resp = e.get(t, "/api/leads/lead_1/tasks")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []domain.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list, 1)
}

func TestCreateTaskErrors(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"missing context field", `{"organization_id":"org_1","lead_id":"lead_1","agent_type":"lead_nurture","action_type":"sms","context":{}}`, http.StatusBadRequest},
		{"unknown lead", `{"organization_id":"org_1","lead_id":"lead_x","agent_type":"lead_nurture","action_type":"sms","context":{"source":"zillow"}}`, http.StatusNotFound},
		{"do not contact", `{"organization_id":"org_1","lead_id":"lead_dnc","agent_type":"lead_nurture","action_type":"sms","context":{"source":"zillow"}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, e.post(t, "/api/tasks", tt.body).StatusCode)
		})
	}
}

func TestPauseAndResumeLead(t *testing.T) {
	e := newEnv(t)
	e.post(t, "/api/tasks", `{"organization_id":"org_1","lead_id":"lead_1","agent_type":"lead_nurture","action_type":"sms","context":{"source":"zillow"}}`)

	assert.Equal(t, http.StatusBadRequest, e.post(t, "/api/leads/lead_1/pause", `{"operator":"op_1"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, e.post(t, "/api/leads/lead_x/pause", `{"reason":"call","operator":"op_1"}`).StatusCode)

	resp := e.post(t, "/api/leads/lead_1/pause", `{"reason":"tenant called the office","operator":"op_1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res override.PauseResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.Equal(t, 1, res.Cancelled)

	resp = e.post(t, "/api/leads/lead_1/resume", `{"operator":"op_1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var resumed map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&resumed))
	assert.Equal(t, true, resumed["resumed"])

	resp = e.get(t, "/api/leads/lead_1/activity")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acts []domain.Activity
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&acts))
	assert.Len(t, acts, 2)
}

func TestDispatchEndpoints(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "/api/dispatch/run", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum dispatcher.CycleSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	assert.Equal(t, 2, sum.Claimed)

	assert.Equal(t, http.StatusOK, e.post(t, "/api/dispatch/sweep", ``).StatusCode)
	assert.Equal(t, 1, e.disp.cycles)
	assert.Equal(t, 1, e.disp.sweeps)
}

func TestOrgReports(t *testing.T) {
	e := newEnv(t)
	resp := e.get(t, "/api/orgs/org_1/failures")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rows []domain.FailureCount
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	assert.Empty(t, rows)

	assert.Equal(t, http.StatusBadRequest, e.get(t, "/api/orgs/org_1/failures?since=yesterday").StatusCode)
	assert.Equal(t, http.StatusOK, e.get(t, "/api/orgs/org_1/costs?since=2026-01-01T00:00:00Z").StatusCode)
}

func TestWebhooksAlwaysAcknowledge(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, http.StatusOK, e.post(t, "/webhooks/voice", `garbage`).StatusCode)

	resp, err := http.Post(e.srv.URL+"/webhooks/sms/status", "application/x-www-form-urlencoded",
		strings.NewReader("MessageSid=SMunknown&MessageStatus=delivered"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	e := newEnv(t)
	req, err := http.NewRequest(http.MethodOptions, e.srv.URL+"/api/tasks", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.rentfinder.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://app.rentfinder.test", resp.Header.Get("Access-Control-Allow-Origin"))
}
