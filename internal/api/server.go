package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/compliance"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/dispatcher"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/domain"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/override"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/store"
	"github.com/juliancabezast/rentfinder-cleveland-sub004/internal/tasks"
)

type Store interface {
	Ping(ctx context.Context) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListAttempts(ctx context.Context, taskID string) ([]domain.TaskAttempt, error)
	ListLeadTasks(ctx context.Context, leadID string, limit int) ([]domain.Task, error)
	ListActivity(ctx context.Context, leadID string, limit int) ([]domain.Activity, error)
	FailureSummary(ctx context.Context, orgID string, since time.Time) ([]domain.FailureCount, error)
	CountByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, in tasks.NewTask) (domain.Task, compliance.Decision, error)
}

type Overrides interface {
	PauseLead(ctx context.Context, leadID, reason, operator string) (override.PauseResult, error)
	ResumeLead(ctx context.Context, leadID, operator string) (bool, error)
}

type Dispatcher interface {
	RunCycle(ctx context.Context) (dispatcher.CycleSummary, error)
	Sweep(ctx context.Context) (dispatcher.SweepSummary, error)
}

type Webhooks interface {
	VoiceHandler() http.HandlerFunc
	SMSStatusHandler() http.HandlerFunc
}

type Costs interface {
	OrgTotal(ctx context.Context, orgID string, since time.Time) (float64, error)
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Store      Store
	Tasks      Scheduler
	Overrides  Overrides
	Dispatcher Dispatcher
	Webhooks   Webhooks
	Costs      Costs
}

type Options struct {
	CORSOrigins []string
	EnableDebug bool
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

func NewServer(deps Deps, logger zerolog.Logger, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		hlog.NewHandler(logger),
		hlog.RequestIDHandler("req_id", "Request-Id"),
		hlog.RemoteAddrHandler("ip"),
		hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
			hlog.FromRequest(r).Info().Str("method", r.Method).Stringer("url", r.URL).
				Int("status", status).Int("size", size).Dur("duration", d).Msg("request")
		}),
		middleware.RealIP,
		middleware.Recoverer,
	)
	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		}))
	}

	s := &Server{r: r, deps: deps}

	r.Get("/healthz", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", s.createTask)
		r.Get("/tasks/{id}", s.getTask)
		r.Get("/leads/{id}/tasks", s.leadTasks)
		r.Get("/leads/{id}/activity", s.leadActivity)
		r.Post("/leads/{id}/pause", s.pauseLead)
		r.Post("/leads/{id}/resume", s.resumeLead)
		r.Get("/orgs/{id}/failures", s.failures)
		r.Get("/orgs/{id}/costs", s.costs)
		r.Post("/dispatch/run", s.runCycle)
		r.Post("/dispatch/sweep", s.sweep)
	})

	// Vendor callbacks always answer 200 themselves.
	r.Post("/webhooks/voice", deps.Webhooks.VoiceHandler())
	r.Post("/webhooks/sms/status", deps.Webhooks.SMSStatusHandler())

	if opts.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Store.CountByStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "rentfinder_up 1")
	for _, st := range statuses {
		fmt.Fprintf(w, "rentfinder_tasks{status=%q} %d\n", st, counts[domain.TaskStatus(st)])
	}
}

type createTaskResp struct {
	Task       domain.Task         `json:"task"`
	Compliance compliance.Decision `json:"compliance"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req tasks.NewTask
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, decision, err := s.deps.Tasks.Schedule(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createTaskResp{Task: t, Compliance: decision})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.deps.Store.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	attempts, err := s.deps.Store.ListAttempts(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task":     t,
		"attempts": attempts,
	})
}

func (s *Server) leadTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListLeadTasks(r.Context(), chi.URLParam(r, "id"), limit(r, 100))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) leadActivity(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListActivity(r.Context(), chi.URLParam(r, "id"), limit(r, 100))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type pauseReq struct {
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

func (s *Server) pauseLead(w http.ResponseWriter, r *http.Request) {
	var req pauseReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.deps.Overrides.PauseLead(r.Context(), chi.URLParam(r, "id"), req.Reason, req.Operator)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) resumeLead(w http.ResponseWriter, r *http.Request) {
	var req pauseReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	resumed, err := s.deps.Overrides.ResumeLead(r.Context(), chi.URLParam(r, "id"), req.Operator)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lead_id": chi.URLParam(r, "id"), "resumed": resumed})
}

func (s *Server) failures(w http.ResponseWriter, r *http.Request) {
	since, ok := sinceParam(w, r, 24*time.Hour)
	if !ok {
		return
	}
	rows, err := s.deps.Store.FailureSummary(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rows == nil {
		rows = []domain.FailureCount{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) costs(w http.ResponseWriter, r *http.Request) {
	since, ok := sinceParam(w, r, 30*24*time.Hour)
	if !ok {
		return
	}
	total, err := s.deps.Costs.OrgTotal(r.Context(), chi.URLParam(r, "id"), since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"organization_id": chi.URLParam(r, "id"), "since": since, "total": total})
}

func (s *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Dispatcher.RunCycle(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Dispatcher.Sweep(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func sinceParam(w http.ResponseWriter, r *http.Request, def time.Duration) (time.Time, bool) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return time.Now().Add(-def), true
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		http.Error(w, "since must be RFC3339", http.StatusBadRequest)
		return time.Time{}, false
	}
	return t, true
}

func limit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, tasks.ErrInvalid), errors.Is(err, domain.ErrInvalidContext), errors.Is(err, override.ErrReasonRequired):
		code = http.StatusBadRequest
	case errors.Is(err, tasks.ErrDenied):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
