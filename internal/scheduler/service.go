// Package scheduler drives the periodic jobs: the dispatch cycle and the
// stuck-task sweep.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// JobFunc is one run of a periodic job.
type JobFunc func(ctx context.Context) error

type job struct {
	name string
	spec string
	run  JobFunc
	id   cron.EntryID
}

type Service struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]*job
}

func NewService(logger zerolog.Logger) *Service {
	cl := cronLogger{log: logger}
	return &Service{
		cron: cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:  logger,
		ctx:  context.Background(),
		jobs: map[string]*job{},
	}
}

// Add registers fn under name. spec is a standard five-field cron expression
// or a descriptor such as "@every 30s". A run still in progress when the next
// tick fires causes that tick to be skipped.
func (s *Service) Add(name, spec string, fn JobFunc) error {
	if err := ValidateCronExpression(spec); err != nil {
		return fmt.Errorf("job %s: invalid schedule %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, spec: spec, run: fn}
	id, err := s.cron.AddFunc(spec, func() { s.execute(j) })
	if err != nil {
		return err
	}
	j.id = id
	s.jobs[name] = j
	return nil
}

func (s *Service) execute(j *job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	if err := j.run(ctx); err != nil {
		s.log.Error().Err(err).Str("job", j.name).Dur("duration", time.Since(start)).Msg("scheduled job failed")
		return
	}
	s.log.Debug().Str("job", j.name).Dur("duration", time.Since(start)).Msg("scheduled job finished")
}

// Start runs the jobs until ctx is cancelled, then waits for running jobs to
// return.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.Unlock()

	s.log.Info().Strs("jobs", names).Msg("scheduler started")
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

// NextRuns reports when each job fires next. Empty before Start.
func (s *Service) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = s.cron.Entry(j.id).Next
	}
	return out
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// cronLogger routes cron's own messages into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
