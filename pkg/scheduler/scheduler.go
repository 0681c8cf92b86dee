// Package scheduler re-invokes completed indexer jobs on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/eunmann/s3-inv-pivot/pkg/indexer"
)

// Job is the part of an indexer the scheduler drives.
type Job interface {
	JobID() string
	State() indexer.State
	Stats() indexer.Stats
	Start() error
	Trigger(ctx context.Context) error
}

var _ Job = (*indexer.Indexer)(nil)

// ErrDuplicateJob is returned when a job id is registered twice.
var ErrDuplicateJob = errors.New("job already scheduled")

// ParseSchedule parses a standard 5-field cron expression or a descriptor
// such as "@every 1h".
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Scheduler owns a cron runner and the jobs registered with it.
type Scheduler struct {
	ctx  context.Context
	log  zerolog.Logger
	cron *cron.Cron

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a scheduler. Runs it triggers inherit ctx.
func New(ctx context.Context, log zerolog.Logger) *Scheduler {
	adapter := cronLogger{log: log.With().Str("component", "scheduler").Logger()}
	return &Scheduler{
		ctx: ctx,
		log: adapter.log,
		cron: cron.New(
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		entries: make(map[string]cron.EntryID),
	}
}

// Register schedules job. Each tick restarts the job if its last run
// completed, or if it has never run.
func (s *Scheduler) Register(job Job, schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := job.JobID()
	if _, ok := s.entries[id]; ok {
		return fmt.Errorf("register %s: %w", id, ErrDuplicateJob)
	}
	s.entries[id] = s.cron.Schedule(sched, cron.FuncJob(func() { s.tick(job) }))
	s.log.Info().Str("job_id", id).Str("schedule", schedule).Msg("job scheduled")
	return nil
}

// Unregister removes a job. It does not stop a run in progress.
func (s *Scheduler) Unregister(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[jobID]; ok {
		s.cron.Remove(id)
		delete(s.entries, jobID)
	}
}

// Jobs returns the registered job ids, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron loop. The returned context is done once running tick
// functions have returned; indexer runs they triggered keep going.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// tick re-invokes job when it is stopped and its last run completed. Runs
// that were stopped, aborted or failed wait for an operator.
func (s *Scheduler) tick(job Job) bool {
	log := s.log.With().Str("job_id", job.JobID()).Logger()
	if st := job.State(); st != indexer.Stopped {
		log.Debug().Stringer("state", st).Msg("job busy, skipping tick")
		return false
	}
	switch outcome := job.Stats().LastOutcome; outcome {
	case indexer.OutcomeNone, indexer.OutcomeCompleted:
	default:
		log.Debug().Str("last_outcome", string(outcome)).Msg("job not eligible, skipping tick")
		return false
	}

	if err := job.Start(); err != nil {
		log.Warn().Err(err).Msg("start job failed")
		return false
	}
	if err := job.Trigger(s.ctx); err != nil {
		log.Warn().Err(err).Msg("trigger job failed")
		return false
	}
	log.Info().Msg("job triggered")
	return true
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
