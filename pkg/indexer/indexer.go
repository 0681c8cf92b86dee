// Package indexer implements the two-phase materialization engine.
//
// An Indexer alternates a search phase, which fetches one page of groups
// after the committed checkpoint, and an index phase, which extracts records
// from the page, writes them and commits the page's completion key as the new
// checkpoint. A page with no groups ends the run.
//
// Lifecycle:
//
//	STOPPED --Start--> STARTED --Run/Trigger--> INDEXING --empty page--> STOPPED
//	INDEXING --Stop--> STOPPING --in-flight page committed--> STOPPED
//	STARTED|INDEXING|STOPPING --Abort--> ABORTING --page discarded--> STOPPED
//
// Only the loop goroutine mutates the checkpoint and stats; readers get
// immutable snapshots.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eunmann/s3-inv-pivot/internal/logctx"
	"github.com/eunmann/s3-inv-pivot/pkg/checkpoint"
	"github.com/eunmann/s3-inv-pivot/pkg/extract"
	"github.com/eunmann/s3-inv-pivot/pkg/group"
	"github.com/eunmann/s3-inv-pivot/pkg/logging"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

// Indexer is the engine for one job.
type Indexer struct {
	searcher   Searcher
	writer     Writer
	store      StateStore
	log        *zerolog.Logger
	newBackoff func(Config) backoff.BackOff

	state atomic.Int32
	cp    atomic.Pointer[checkpoint.Checkpoint]
	stats atomic.Pointer[Stats]

	mu      sync.Mutex
	pending Config
	active  Config
	done    chan struct{}
	cancel  context.CancelFunc

	wake chan struct{}
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets the base logger. By default the logger of the run context
// is used.
func WithLogger(l zerolog.Logger) Option {
	return func(ix *Indexer) { ix.log = &l }
}

// WithStateStore persists the checkpoint and stats after every commit and
// at the end of every run.
func WithStateStore(s StateStore) Option {
	return func(ix *Indexer) { ix.store = s }
}

// WithRecoveredState seeds the indexer with previously persisted state.
// The indexer still begins STOPPED.
func WithRecoveredState(p Persisted) Option {
	return func(ix *Indexer) {
		cp := p.Checkpoint
		st := p.Stats
		ix.cp.Store(&cp)
		ix.stats.Store(&st)
	}
}

// WithBackoff overrides the retry wait policy.
func WithBackoff(f func(Config) backoff.BackOff) Option {
	return func(ix *Indexer) { ix.newBackoff = f }
}

func defaultBackoff(cfg Config) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	return b
}

// New returns a STOPPED indexer.
func New(cfg Config, s Searcher, w Writer, opts ...Option) (*Indexer, error) {
	if s == nil || w == nil {
		return nil, errors.New("indexer requires a searcher and a writer")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	ix := &Indexer{
		searcher:   s,
		writer:     w,
		newBackoff: defaultBackoff,
		pending:    cfg.clone(),
		wake:       make(chan struct{}, 1),
	}
	empty := checkpoint.Checkpoint{}
	ix.cp.Store(&empty)
	ix.stats.Store(&Stats{})
	for _, opt := range opts {
		opt(ix)
	}
	ix.active = ix.pending.clone()
	return ix, nil
}

// JobID returns the job identifier.
func (ix *Indexer) JobID() string {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.pending.JobID
}

// State returns the current lifecycle state.
func (ix *Indexer) State() State { return State(ix.state.Load()) }

// Checkpoint returns the last committed checkpoint.
func (ix *Indexer) Checkpoint() checkpoint.Checkpoint { return *ix.cp.Load() }

// Stats returns a snapshot of the counters.
func (ix *Indexer) Stats() Stats { return *ix.stats.Load() }

// Config returns the configuration of the current or last run.
func (ix *Indexer) Config() Config {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.active.clone()
}

// UpdateConfig replaces the configuration used by the next Start. A running
// loop keeps its snapshot; Abort and Start to apply the change immediately.
// The job id cannot change.
func (ix *Indexer) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if cfg.JobID != ix.pending.JobID {
		return fmt.Errorf("job id %q cannot change to %q", ix.pending.JobID, cfg.JobID)
	}
	ix.pending = cfg.clone()
	return nil
}

// Start moves a stopped indexer to STARTED and snapshots the configuration.
func (ix *Indexer) Start() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if !ix.state.CompareAndSwap(int32(Stopped), int32(Started)) {
		return fmt.Errorf("start %s: %w (state %s)", ix.pending.JobID, ErrAlreadyRunning, ix.State())
	}
	ix.active = ix.pending.clone()
	return nil
}

// Stop requests a graceful stop. A running loop finishes its in-flight page
// first. Stop on a stopped indexer is a no-op.
func (ix *Indexer) Stop() {
	for {
		switch s := ix.State(); s {
		case Started:
			if ix.state.CompareAndSwap(int32(s), int32(Stopped)) {
				return
			}
		case Indexing:
			if ix.state.CompareAndSwap(int32(s), int32(Stopping)) {
				ix.signal()
				return
			}
		default:
			return
		}
	}
}

// Abort stops the indexer without committing the in-flight page. The
// in-flight search or write is cancelled. Abort takes precedence over Stop
// and is always accepted.
func (ix *Indexer) Abort() {
	for {
		switch s := ix.State(); s {
		case Started:
			if ix.state.CompareAndSwap(int32(s), int32(Stopped)) {
				return
			}
		case Indexing, Stopping:
			if ix.state.CompareAndSwap(int32(s), int32(Aborting)) {
				ix.mu.Lock()
				cancel := ix.cancel
				ix.mu.Unlock()
				if cancel != nil {
					cancel()
				}
				ix.signal()
				return
			}
		default:
			return
		}
	}
}

func (ix *Indexer) signal() {
	select {
	case ix.wake <- struct{}{}:
	default:
	}
}

func (ix *Indexer) admit() error {
	if ix.state.CompareAndSwap(int32(Started), int32(Indexing)) {
		return nil
	}
	if ix.State() == Stopped {
		return fmt.Errorf("run %s: %w", ix.JobID(), ErrNotRunning)
	}
	return fmt.Errorf("run %s: %w", ix.JobID(), ErrAlreadyRunning)
}

// Run executes the loop on the calling goroutine until the run completes,
// is stopped or aborted, or fails. Cancelling ctx acts like Stop: the
// in-flight page is still written and committed. The returned error is the
// fatal error of a failed run.
func (ix *Indexer) Run(ctx context.Context) (Outcome, error) {
	if err := ix.admit(); err != nil {
		return OutcomeNone, err
	}
	done := make(chan struct{})
	ix.mu.Lock()
	ix.done = done
	cfg := ix.active.clone()
	ix.mu.Unlock()
	defer close(done)
	return ix.loop(ctx, cfg)
}

// Trigger starts the loop in a new goroutine. Cancelling ctx acts like Stop.
func (ix *Indexer) Trigger(ctx context.Context) error {
	if err := ix.admit(); err != nil {
		return err
	}
	done := make(chan struct{})
	ix.mu.Lock()
	ix.done = done
	cfg := ix.active.clone()
	ix.mu.Unlock()
	go func() {
		defer close(done)
		_, _ = ix.loop(ctx, cfg)
	}()
	return nil
}

// Wait blocks until the current loop, if any, has returned.
func (ix *Indexer) Wait(ctx context.Context) error {
	ix.mu.Lock()
	done := ix.done
	ix.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", ix.JobID(), ctx.Err())
	}
}

// run is the mutable state owned by one loop.
type run struct {
	cfg      Config
	log      zerolog.Logger
	parent   context.Context // cancellation requests a stop
	cp       checkpoint.Checkpoint
	stats    Stats
	bo       backoff.BackOff
	attempts int
}

func (ix *Indexer) loop(ctx context.Context, cfg Config) (Outcome, error) {
	started := time.Now()

	if ix.log != nil {
		ctx = logctx.WithLogger(ctx, *ix.log)
	}
	ctx = logctx.WithRun(logctx.WithJob(ctx, cfg.JobID), uuid.NewString())
	log := logctx.FromContext(ctx)

	r := &run{
		cfg:    cfg,
		log:    log,
		parent: ctx,
		cp:     ix.Checkpoint(),
		stats:  ix.Stats(),
		bo:     ix.newBackoff(cfg),
	}
	r.stats.Runs++
	r.stats.FatalError = ""

	// Drain a stale wake-up left by a Stop or Abort of a previous run.
	select {
	case <-ix.wake:
	default:
	}

	// Phases run on a context only Abort cancels, so a cancelled ctx lets
	// the in-flight page commit before the run stops.
	work, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	ix.mu.Lock()
	ix.cancel = cancel
	ix.mu.Unlock()
	stopOnCancel := context.AfterFunc(ctx, ix.Stop)
	defer stopOnCancel()

	log.Info().
		Str("event", "run_started").
		Str("checkpoint", r.cp.String()).
		Int("page_size", cfg.PageSize).
		Msg("indexer run started")

	outcome, err := ix.iterate(work, r)
	return ix.finish(work, r, started, outcome, err)
}

func (ix *Indexer) iterate(ctx context.Context, r *run) (Outcome, error) {
	for {
		switch ix.State() {
		case Stopping:
			return OutcomeStopped, nil
		case Aborting:
			return OutcomeAborted, nil
		}
		if r.parent.Err() != nil {
			return OutcomeStopped, nil
		}

		page, err := ix.search(ctx, r)
		if err != nil {
			if stop, outcome, ferr := ix.fail(ctx, r, err); stop {
				return outcome, ferr
			}
			continue
		}
		if ix.State() == Aborting {
			r.log.Info().Str("event", "page_discarded").Int("groups", len(page.Groups)).Msg("abort requested, page discarded")
			return OutcomeAborted, nil
		}

		if page.IsEmpty() {
			r.stats.Pages++
			ix.publish(r)
			return OutcomeCompleted, nil
		}

		if err := ix.index(ctx, r, page); err != nil {
			if errors.Is(err, errAborted) {
				return OutcomeAborted, nil
			}
			if stop, outcome, ferr := ix.fail(ctx, r, err); stop {
				return outcome, ferr
			}
			continue
		}
		r.attempts = 0
		r.bo.Reset()
	}
}

var errAborted = errors.New("aborted")

func (ix *Indexer) search(ctx context.Context, r *run) (group.Page, error) {
	start := time.Now()
	page, err := ix.searcher.Search(ctx, SearchRequest{
		Source: r.cfg.Source,
		Spec:   r.cfg.Spec,
		After:  r.cp,
		Size:   r.cfg.PageSize,
	})
	elapsed := time.Since(start)
	r.stats.SearchTime += elapsed
	if err == nil {
		err = checkPage(page, r.cp)
	}
	if err != nil {
		r.stats.SearchFailures++
		ix.publish(r)
		return group.Page{}, &SearchPhaseError{After: r.cp, Err: err}
	}
	ix.publish(r)

	logging.PhaseComplete(r.log, "search", elapsed).
		Int("groups", len(page.Groups)).
		Str("after", r.cp.String()).
		LogDebug("search phase complete")
	return page, nil
}

// checkPage verifies page ordering and that every key sorts after cp.
func checkPage(page group.Page, cp checkpoint.Checkpoint) error {
	if page.IsEmpty() {
		return nil
	}
	if err := page.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrNonMonotonic, err)
	}
	if cp.IsEmpty() {
		return nil
	}
	c, err := page.Groups[0].Key.Compare(cp)
	if err != nil {
		return fmt.Errorf("compare page to checkpoint: %w", err)
	}
	if c <= 0 {
		return fmt.Errorf("%w: first key %s, checkpoint %s", ErrNonMonotonic, page.Groups[0].Key, cp)
	}
	return nil
}

func (ix *Indexer) index(ctx context.Context, r *run, page group.Page) error {
	start := time.Now()

	it := extract.Records(page, r.cfg.Spec)
	records := make([]value.Record, 0, len(page.Groups))
	for it.Next() {
		records = append(records, it.Record())
	}
	failures := it.Failures()
	for _, f := range failures {
		r.log.Debug().Err(f).Msg("record dropped")
	}
	r.stats.RecordsExtracted += int64(len(records))
	r.stats.ExtractionFailures += int64(len(failures))

	var res WriteResult
	var err error
	if len(records) > 0 {
		res, err = ix.writer.Write(ctx, r.cfg.Destination, records)
	}
	elapsed := time.Since(start)
	r.stats.IndexTime += elapsed

	if ix.State() == Aborting {
		ix.publish(r)
		r.log.Info().Str("event", "page_discarded").Int("records", len(records)).Msg("abort requested, checkpoint not committed")
		return errAborted
	}

	if err == nil {
		err = res.Err()
	}
	if err != nil {
		r.stats.WriteFailures++
		ix.publish(r)
		return &IndexPhaseError{After: r.cp, Failed: len(res.Failures), Err: err}
	}

	r.cp = page.CompletionKey()
	r.stats.Pages++
	r.stats.RecordsWritten += int64(res.Written)
	ix.cp.Store(&r.cp)
	ix.publish(r)
	ix.persist(ctx, r)

	logging.BatchComplete(r.log, "index", elapsed).
		Int("groups", len(page.Groups)).
		Count("records", int64(res.Written)).
		Int("dropped", len(failures)).
		Str("checkpoint", r.cp.String()).
		Throughput("records", int64(res.Written)).
		Log("page committed")
	return nil
}

// fail handles a phase error. It reports whether the run must end.
func (ix *Indexer) fail(ctx context.Context, r *run, err error) (bool, Outcome, error) {
	if IsFatal(err) {
		return true, OutcomeFailed, err
	}
	switch {
	case ix.State() == Aborting:
		return true, OutcomeAborted, nil
	case ix.State() == Stopping, r.parent.Err() != nil:
		return true, OutcomeStopped, nil
	}
	r.attempts++
	if r.attempts > r.cfg.MaxRetries {
		return true, OutcomeFailed, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.attempts, err)
	}
	delay := r.bo.NextBackOff()
	if delay == backoff.Stop {
		return true, OutcomeFailed, fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	}

	logging.PhaseFailed(r.log, phaseOf(err), 0).
		Int("attempt", r.attempts).
		Duration("backoff", delay).
		Err(err).
		LogWarn("transient failure, retrying")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ix.wake:
	case <-r.parent.Done():
	case <-ctx.Done():
	}
	return false, OutcomeNone, nil
}

func phaseOf(err error) string {
	var se *SearchPhaseError
	if errors.As(err, &se) {
		return "search"
	}
	return "index"
}

func (ix *Indexer) finish(ctx context.Context, r *run, started time.Time, outcome Outcome, err error) (Outcome, error) {
	r.stats.LastOutcome = outcome
	if err != nil {
		r.stats.FatalError = err.Error()
	}
	ix.publish(r)
	ix.persist(context.WithoutCancel(ctx), r)
	ix.state.Store(int32(Stopped))

	ev := logging.RunFinished(r.log, time.Since(started)).
		Str("outcome", string(outcome)).
		Str("checkpoint", r.cp.String()).
		Count("pages", r.stats.Pages).
		Count("records_written", r.stats.RecordsWritten).
		Err(err)
	if outcome == OutcomeFailed {
		ev.LogWarn("indexer run failed")
	} else {
		ev.Log("indexer run finished")
	}
	return outcome, err
}

func (ix *Indexer) publish(r *run) {
	snap := r.stats
	ix.stats.Store(&snap)
}

func (ix *Indexer) persist(ctx context.Context, r *run) {
	if ix.store == nil {
		return
	}
	if err := ix.store.Save(ctx, r.cfg.JobID, Persisted{Checkpoint: r.cp, Stats: r.stats}); err != nil {
		r.log.Error().Err(err).Msg("persist job state")
	}
}
