package logging

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// CompletionEvent helps build consistent completion log events.
type CompletionEvent struct {
	log     zerolog.Logger
	event   string
	phase   string
	elapsed time.Duration
	fields  map[string]any
	keys    []string
}

// NewCompletionEvent creates a new completion event builder.
func NewCompletionEvent(log zerolog.Logger, event, phase string, elapsed time.Duration) *CompletionEvent {
	return &CompletionEvent{
		log:     log,
		event:   event,
		phase:   phase,
		elapsed: elapsed,
		fields:  make(map[string]any),
	}
}

func (ce *CompletionEvent) set(key string, val any) {
	if _, ok := ce.fields[key]; !ok {
		ce.keys = append(ce.keys, key)
	}
	ce.fields[key] = val
}

// Str adds a string field.
func (ce *CompletionEvent) Str(key, val string) *CompletionEvent {
	ce.set(key, val)
	return ce
}

// Int adds an int field.
func (ce *CompletionEvent) Int(key string, val int) *CompletionEvent {
	ce.set(key, val)
	return ce
}

// Int64 adds an int64 field.
func (ce *CompletionEvent) Int64(key string, val int64) *CompletionEvent {
	ce.set(key, val)
	return ce
}

// Bytes adds byte count with optional human-readable companion.
func (ce *CompletionEvent) Bytes(key string, n int64) *CompletionEvent {
	ce.set(key, n)
	if IsPrettyMode() && n >= 0 {
		ce.set(key+"_h", humanize.IBytes(uint64(n)))
	}
	return ce
}

// Count adds count with optional human-readable companion.
func (ce *CompletionEvent) Count(key string, n int64) *CompletionEvent {
	ce.set(key, n)
	if IsPrettyMode() {
		ce.set(key+"_h", humanize.Comma(n))
	}
	return ce
}

// Duration adds a millisecond duration field.
func (ce *CompletionEvent) Duration(key string, d time.Duration) *CompletionEvent {
	ce.set(key+"_ms", d.Milliseconds())
	if IsPrettyMode() {
		ce.set(key+"_h", roundDuration(d))
	}
	return ce
}

// Err attaches an error, if non-nil.
func (ce *CompletionEvent) Err(err error) *CompletionEvent {
	if err != nil {
		ce.set("error", err.Error())
	}
	return ce
}

// Throughput adds a rate in items per second.
func (ce *CompletionEvent) Throughput(key string, n int64) *CompletionEvent {
	if ce.elapsed > 0 {
		rate := float64(n) / ce.elapsed.Seconds()
		ce.set(key+"_per_sec", rate)
		if IsPrettyMode() {
			ce.set(key+"_per_sec_h", humanize.CommafWithDigits(rate, 1)+"/s")
		}
	}
	return ce
}

// Log emits the completion event.
func (ce *CompletionEvent) Log(msg string) {
	ce.emit(ce.log.Info(), msg)
}

// LogDebug emits the completion event at debug level.
func (ce *CompletionEvent) LogDebug(msg string) {
	ce.emit(ce.log.Debug(), msg)
}

// LogWarn emits the completion event at warn level.
func (ce *CompletionEvent) LogWarn(msg string) {
	ce.emit(ce.log.Warn(), msg)
}

func (ce *CompletionEvent) emit(e *zerolog.Event, msg string) {
	e = e.Str("event", ce.event).
		Str("phase", ce.phase).
		Int64("duration_ms", ce.elapsed.Milliseconds())

	if IsPrettyMode() {
		e = e.Str("duration_h", roundDuration(ce.elapsed))
	}

	for _, k := range ce.keys {
		e = e.Interface(k, ce.fields[k])
	}

	e.Msg(msg)
}

func roundDuration(d time.Duration) string {
	switch {
	case d >= time.Minute:
		return d.Round(time.Second).String()
	case d >= time.Second:
		return d.Round(10 * time.Millisecond).String()
	default:
		return d.Round(time.Microsecond).String()
	}
}

// PhaseComplete logs a phase completion event.
func PhaseComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "phase_completed", phase, elapsed)
}

// PhaseFailed logs a failed phase.
func PhaseFailed(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "phase_failed", phase, elapsed)
}

// BatchComplete logs a batch/transaction completion event.
func BatchComplete(log zerolog.Logger, phase string, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "batch_completed", phase, elapsed)
}

// RunFinished logs the end of an engine run.
func RunFinished(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "run_finished", "run", elapsed)
}

// FileLoaded logs an ingested inventory file.
func FileLoaded(log zerolog.Logger, elapsed time.Duration) *CompletionEvent {
	return NewCompletionEvent(log, "file_loaded", "ingest", elapsed)
}

// ProgressTracker counts finished and skipped items of a known total.
// It is safe for concurrent use.
type ProgressTracker struct {
	total     int64
	completed atomic.Int64
	skipped   atomic.Int64
	startTime time.Time
	log       zerolog.Logger
	phase     string

	mu   sync.Mutex
	last time.Time
	// Every bounds how often Maybe emits a progress line.
	Every time.Duration
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(phase string, total int64, log zerolog.Logger) *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		total:     total,
		startTime: now,
		last:      now,
		log:       log,
		phase:     phase,
		Every:     5 * time.Second,
	}
}

// RecordCompletion records that an item completed.
func (pt *ProgressTracker) RecordCompletion() {
	pt.completed.Add(1)
}

// RecordSkip records that an item was skipped.
func (pt *ProgressTracker) RecordSkip() {
	pt.skipped.Add(1)
}

// Progress returns current progress counts.
func (pt *ProgressTracker) Progress() (completed, skipped, total int64) {
	return pt.completed.Load(), pt.skipped.Load(), pt.total
}

// ProgressPct returns the progress percentage (0-100).
func (pt *ProgressTracker) ProgressPct() float64 {
	done := pt.completed.Load() + pt.skipped.Load()
	if pt.total == 0 {
		return 100.0
	}
	return float64(done) * 100.0 / float64(pt.total)
}

// ETA estimates the time remaining from the average completion rate.
func (pt *ProgressTracker) ETA() time.Duration {
	completed := pt.completed.Load()
	if completed == 0 {
		return 0
	}
	remaining := pt.total - completed - pt.skipped.Load()
	if remaining <= 0 {
		return 0
	}
	avg := time.Since(pt.startTime) / time.Duration(completed)
	return avg * time.Duration(remaining)
}

// Maybe logs a progress line if Every has elapsed since the last one.
func (pt *ProgressTracker) Maybe() {
	pt.mu.Lock()
	if time.Since(pt.last) < pt.Every {
		pt.mu.Unlock()
		return
	}
	pt.last = time.Now()
	pt.mu.Unlock()

	completed, skipped, total := pt.Progress()
	e := pt.log.Info().
		Str("event", "progress").
		Str("phase", pt.phase).
		Int64("completed", completed).
		Int64("skipped", skipped).
		Int64("total", total).
		Float64("progress_pct", pt.ProgressPct())
	if eta := pt.ETA(); eta > 0 {
		e = e.Int64("eta_ms", eta.Milliseconds())
		if IsPrettyMode() {
			e = e.Str("eta_h", roundDuration(eta))
		}
	}
	e.Msg("progress")
}
