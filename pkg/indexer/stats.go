package indexer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eunmann/s3-inv-pivot/pkg/checkpoint"
)

// Stats are the engine counters. Counters only grow. Snapshots returned by
// Indexer.Stats are never mutated afterwards.
type Stats struct {
	Pages              int64
	RecordsExtracted   int64
	RecordsWritten     int64
	ExtractionFailures int64
	SearchFailures     int64
	WriteFailures      int64
	SearchTime         time.Duration
	IndexTime          time.Duration
	Runs               int64

	// LastOutcome is how the last run ended.
	LastOutcome Outcome
	// FatalError is set when the last run failed.
	FatalError string
}

const (
	statPages              = "pages"
	statRecordsExtracted   = "records_extracted"
	statRecordsWritten     = "records_written"
	statExtractionFailures = "extraction_failures"
	statSearchFailures     = "search_failures"
	statWriteFailures      = "write_failures"
	statSearchTime         = "search_time_ns"
	statIndexTime          = "index_time_ns"
	statRuns               = "runs"
	statLastOutcome        = "last_outcome"
	statFatalError         = "fatal_error"
)

func (s *Stats) counters() []struct {
	name string
	ptr  *int64
} {
	return []struct {
		name string
		ptr  *int64
	}{
		{statPages, &s.Pages},
		{statRecordsExtracted, &s.RecordsExtracted},
		{statRecordsWritten, &s.RecordsWritten},
		{statExtractionFailures, &s.ExtractionFailures},
		{statSearchFailures, &s.SearchFailures},
		{statWriteFailures, &s.WriteFailures},
		{statSearchTime, (*int64)(&s.SearchTime)},
		{statIndexTime, (*int64)(&s.IndexTime)},
		{statRuns, &s.Runs},
	}
}

// Flatten returns s as a flat field/value mapping.
func (s Stats) Flatten() map[string]string {
	out := make(map[string]string, 11)
	for _, c := range s.counters() {
		out[c.name] = strconv.FormatInt(*c.ptr, 10)
	}
	out[statLastOutcome] = string(s.LastOutcome)
	out[statFatalError] = s.FatalError
	return out
}

// UnflattenStats parses the output of Flatten. Missing counters are zero.
func UnflattenStats(fields map[string]string) (Stats, error) {
	var s Stats
	for _, c := range s.counters() {
		raw, ok := fields[c.name]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Stats{}, fmt.Errorf("parse stat %s: %w", c.name, err)
		}
		*c.ptr = n
	}
	s.LastOutcome = Outcome(fields[statLastOutcome])
	s.FatalError = fields[statFatalError]
	return s, nil
}

// Persisted is the state saved between processes.
type Persisted struct {
	Checkpoint checkpoint.Checkpoint
	Stats      Stats
}

// Field prefixes of Persisted.Flatten.
const (
	CheckpointPrefix = "checkpoint."
	StatsPrefix      = "stats."
)

// Flatten returns p as a single flat mapping.
func (p Persisted) Flatten() (map[string]string, error) {
	cp, err := p.Checkpoint.Flatten()
	if err != nil {
		return nil, fmt.Errorf("flatten checkpoint: %w", err)
	}
	out := make(map[string]string, len(cp)+11)
	for k, v := range cp {
		out[CheckpointPrefix+k] = v
	}
	for k, v := range p.Stats.Flatten() {
		out[StatsPrefix+k] = v
	}
	return out, nil
}

// UnflattenPersisted parses the output of Persisted.Flatten.
func UnflattenPersisted(fields map[string]string) (Persisted, error) {
	cp := make(map[string]string)
	st := make(map[string]string)
	for k, v := range fields {
		switch {
		case strings.HasPrefix(k, CheckpointPrefix):
			cp[strings.TrimPrefix(k, CheckpointPrefix)] = v
		case strings.HasPrefix(k, StatsPrefix):
			st[strings.TrimPrefix(k, StatsPrefix)] = v
		default:
			return Persisted{}, fmt.Errorf("unknown persisted field %q", k)
		}
	}
	c, err := checkpoint.Unflatten(cp)
	if err != nil {
		return Persisted{}, fmt.Errorf("unflatten checkpoint: %w", err)
	}
	s, err := UnflattenStats(st)
	if err != nil {
		return Persisted{}, err
	}
	return Persisted{Checkpoint: c, Stats: s}, nil
}
