package indexer

import (
	"errors"
	"fmt"

	"github.com/eunmann/s3-inv-pivot/pkg/checkpoint"
	"github.com/eunmann/s3-inv-pivot/pkg/group"
)

var (
	// ErrAlreadyRunning is returned by Start when the indexer is not stopped,
	// and by Run and Trigger when a loop is already active.
	ErrAlreadyRunning = errors.New("indexer already running")
	// ErrNotRunning is returned by Run and Trigger before Start.
	ErrNotRunning = errors.New("indexer not started")
	// ErrNonMonotonic marks a page whose keys do not advance past the
	// committed checkpoint. It is fatal.
	ErrNonMonotonic = errors.New("page does not advance checkpoint")
	// ErrRetriesExhausted is recorded when consecutive failures exceed MaxRetries.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// SearchPhaseError wraps a failed grouping query.
type SearchPhaseError struct {
	After checkpoint.Checkpoint
	Err   error
}

func (e *SearchPhaseError) Error() string {
	return fmt.Sprintf("search after %s: %v", e.After, e.Err)
}

func (e *SearchPhaseError) Unwrap() error { return e.Err }

// IndexPhaseError wraps a failed bulk write. Failed counts the records the
// destination rejected; it is zero when the whole request failed.
type IndexPhaseError struct {
	After  checkpoint.Checkpoint
	Failed int
	Err    error
}

func (e *IndexPhaseError) Error() string {
	if e.Failed > 0 {
		return fmt.Sprintf("index page after %s: %d records failed: %v", e.After, e.Failed, e.Err)
	}
	return fmt.Sprintf("index page after %s: %v", e.After, e.Err)
}

func (e *IndexPhaseError) Unwrap() error { return e.Err }

// IsFatal reports whether err cannot be fixed by retrying.
func IsFatal(err error) bool {
	var cfgErr *group.ConfigurationError
	return errors.As(err, &cfgErr) ||
		errors.Is(err, checkpoint.ErrIncompatible) ||
		errors.Is(err, ErrNonMonotonic)
}
