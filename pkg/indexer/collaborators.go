package indexer

import (
	"context"
	"errors"

	"github.com/eunmann/s3-inv-pivot/pkg/checkpoint"
	"github.com/eunmann/s3-inv-pivot/pkg/group"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

// SearchRequest asks for one page of groups.
type SearchRequest struct {
	// Source names the data the grouping query runs against.
	Source string
	Spec   group.Spec
	// After is the exclusive lower bound. Empty on the first request.
	After checkpoint.Checkpoint
	Size  int
}

// Searcher executes grouping queries. Search must honor ctx and return
// groups ordered ascending by key, all sorting after req.After.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) (group.Page, error)
}

// SearchFunc adapts a function to Searcher.
type SearchFunc func(ctx context.Context, req SearchRequest) (group.Page, error)

// Search calls f.
func (f SearchFunc) Search(ctx context.Context, req SearchRequest) (group.Page, error) {
	return f(ctx, req)
}

// RecordFailure is one record the destination rejected.
type RecordFailure struct {
	Index int
	Err   error
}

// WriteResult reports the outcome of a bulk write.
type WriteResult struct {
	Written  int
	Failures []RecordFailure
}

// Err joins the record failures, or returns nil.
func (r WriteResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f.Err
	}
	return errors.Join(errs...)
}

// Writer executes bulk writes. Writes must be idempotent per record
// identity: the same page may be written more than once.
type Writer interface {
	Write(ctx context.Context, destination string, records []value.Record) (WriteResult, error)
}

// WriteFunc adapts a function to Writer.
type WriteFunc func(ctx context.Context, destination string, records []value.Record) (WriteResult, error)

// Write calls f.
func (f WriteFunc) Write(ctx context.Context, destination string, records []value.Record) (WriteResult, error) {
	return f(ctx, destination, records)
}

// StateStore persists checkpoints and stats between processes.
type StateStore interface {
	Save(ctx context.Context, jobID string, st Persisted) error
	Load(ctx context.Context, jobID string) (Persisted, bool, error)
}
