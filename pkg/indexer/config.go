package indexer

import (
	"errors"
	"fmt"
	"time"

	"github.com/eunmann/s3-inv-pivot/pkg/group"
)

// Config is the per-job engine configuration. A copy is taken at Start and
// stays fixed for the run.
type Config struct {
	// JobID correlates logs, stats and persisted state.
	JobID string
	// Source is passed through to the Searcher.
	Source string
	// Destination is passed through to the Writer.
	Destination string
	Spec        group.Spec
	// PageSize bounds the groups per search.
	PageSize int
	// MaxRetries bounds consecutive transient failures on one checkpoint.
	MaxRetries int
	// InitialBackoff and MaxBackoff shape the retry wait.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns a Config with default tuning and no job.
func DefaultConfig() Config {
	return Config{
		PageSize:       group.DefaultPageSize,
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// Validate checks the configuration. It validates the grouping spec in
// place, so defaults are filled.
func (c *Config) Validate() error {
	if c.JobID == "" {
		return errors.New("job id is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", c.MaxRetries)
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("invalid backoff %v..%v", c.InitialBackoff, c.MaxBackoff)
	}
	if err := c.Spec.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", c.JobID, err)
	}
	return nil
}

func (c Config) clone() Config {
	out := c
	out.Spec.Sources = append([]group.Source(nil), c.Spec.Sources...)
	out.Spec.Aggregations = append([]group.Aggregation(nil), c.Spec.Aggregations...)
	return out
}
