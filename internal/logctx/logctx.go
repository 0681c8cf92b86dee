// Package logctx carries a zerolog logger through context.Context so that
// job_id and run_id fields follow a run into every collaborator call.
//
//	ctx = logctx.WithJob(ctx, cfg.JobID)
//	log := logctx.FromContext(ctx)
package logctx

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/eunmann/s3-inv-pivot/pkg/logging"
)

type loggerKey struct{}

// WithLogger returns a new context with the given logger attached.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext extracts the logger from the context, falling back to the
// process logger from pkg/logging. It never returns a disabled logger for a
// missing context.
func FromContext(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return logger
		}
	}
	return *logging.L()
}

// WithStr returns a new context whose logger has the string field added.
func WithStr(ctx context.Context, key, value string) context.Context {
	return WithLogger(ctx, FromContext(ctx).With().Str(key, value).Logger())
}

// WithInt returns a new context whose logger has the int field added.
func WithInt(ctx context.Context, key string, value int) context.Context {
	return WithLogger(ctx, FromContext(ctx).With().Int(key, value).Logger())
}

// WithJob tags the context logger with the job correlation id.
func WithJob(ctx context.Context, jobID string) context.Context {
	return WithStr(ctx, "job_id", jobID)
}

// WithRun tags the context logger with a run id.
func WithRun(ctx context.Context, runID string) context.Context {
	return WithStr(ctx, "run_id", runID)
}
