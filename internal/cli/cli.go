// Package cli implements the command-line interface for s3inv-pivot.
package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/eunmann/s3-inv-pivot/internal/sqlitedb"
	"github.com/eunmann/s3-inv-pivot/pkg/indexer"
	"github.com/eunmann/s3-inv-pivot/pkg/jobconfig"
	"github.com/eunmann/s3-inv-pivot/pkg/jobstate"
	"github.com/eunmann/s3-inv-pivot/pkg/logging"
	"github.com/eunmann/s3-inv-pivot/pkg/sqlsink"
	"github.com/eunmann/s3-inv-pivot/pkg/sqlsource"
)

// Run executes the CLI with the given arguments. SIGINT and SIGTERM stop
// running jobs after their in-flight page.
func Run(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, out, errOut io.Writer) error {
	settings, err := jobconfig.LoadSettings()
	if err != nil {
		return err
	}
	a := &app{settings: settings, out: out}
	defer a.close()

	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(errOut)
	return root.ExecuteContext(ctx)
}

// app holds the settings and the lazily opened stores shared by commands.
type app struct {
	settings jobconfig.Settings
	out      io.Writer

	db     *sql.DB
	source *sqlsource.Store
	sink   *sqlsink.Store
	state  *jobstate.Store
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "s3inv-pivot",
		Short: "Materialize grouped S3 inventory summaries incrementally",
		Long: `s3inv-pivot loads S3 inventory data into a local SQLite store and runs
resumable grouping jobs that write one document per group into destination
tables.

Commands:
  ingest    Load inventory files into the source store
  run       Run jobs to completion
  status    Show persisted job state
  export    Export a destination table to Parquet or JSON lines
  schedule  Re-run completed jobs on their cron schedule
  reset     Clear job state, destination tables or the source store`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.settings.Validate(); err != nil {
				return err
			}
			logging.InitWriter(cmd.ErrOrStderr(), a.settings.Debug, a.settings.HumanLogs())
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.settings.DBPath, "db", a.settings.DBPath, "SQLite database path")
	flags.StringVar(&a.settings.JobsPath, "jobs", a.settings.JobsPath, "jobs file")
	flags.BoolVar(&a.settings.Debug, "debug", a.settings.Debug, "enable debug logging")
	flags.StringVar(&a.settings.LogFormat, "log-format", a.settings.LogFormat, "log format (json, console)")

	root.AddCommand(
		newIngestCommand(a),
		newRunCommand(a),
		newStatusCommand(a),
		newExportCommand(a),
		newScheduleCommand(a),
		newResetCommand(a),
	)
	return root
}

// open opens the database and the stores on first use.
func (a *app) open(ctx context.Context) error {
	if a.db != nil {
		return nil
	}
	db, err := sqlitedb.Open(sqlitedb.DefaultConfig(a.settings.DBPath))
	if err != nil {
		return err
	}
	source, err := sqlsource.New(ctx, db)
	if err != nil {
		db.Close()
		return err
	}
	state, err := jobstate.New(ctx, db)
	if err != nil {
		db.Close()
		return err
	}
	a.db, a.source, a.sink, a.state = db, source, sqlsink.New(db), state
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

func (a *app) loadJobs() (*jobconfig.File, error) {
	f, err := jobconfig.Load(a.settings.JobsPath)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	return f, nil
}

// selectJobs returns the named jobs, or every job when all is set.
func (a *app) selectJobs(ids []string, all bool) ([]jobconfig.Job, error) {
	f, err := a.loadJobs()
	if err != nil {
		return nil, err
	}
	if all {
		return f.Jobs, nil
	}
	if len(ids) == 0 {
		return nil, errors.New("at least one job id or --all is required")
	}
	jobs := make([]jobconfig.Job, 0, len(ids))
	for _, id := range ids {
		j, err := f.Job(id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// newIndexer wires a job to the source, the destination and the state
// store, resuming from persisted state when there is any.
func (a *app) newIndexer(ctx context.Context, job jobconfig.Job) (*indexer.Indexer, error) {
	src, err := sqlsource.NewSource(a.source, job.Filter, job.Lists)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.ID, err)
	}
	opts := []indexer.Option{indexer.WithStateStore(a.state)}
	persisted, ok, err := a.state.Load(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		opts = append(opts, indexer.WithRecoveredState(persisted))
	}
	return indexer.New(job.IndexerConfig(), src, a.sink.Writer(job.DocKeyFields()), opts...)
}
