package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/s3-inv-pivot/pkg/indexer"
	"github.com/eunmann/s3-inv-pivot/pkg/logging"
	"github.com/eunmann/s3-inv-pivot/pkg/metrics"
	"github.com/eunmann/s3-inv-pivot/pkg/scheduler"
)

func newRunCommand(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "run [JOB_ID...]",
		Short: "Run jobs until they complete",
		Long: `Run the named jobs one after another. Each job resumes from its last
committed checkpoint. Interrupting the command stops the current job after
its in-flight page; running it again picks up where it left off.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "run every job in the jobs file")
	return cmd
}

func (a *app) run(ctx context.Context, ids []string, all bool) error {
	jobs, err := a.selectJobs(ids, all)
	if err != nil {
		return err
	}
	if err := a.open(ctx); err != nil {
		return err
	}

	var failed []string
	for _, job := range jobs {
		ix, err := a.newIndexer(ctx, job)
		if err != nil {
			return err
		}
		if err := ix.Start(); err != nil {
			return err
		}
		outcome, runErr := ix.Run(ctx)
		st := ix.Stats()
		fmt.Fprintf(a.out, "%s: %s, %s pages, %s records written, checkpoint %s\n",
			job.ID, outcome, humanize.Comma(st.Pages), humanize.Comma(st.RecordsWritten), ix.Checkpoint())
		if runErr != nil {
			fmt.Fprintf(a.out, "%s: %v\n", job.ID, runErr)
			failed = append(failed, job.ID)
		}
		if ctx.Err() != nil {
			break
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d job(s) failed: %v", len(failed), failed)
	}
	return nil
}

func newScheduleCommand(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Re-run completed jobs on their cron schedule",
		Long: `Register every job that has a schedule and run until interrupted. On
each tick a job is re-run if its last run completed; jobs that were stopped,
aborted or failed wait for an operator. With --metrics-addr, job counters are
served at /metrics.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.schedule(cmd.Context(), metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", a.settings.MetricsAddr, "listen address for /metrics (empty disables)")
	return cmd
}

func (a *app) schedule(ctx context.Context, metricsAddr string) error {
	f, err := a.loadJobs()
	if err != nil {
		return err
	}
	if err := a.open(ctx); err != nil {
		return err
	}

	log := logging.WithPhase("schedule")
	sched := scheduler.New(ctx, log)
	collector := metrics.NewCollector()
	var indexers []*indexer.Indexer
	for _, job := range f.Jobs {
		if job.Schedule == "" {
			continue
		}
		ix, err := a.newIndexer(ctx, job)
		if err != nil {
			return err
		}
		if err := sched.Register(ix, job.Schedule); err != nil {
			return err
		}
		collector.Add(ix)
		indexers = append(indexers, ix)
	}
	if len(indexers) == 0 {
		return errors.New("no job in the jobs file has a schedule")
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		handler, err := metrics.Handler(collector)
		if err != nil {
			return err
		}
		g.Go(func() error { return metrics.Serve(gctx, metricsAddr, handler) })
	}

	sched.Start()
	log.Info().Int("jobs", len(indexers)).Msg("scheduler started")
	<-gctx.Done()

	<-sched.Stop().Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	for _, ix := range indexers {
		ix.Stop()
	}
	for _, ix := range indexers {
		if err := ix.Wait(shutdownCtx); err != nil {
			log.Warn().Err(err).Str("job_id", ix.JobID()).Msg("job did not stop in time, aborting")
			ix.Abort()
			abortCtx, cancelAbort := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := ix.Wait(abortCtx); err != nil {
				log.Error().Err(err).Str("job_id", ix.JobID()).Msg("aborted job did not exit")
			}
			cancelAbort()
		}
	}
	log.Info().Msg("scheduler stopped")

	return g.Wait()
}
