package cli

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/eunmann/s3-inv-pivot/pkg/jobconfig"
	"github.com/eunmann/s3-inv-pivot/pkg/pricing"
)

func newStatusCommand(a *app) *cobra.Command {
	var prices string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the source store and persisted job state",
		Long: `Show the source store, its estimated monthly storage cost per tier and
the persisted state of every job. Prices default to us-east-1 list prices;
--prices reads per-tier USD per GB-month overrides from a YAML file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.status(cmd.Context(), prices)
		},
	}
	cmd.Flags().StringVar(&prices, "prices", "", "YAML price table (per_gb_month: {TIER: usd})")
	return cmd
}

func (a *app) status(ctx context.Context, pricesPath string) error {
	f, err := a.loadJobs()
	if err != nil {
		return err
	}
	pt := pricing.DefaultUSEast1Prices()
	if pricesPath != "" {
		if pt, err = pricing.LoadPriceTable(pricesPath); err != nil {
			return err
		}
	}
	if err := a.open(ctx); err != nil {
		return err
	}

	sum, err := a.source.Summary(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "source: %s objects, %s, %d buckets, %d files loaded\n\n",
		humanize.Comma(sum.Objects), humanize.IBytes(uint64(sum.Bytes)), sum.Buckets, sum.FilesLoaded)
	if err := a.printTierCosts(ctx, pt); err != nil {
		return err
	}

	// Jobs with persisted state but no longer in the jobs file are listed too.
	ids := make([]string, 0, len(f.Jobs))
	dests := make(map[string]string, len(f.Jobs))
	for _, j := range f.Jobs {
		ids = append(ids, j.ID)
		dests[j.ID] = j.Destination
	}
	stored, err := a.state.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range stored {
		if !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tLAST OUTCOME\tRUNS\tPAGES\tWRITTEN\tFAILURES\tDOCS\tCHECKPOINT")
	for _, id := range ids {
		p, ok, err := a.state.Load(ctx, id)
		if err != nil {
			return err
		}
		outcome := "never run"
		if ok && p.Stats.LastOutcome != "" {
			outcome = string(p.Stats.LastOutcome)
		}
		docs := "-"
		if dest, known := dests[id]; known {
			if n, err := a.sink.Count(ctx, dest); err == nil {
				docs = humanize.Comma(n)
			}
		}
		st := p.Stats
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			id, outcome, st.Runs,
			humanize.Comma(st.Pages), humanize.Comma(st.RecordsWritten),
			humanize.Comma(st.ExtractionFailures+st.SearchFailures+st.WriteFailures),
			docs, p.Checkpoint)
		if st.FatalError != "" {
			fmt.Fprintf(tw, "\terror: %s\n", st.FatalError)
		}
	}
	return tw.Flush()
}

func (a *app) printTierCosts(ctx context.Context, pt pricing.PriceTable) error {
	stored, err := a.source.TierUsage(ctx)
	if err != nil {
		return err
	}
	if len(stored) == 0 {
		return nil
	}
	usage := make([]pricing.TierUsage, len(stored))
	for i, u := range stored {
		usage[i] = pricing.TierUsage{Tier: u.Tier, Objects: u.Objects, Bytes: u.Bytes}
	}
	cost := pricing.ComputeMonthlyCost(usage, pt)

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tOBJECTS\tSIZE\tMONTHLY COST")
	for _, u := range usage {
		price := "-"
		if micro, ok := cost.PerTierMicrodollars[u.Tier]; ok {
			price = pricing.FormatCost(micro)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", u.Tier, humanize.Comma(u.Objects), humanize.IBytes(uint64(u.Bytes)), price)
	}
	fmt.Fprintf(tw, "total\t\t\t%s\n", pricing.FormatCost(cost.TotalMicrodollars))
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(a.out)
	return nil
}

func newResetCommand(a *app) *cobra.Command {
	var (
		drop    bool
		objects bool
	)
	cmd := &cobra.Command{
		Use:   "reset [JOB_ID...]",
		Short: "Clear job state, destination tables or the source store",
		Long: `Clear the persisted checkpoint and stats of the named jobs so their next
run starts from the beginning. With --drop the destination tables are
dropped as well. With --objects the source store is emptied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.reset(cmd.Context(), args, drop, objects)
		},
	}
	cmd.Flags().BoolVar(&drop, "drop", false, "also drop the jobs' destination tables")
	cmd.Flags().BoolVar(&objects, "objects", false, "remove every object and loaded-file record")
	return cmd
}

func (a *app) reset(ctx context.Context, ids []string, drop, objects bool) error {
	if len(ids) == 0 && !objects {
		return errors.New("at least one job id or --objects is required")
	}
	var jobs []jobconfig.Job
	if len(ids) > 0 {
		var err error
		if jobs, err = a.selectJobs(ids, false); err != nil {
			return err
		}
	}
	if err := a.open(ctx); err != nil {
		return err
	}

	for _, j := range jobs {
		if err := a.state.Delete(ctx, j.ID); err != nil {
			return err
		}
		if drop {
			if err := a.sink.Drop(ctx, j.Destination); err != nil {
				return err
			}
		}
		fmt.Fprintf(a.out, "reset %s\n", j.ID)
	}
	if objects {
		if err := a.source.Reset(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "source store cleared")
	}
	return nil
}
