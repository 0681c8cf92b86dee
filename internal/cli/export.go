package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/eunmann/s3-inv-pivot/pkg/export"
	"github.com/eunmann/s3-inv-pivot/pkg/s3fetch"
)

func newExportCommand(a *app) *cobra.Command {
	var table bool
	cmd := &cobra.Command{
		Use:   "export JOB_ID TARGET",
		Short: "Export a destination table to Parquet or JSON lines",
		Long: `Export the documents of a job's destination table. TARGET is a local
path or an s3:// URI; its extension selects the format: .parquet, .jsonl or
.jsonl.zst. With --table, the first argument names a destination table
instead of a job.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.export(cmd.Context(), args[0], args[1], table)
		},
	}
	cmd.Flags().BoolVar(&table, "table", false, "treat the first argument as a destination table name")
	return cmd
}

func (a *app) export(ctx context.Context, name, target string, table bool) error {
	dest := name
	if !table {
		f, err := a.loadJobs()
		if err != nil {
			return err
		}
		job, err := f.Job(name)
		if err != nil {
			return err
		}
		dest = job.Destination
	}
	if err := a.open(ctx); err != nil {
		return err
	}

	var uploader export.Uploader
	if strings.HasPrefix(target, "s3://") {
		client, err := s3fetch.NewClient(ctx, a.settings.S3Options())
		if err != nil {
			return err
		}
		uploader = client
	}

	res, err := export.New(a.sink, uploader).Export(ctx, dest, target)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "exported %s documents from %s to %s (%s)\n", humanize.Comma(res.Docs), res.Destination, res.Target, res.Format)
	return nil
}
