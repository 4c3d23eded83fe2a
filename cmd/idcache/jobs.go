package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/izavyalov-dev/idcache/ledger"
)

func newJobsCmd(params *rootParams) *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the bulk job ledger",
	}
	jobs.AddCommand(newAbandonedJobsCmd(params))
	return jobs
}

func newAbandonedJobsCmd(params *rootParams) *cobra.Command {
	var (
		since time.Duration
		limit int
	)
	cmd := &cobra.Command{
		Use:   "abandoned",
		Short: "List timed-out bulk jobs whose identifiers may have been reserved but never used",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := params.load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("database_url or IDCACHE_DATABASE_URL required")
			}

			db, err := ledger.OpenPostgres(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()

			jobs, err := ledger.NewStore(db).ListBulkJobsByState(cmd.Context(), ledger.JobStateTimedOut, time.Now().Add(-since), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tSTREAM\tQUANTITY\tSUBMITTED\tREQUEST")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%d:%s\t%d\t%s\t%s\n", job.JobID, job.Namespace, job.PartitionID, job.Quantity,
					job.SubmittedAt.UTC().Format(time.RFC3339), job.RequestID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "How far back to look")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum jobs to list")
	return cmd
}
