package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/pario-ai/modelgate/pkg/config"
	"github.com/pario-ai/modelgate/pkg/tracker"
)

func newStatsCmd(configPath *string) *cobra.Command {
	var (
		since  time.Duration
		caller string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show request outcome statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			tr, err := tracker.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer tr.Close()

			ctx := cmd.Context()
			from := time.Now().Add(-since)

			// Per-caller detail view
			if caller != "" {
				recs, err := tr.QueryByCaller(ctx, caller, from)
				if err != nil {
					return err
				}
				if len(recs) == 0 {
					fmt.Println("No requests found for caller.")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tREQUEST ID\tREQUESTED\tSERVED BY\tDEPTH\tCACHE\tLATENCY\tTOKENS\tERROR")
				for _, r := range recs {
					served, depth, errKind := r.ModelUsed, fmt.Sprint(r.FallbackDepth), string(r.ErrorKind)
					if served == "" {
						served, depth = "-", "-"
					}
					if errKind == "" {
						errKind = "-"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%dms\t%d\t%s\n",
						r.CreatedAt.Format("2006-01-02T15:04:05"), r.RequestID, r.RequestedModel, served, depth,
						r.CacheHit, r.LatencyMs, r.TotalTokens, errKind)
				}
				return w.Flush()
			}

			// Default: per-model summary
			summaries, err := tr.Summary(ctx, from)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No outcome data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tREQUESTS\tSUCCESS\tFAILED\tCACHE HITS\tAVG LATENCY\tTOKENS")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.0fms\t%d\n",
					s.Model, s.RequestCount, s.Successes, s.Failures, s.CacheHits, s.AvgLatencyMs, s.TotalTokens)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "only include outcomes newer than this")
	cmd.Flags().StringVar(&caller, "caller", "", "show individual requests for a caller")
	return cmd
}
