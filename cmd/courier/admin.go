package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/xraph/courier/dispatcher"
	"github.com/xraph/courier/engine"
	"github.com/xraph/courier/id"
	"github.com/xraph/courier/record"
)

// withEngine opens an engine for a one-shot admin command.
func (g *globals) withEngine(cmd *cobra.Command, fn func(ctx context.Context, eng *engine.Engine) error) error {
	ctx := cmd.Context()
	eng, closeFn, err := g.openEngine(ctx, engine.WithoutWorkers())
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, eng)
}

func newEnqueueCmd(g *globals) *cobra.Command {
	var (
		delay       time.Duration
		runAt       string
		priority    int
		maxAttempts int
		window      int
	)
	cmd := &cobra.Command{
		Use:   "enqueue JOB [PAYLOAD_JSON]",
		Short: "Submit a job",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
					return fmt.Errorf("courier: payload must be a JSON object: %w", err)
				}
			}

			var opts []dispatcher.Option
			if delay > 0 {
				opts = append(opts, dispatcher.WithDelay(delay))
			}
			if runAt != "" {
				t, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("courier: --run-at: %w", err)
				}
				opts = append(opts, dispatcher.WithRunAt(t))
			}
			if cmd.Flags().Changed("priority") {
				opts = append(opts, dispatcher.WithPriority(priority))
			}
			if cmd.Flags().Changed("max-attempts") {
				opts = append(opts, dispatcher.WithMaxAttempts(maxAttempts))
			}
			if cmd.Flags().Changed("window") {
				opts = append(opts, dispatcher.WithPromotionWindow(window))
			}

			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				out, err := eng.Enqueue(ctx, args[0], payload, opts...)
				if err != nil {
					return err
				}
				return g.print(cmd.OutOrStdout(), out, func(w io.Writer) {
					fmt.Fprintf(w, "record\t%s\n", out.RecordID)
					fmt.Fprintf(w, "route\t%s\n", route(out))
					if out.Reason != "" {
						fmt.Fprintf(w, "reason\t%s\n", out.Reason)
					}
				})
			})
		},
	}
	f := cmd.Flags()
	f.DurationVar(&delay, "delay", 0, "run after this delay")
	f.StringVar(&runAt, "run-at", "", "run at this RFC 3339 time (wins over --delay)")
	f.IntVar(&priority, "priority", 0, "priority, higher runs first")
	f.IntVar(&maxAttempts, "max-attempts", 0, "maximum attempts")
	f.IntVar(&window, "window", 0, "promotion window in minutes")
	return cmd
}

func route(o *dispatcher.Outcome) string {
	switch {
	case o.Skipped:
		return "skipped"
	case o.Immediate:
		return "immediate"
	case o.Scheduled:
		return "scheduled"
	case o.Deferred:
		return "deferred"
	}
	return "unknown"
}

func newStatsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count records by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				st, err := eng.Stats(ctx)
				if err != nil {
					return err
				}
				return g.print(cmd.OutOrStdout(), st, func(w io.Writer) {
					for _, status := range record.Statuses {
						fmt.Fprintf(w, "%s\t%d\n", status, st.Counts[status])
					}
					fmt.Fprintf(w, "total\t%d\n", st.Total)
				})
			})
		},
	}
}

func newListCmd(g *globals) *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := record.Status(status)
			if status != "" && !st.Valid() {
				return fmt.Errorf("courier: unknown status %q", status)
			}
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				recs, err := eng.List(ctx, record.ListOpts{Status: st, Limit: limit, Offset: offset})
				if err != nil {
					return err
				}
				return g.print(cmd.OutOrStdout(), recs, func(w io.Writer) {
					fmt.Fprintln(w, "ID\tJOB\tSTATUS\tATTEMPTS\tRUN AT\tLAST ERROR")
					for _, r := range recs {
						fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
							r.ID, r.JobName, r.Status, r.Attempts, r.MaxAttempts,
							r.RunAt.Format(time.RFC3339), r.LastError)
					}
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&status, "status", "", "filter by status")
	f.IntVar(&limit, "limit", 50, "maximum records to return")
	f.IntVar(&offset, "offset", 0, "records to skip")
	return cmd
}

// recordCmd builds a subcommand that acts on one record ID.
func recordCmd(g *globals, use, short string, fn func(ctx context.Context, eng *engine.Engine, recordID id.RecordID) (*record.Record, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " RECORD_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recordID, err := id.ParseRecordID(args[0])
			if err != nil {
				return fmt.Errorf("courier: %w", err)
			}
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				rec, err := fn(ctx, eng, recordID)
				if err != nil {
					return err
				}
				return g.print(cmd.OutOrStdout(), rec, func(w io.Writer) { printRecord(w, rec) })
			})
		},
	}
}

func newGetCmd(g *globals) *cobra.Command {
	return recordCmd(g, "get", "Show one record", func(ctx context.Context, eng *engine.Engine, recordID id.RecordID) (*record.Record, error) {
		return eng.Get(ctx, recordID)
	})
}

func newCancelCmd(g *globals) *cobra.Command {
	return recordCmd(g, "cancel", "Cancel a pending or promoted record", func(ctx context.Context, eng *engine.Engine, recordID id.RecordID) (*record.Record, error) {
		return eng.Cancel(ctx, recordID)
	})
}

func newRetryCmd(g *globals) *cobra.Command {
	return recordCmd(g, "retry", "Re-arm a failed record", func(ctx context.Context, eng *engine.Engine, recordID id.RecordID) (*record.Record, error) {
		return eng.Retry(ctx, recordID)
	})
}

func newPromoteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "promote",
		Short: "Run one promotion pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				res, err := eng.PromoteNow(ctx)
				if err != nil {
					return err
				}
				return g.print(cmd.OutOrStdout(), res, func(w io.Writer) {
					fmt.Fprintf(w, "promoted\t%d\n", res.Promoted)
					fmt.Fprintf(w, "failed\t%d\n", res.Failed)
					fmt.Fprintf(w, "skipped\t%d\n", res.Skipped)
					fmt.Fprintf(w, "duration\t%s\n", res.Duration)
				})
			})
		},
	}
}

func newCleanupCmd(g *globals) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete terminal records older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withEngine(cmd, func(ctx context.Context, eng *engine.Engine) error {
				n, err := eng.Cleanup(ctx, days)
				if err != nil {
					return err
				}
				return g.print(cmd.OutOrStdout(), map[string]int64{"removed": n}, func(w io.Writer) {
					fmt.Fprintf(w, "removed\t%d\n", n)
				})
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "retention in days")
	return cmd
}

func printRecord(w io.Writer, r *record.Record) {
	fmt.Fprintf(w, "id\t%s\n", r.ID)
	fmt.Fprintf(w, "job\t%s\n", r.JobName)
	fmt.Fprintf(w, "status\t%s\n", r.Status)
	fmt.Fprintf(w, "dedup key\t%s\n", r.DedupKey)
	fmt.Fprintf(w, "run at\t%s\n", r.RunAt.Format(time.RFC3339))
	fmt.Fprintf(w, "attempts\t%d/%d\n", r.Attempts, r.MaxAttempts)
	fmt.Fprintf(w, "priority\t%d\n", r.Priority)
	if r.LastError != "" {
		fmt.Fprintf(w, "last error\t%s\n", r.LastError)
	}
	if r.CompletedAt != nil {
		fmt.Fprintf(w, "completed at\t%s\n", r.CompletedAt.Format(time.RFC3339))
	}
}

// print writes v as indented JSON with --json, otherwise as aligned text.
func (g *globals) print(out io.Writer, v any, text func(w io.Writer)) error {
	if g.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}
