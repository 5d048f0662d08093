package cli

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/mapreduce"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// DLQOptions holds flags for the dlq commands.
type DLQOptions struct {
	*RootOptions
	Kind      string
	Eligible  bool
	Force     bool
	Workflow  string
	Vars      []string
	OlderThan time.Duration
}

// NewDLQCommand creates the dlq command group.
func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DLQOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and reprocess items that exhausted their retries",
	}

	list := &cobra.Command{
		Use:   "list <job-id>",
		Short: "List dead-lettered items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.open(args[0])
			if err != nil {
				return err
			}
			filter := mapreduce.Filter{Kind: mapreduce.FailureKind(opts.Kind)}
			if cmd.Flags().Changed("eligible") {
				filter.ReprocessEligible = &opts.Eligible
			}
			items, err := q.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if ok, err := opts.printJSON(items); ok {
				return err
			}
			return writeDLQ(opts.RootOptions, items)
		},
	}
	list.Flags().StringVar(&opts.Kind, "kind", "", "only items whose last failure has this kind")
	list.Flags().BoolVar(&opts.Eligible, "eligible", false, "only items that are (or are not) eligible for reprocessing")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats <job-id>",
		Short: "Summarize a job's dead letter queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.open(args[0])
			if err != nil {
				return err
			}
			stats, err := q.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if ok, err := opts.printJSON(stats); ok {
				return err
			}
			return writeStats(opts.RootOptions, stats)
		},
	})

	reprocess := &cobra.Command{
		Use:   "reprocess <job-id> [item-id...]",
		Short: "Run dead-lettered items again as a new job",
		Long: `Remove items from a job's dead letter queue and run them through the
workflow's setup, map and reduce phases as a new job. Items that require
manual review are skipped unless --force is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Workflow == "" {
				return fmt.Errorf("--workflow is required")
			}
			wf, err := forge.LoadFile(opts.Workflow)
			if err != nil {
				return err
			}
			vars, err := parseVars(opts.Vars)
			if err != nil {
				return err
			}
			q, err := opts.open(args[0])
			if err != nil {
				return err
			}
			items, err := q.Reprocess(cmd.Context(), args[1:], opts.Force)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(opts.out, "No items to reprocess")
				return nil
			}
			opts.notice("Reprocessing %d item(s) from %s\n", len(items), args[0])

			ctx, stop := interruptible(cmd.Context())
			defer stop()
			e, err := opts.env(ctx)
			if err != nil {
				return err
			}
			defer e.Close()
			c, err := opts.coordinator(ctx, e, wf, vars, "", items)
			if err != nil {
				return err
			}
			res, err := c.Run(ctx)
			return opts.reportJob(res, err)
		},
	}
	reprocess.Flags().StringVarP(&opts.Workflow, "workflow", "w", "", "mapreduce workflow file to run the items through")
	reprocess.Flags().StringArrayVar(&opts.Vars, "var", nil, "variable in format key=value (repeatable)")
	reprocess.Flags().BoolVar(&opts.Force, "force", false, "include items that require manual review")
	cmd.AddCommand(reprocess)

	purge := &cobra.Command{
		Use:   "purge <job-id>",
		Short: "Delete dead-lettered items older than a cutoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := opts.open(args[0])
			if err != nil {
				return err
			}
			n, err := q.Purge(cmd.Context(), time.Now().Add(-opts.OlderThan))
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(opts.out, "Purged %d item(s)\n", n)
			return nil
		},
	}
	purge.Flags().DurationVar(&opts.OlderThan, "older-than", 7*24*time.Hour, "purge items whose last failure is older than this")
	cmd.AddCommand(purge)

	return cmd
}

func (o *DLQOptions) open(jobID string) (*mapreduce.DLQ, error) {
	return mapreduce.OpenDLQ(o.cfg.MapReduce.DLQDir, jobID, mapreduce.DLQOptions{Logger: o.logger})
}

func writeDLQ(opts *RootOptions, items []mapreduce.DeadLetteredItem) error {
	if len(items) == 0 {
		fmt.Fprintln(opts.out, "Dead letter queue is empty")
		return nil
	}
	w := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ITEM\tFAILURES\tLAST KIND\tELIGIBLE\tLAST ATTEMPT\tSIGNATURE")
	for _, it := range items {
		kind := ""
		if n := len(it.FailureHistory); n > 0 {
			kind = string(it.FailureHistory[n-1].Kind)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%s\t%s\n",
			it.ItemID, it.FailureCount, kind, it.ReprocessEligible,
			it.LastAttempt.Local().Format(time.DateTime), it.ErrorSignature)
	}
	return w.Flush()
}

func writeStats(opts *RootOptions, stats mapreduce.Stats) error {
	fmt.Fprintf(opts.out, "Items: %d\n", stats.TotalItems)
	color.New(color.FgGreen).Fprintf(opts.out, "Eligible for reprocess: %d\n", stats.ReprocessEligible)
	color.New(color.FgYellow).Fprintf(opts.out, "Requiring manual review: %d\n", stats.ManualReview)
	if stats.TotalItems > 0 {
		fmt.Fprintf(opts.out, "Oldest: %s\n", stats.Oldest.Local().Format(time.DateTime))
		fmt.Fprintf(opts.out, "Newest: %s\n", stats.Newest.Local().Format(time.DateTime))
	}
	sigs := make([]string, 0, len(stats.Signatures))
	for s := range stats.Signatures {
		sigs = append(sigs, s)
	}
	sort.Slice(sigs, func(i, j int) bool {
		if stats.Signatures[sigs[i]] != stats.Signatures[sigs[j]] {
			return stats.Signatures[sigs[i]] > stats.Signatures[sigs[j]]
		}
		return sigs[i] < sigs[j]
	})
	for _, s := range sigs {
		fmt.Fprintf(opts.out, "  %4d  %s\n", stats.Signatures[s], s)
	}
	return nil
}
