package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/deepnoodle-ai/forge/checkpoint"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewCheckpointsCommand creates the checkpoints command group.
func NewCheckpointsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect and delete stored checkpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the latest checkpoint of every workflow and job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			infos, err := e.checkpoints.List(cmd.Context())
			if err != nil {
				return err
			}
			if ok, err := opts.printJSON(infos); ok {
				return err
			}
			return writeCheckpoints(opts, infos)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print the latest checkpoint of a workflow or job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			cp, err := e.checkpoints.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ok, err := opts.printJSON(cp); ok {
				return err
			}
			return writeCheckpoints(opts, []checkpoint.Info{checkpoint.Summarize(cp, "")})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete every checkpoint version of a workflow or job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			if err := e.checkpoints.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(opts.out, "Deleted checkpoints of %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func writeCheckpoints(opts *RootOptions, infos []checkpoint.Info) error {
	if len(infos) == 0 {
		fmt.Fprintln(opts.out, "No checkpoints")
		return nil
	}
	w := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tSTATUS\tSTEP\tMAPREDUCE\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d/%d\t%t\t%s\n",
			info.WorkflowID, info.Version, statusColor(info.Status).Sprint(info.Status),
			info.CurrentStep, info.TotalSteps, info.HasMapReduce,
			info.Timestamp.Local().Format(time.DateTime))
	}
	return w.Flush()
}

// NewSessionsCommand creates the sessions command group.
func NewSessionsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and delete sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			list, err := e.sessions.List(cmd.Context())
			if err != nil {
				return err
			}
			if ok, err := opts.printJSON(list); ok {
				return err
			}
			return writeSessions(opts, list)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			sess, err := e.sessions.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ok, err := opts.printJSON(sess); ok {
				return err
			}
			if err := writeSessions(opts, []session.Session{sess}); err != nil {
				return err
			}
			if sess.Error != nil {
				color.New(color.FgRed).Fprintf(opts.out, "Error: %s\n", sess.Error.Message)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.env(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			return e.sessions.Delete(cmd.Context(), args[0])
		},
	})

	return cmd
}

func writeSessions(opts *RootOptions, list []session.Session) error {
	if len(list) == 0 {
		fmt.Fprintln(opts.out, "No sessions")
		return nil
	}
	w := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tWORKFLOW\tSTEPS\tFILES\tSTARTED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, s.Status, s.WorkflowID,
			s.Progress.StepsCompleted, s.Progress.FilesChanged,
			s.StartedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}
