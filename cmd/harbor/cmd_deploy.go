package main

import (
	"fmt"
	"os"
	"strings"

	"harbor/pkg/deploy"
	"harbor/pkg/protocol"

	"github.com/spf13/cobra"
)

// newDeployCmd creates the "harbor deploy" command group.
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Queue, batch, and execute deploy actions",
	}
	cmd.AddCommand(
		newDeployQueueCmd(),
		newDeployBatchCmd(),
		newDeployFlushCmd(),
		newDeployStatusCmd(),
		newDeployUrgentCmd(),
		newDeployWatchCmd(),
	)
	return cmd
}

func newDeployQueueCmd() *cobra.Command {
	var (
		messages []string
		files    []string
		rawJSON  string
		priority int
		urgent   bool
		deps     []string
	)

	cmd := &cobra.Command{
		Use:   "queue <agent-id> <action-type> <target>",
		Short: "Enqueue a deploy action",
		Long:  "Enqueues a deploy action for batching. Mergeable types (commit,\npush, workflow) fold into an existing pending action on the same\ntarget.\n\nCommit payloads build from --message/--file; other types take\n--payload with the JSON payload for the action type.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			actionType, err := protocol.ParseActionType(args[1])
			if err != nil {
				return err
			}

			payload, err := buildPayload(actionType, messages, files, rawJSON)
			if err != nil {
				return err
			}

			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			id, merged, err := e.queue.Enqueue(cmd.Context(), args[0], actionType, args[2], payload, deploy.EnqueueOpts{
				Priority:     priority,
				Dependencies: deps,
				Urgent:       urgent,
			})
			if err != nil {
				return err
			}
			if merged {
				fmt.Fprintf(cmd.OutOrStdout(), "merged into %s\n", id)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&messages, "message", nil, "commit message (repeatable)")
	cmd.Flags().StringSliceVar(&files, "file", nil, "file to include in the commit (repeatable)")
	cmd.Flags().StringVar(&rawJSON, "payload", "", "JSON payload for the action type")
	cmd.Flags().IntVar(&priority, "priority", 0, "action priority 1-10 (default 5)")
	cmd.Flags().BoolVar(&urgent, "urgent", false, "collapse this action's batching window to ~1s")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "action id this one depends on (repeatable)")
	return cmd
}

// buildPayload assembles the typed payload from CLI flags. Commit actions
// accept --message/--file shorthand; everything else takes --payload.
func buildPayload(t protocol.ActionType, messages, files []string, rawJSON string) (protocol.ActionPayload, error) {
	if rawJSON != "" {
		if len(messages) > 0 || len(files) > 0 {
			return nil, fmt.Errorf("--payload conflicts with --message/--file")
		}
		return protocol.UnmarshalPayload(t, rawJSON)
	}
	if t == protocol.ActionCommit {
		return protocol.CommitPayload{Messages: messages, Files: files}, nil
	}
	if len(messages) > 0 || len(files) > 0 {
		return nil, fmt.Errorf("--message/--file apply to commit actions only")
	}
	return protocol.UnmarshalPayload(t, "{}")
}

func newDeployBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch",
		Short: "Form one batch from ready actions and execute it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			batch, err := e.batcher.CreateBatch(cmd.Context())
			if err != nil {
				return err
			}
			if batch == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing ready")
				return nil
			}
			res, err := e.batcher.ExecuteBatch(cmd.Context(), batch.ID)
			if err != nil {
				return err
			}
			printBatchResult(cmd, res)
			return nil
		},
	}
}

func newDeployFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Batch and execute until no ready actions remain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			results, err := e.batcher.FlushAll(cmd.Context())
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing ready")
				return nil
			}
			for i := range results {
				printBatchResult(cmd, &results[i])
			}
			return nil
		},
	}
}

func printBatchResult(cmd *cobra.Command, res *deploy.BatchResult) {
	w := cmd.OutOrStdout()
	r := newRenderer()
	fmt.Fprintf(w, "batch %s: %d total, %s, %s\n",
		res.BatchID, res.Total,
		r.paint(fmt.Sprintf("%d succeeded", res.Succeeded), r.theme.Success),
		r.paint(fmt.Sprintf("%d failed", res.Failed), r.theme.Error))
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

func newDeployStatusCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending actions and recent batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			w := cmd.OutOrStdout()
			r := newRenderer()

			pending, err := e.queue.Pending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(w, r.header(fmt.Sprintf("pending actions (%d)", len(pending))))
			for _, a := range pending {
				fmt.Fprintf(w, "  %s  %s  %s  p%d  %s\n",
					a.ID, a.ActionType, a.Target, a.Priority, r.muted("ready "+a.ExecuteAfter))
			}

			batches, err := e.batcher.RecentBatches(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, r.header(fmt.Sprintf("recent batches (%d)", len(batches))))
			for _, b := range batches {
				fmt.Fprintf(w, "  %s  %s  %d actions  %s\n",
					b.ID, r.batchStatus(b.Status), len(b.Actions), r.muted(b.CreatedAt))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 10, "max batches to show")
	return cmd
}

func newDeployUrgentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "urgent <on|off|status>",
		Short: "Toggle urgent batching windows (~1s) for all new actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			w := cmd.OutOrStdout()
			switch strings.ToLower(args[0]) {
			case "on":
				if err := os.MkdirAll(paths.HarborDir, 0o750); err != nil {
					return fmt.Errorf("create %s: %w", paths.HarborDir, err)
				}
				if err := os.WriteFile(paths.UrgentPath, []byte("1\n"), 0o600); err != nil {
					return fmt.Errorf("enable urgent mode: %w", err)
				}
				fmt.Fprintln(w, "urgent mode on")
			case "off":
				if err := os.Remove(paths.UrgentPath); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("disable urgent mode: %w", err)
				}
				fmt.Fprintln(w, "urgent mode off")
			case "status":
				if _, err := os.Stat(paths.UrgentPath); err == nil {
					fmt.Fprintln(w, "urgent mode on")
				} else {
					fmt.Fprintln(w, "urgent mode off")
				}
			default:
				return fmt.Errorf("expected on, off, or status; got %q", args[0])
			}
			return nil
		},
	}
}
