package main

import (
	"fmt"
	"strings"

	"harbor/pkg/protocol"
	"harbor/pkg/registry"

	"github.com/spf13/cobra"
)

// newAgentCmd creates the "harbor agent" command group.
func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent registrations",
	}
	cmd.AddCommand(
		newAgentRegisterCmd(),
		newAgentHeartbeatCmd(),
		newAgentStatusCmd(),
		newAgentDeregisterCmd(),
		newAgentListCmd(),
	)
	return cmd
}

func newAgentRegisterCmd() *cobra.Command {
	var (
		session      string
		capabilities []string
		branch       string
	)

	cmd := &cobra.Command{
		Use:   "register <name>",
		Short: "Register an agent and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			agent, err := e.reg.Register(cmd.Context(), args[0], registry.RegisterOpts{
				SessionID:      session,
				Capabilities:   capabilities,
				WorktreeBranch: branch,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), agent.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "tmux/session identifier")
	cmd.Flags().StringSliceVar(&capabilities, "capability", nil, "agent capability (repeatable)")
	cmd.Flags().StringVar(&branch, "branch", "", "agent worktree branch")
	return cmd
}

func newAgentHeartbeatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat <agent-id>",
		Short: "Record a liveness heartbeat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.reg.Heartbeat(cmd.Context(), args[0])
		},
	}
}

func newAgentStatusCmd() *cobra.Command {
	var task string

	cmd := &cobra.Command{
		Use:   "status <agent-id> <status>",
		Short: "Update an agent's status (active|idle|completed|failed)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := protocol.ParseAgentStatus(args[1])
			if err != nil {
				return err
			}
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.reg.UpdateStatus(cmd.Context(), args[0], status, task)
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "current task description")
	return cmd
}

func newAgentDeregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deregister <agent-id>",
		Short: "Deregister an agent and release its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.reg.Deregister(cmd.Context(), args[0])
		},
	}
}

func newAgentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List live agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			agents, err := e.reg.ActiveAgents(cmd.Context())
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			r := newRenderer()
			if len(agents) == 0 {
				fmt.Fprintln(w, "no live agents")
				return nil
			}
			for _, a := range agents {
				line := fmt.Sprintf("%s  %s  %s", a.ID, a.Name, r.agentStatus(a.Status))
				if a.CurrentTask != "" {
					line += "  " + r.muted(a.CurrentTask)
				}
				if len(a.Capabilities) > 0 {
					line += "  [" + strings.Join(a.Capabilities, ",") + "]"
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}
}
