package main

import (
	"fmt"

	"harbor/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root harbor command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "harbor",
		Short:         "Multi-agent work coordination and deploy batching",
		Long:          "harbor coordinates concurrent coding agents sharing one repository:\nwork claims, announcements with overlap detection, messaging, and a\ndeploy queue that batches git operations.",
		Version:       fmt.Sprintf("harbor %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newAgentCmd(),
		newWorkCmd(),
		newClaimCmd(),
		newMsgCmd(),
		newDeployCmd(),
		newCleanupCmd(),
		newLogsCmd(),
	)

	return cmd
}
