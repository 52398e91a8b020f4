// Command botctl is the orchestrator control binary. One executable carries
// every process role: the HTTP API server, the worker runtime, the cron
// scheduler, the SLA monitor and the operational one-shots. The role is a
// subcommand; configuration comes from the environment (see the config
// package), so the same image runs every role.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time through ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "botctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "botctl",
		Short: "Robot fleet orchestrator",
		Long: `botctl runs the robot fleet orchestrator.

Each subcommand is one process role. A minimal deployment runs one serve
replica, one worker and one scheduler; the monitor is optional but any
fleet with SLA rules wants it.

Examples:
  botctl migrate
  botctl serve
  botctl worker
  botctl scheduler
  botctl logs 4f8f1c2a --follow
  botctl token ana --perm robot:run --perm run:read`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().Bool("debug", false, "enable debug logs and the /debug endpoints")

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newSchedulerCmd(),
		newMonitorCmd(),
		newMigrateCmd(),
		newLogsCmd(),
		newTokenCmd(),
	)
	return root
}
