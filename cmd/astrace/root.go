package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for astrace.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "astrace",
		Short: "AS-level traceroute aggregation",
		Long: `astrace aggregates multipath traceroute measurements into AS-level paths.

Every responding router is mapped to its autonomous system through the
measurement platform. Consecutive hops of one AS are merged, the attempts of
each flow are reconciled and equal paths are deduplicated. Finally the
business relationship of every adjacent AS pair is classified.

Results are printed, stored in a local database and can be uploaded to the
platform.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewTargetsCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
