package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jobmon-org/jobmon/internal/cmd"
	"github.com/jobmon-org/jobmon/internal/cmn/config"
)

var rootCmd = &cobra.Command{
	Use:   "jobmon",
	Short: "Jobmon is a workflow orchestrator for batch compute",
	Long: `Jobmon orchestrates DAGs of command-line tasks across compute clusters.

A central server owns all state. Clients bind workflows and drive runs,
distributors submit task instances to clusters in batches, workers execute
single instances, and the reaper recovers runs whose drivers died.
`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(cmd.CmdServer())
	rootCmd.AddCommand(cmd.CmdDistributor())
	rootCmd.AddCommand(cmd.CmdReaper())
	rootCmd.AddCommand(cmd.CmdWorker())
	rootCmd.AddCommand(cmd.CmdWorkflow())
	rootCmd.AddCommand(cmd.CmdTask())
	rootCmd.AddCommand(cmd.CmdConfig())
	rootCmd.AddCommand(cmd.CmdVersion())

	config.Version = version
}

var version = "dev"
