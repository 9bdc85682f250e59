package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/reaper"
)

func CmdReaper() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "reaper [flags]",
			Short: "Start the lost workflow run reaper",
			Long: `Launch the reaper service that sweeps workflow runs whose heartbeats have
lapsed, expunges dead distributor instances, and repairs inconsistent
workflow statuses on a maintenance schedule.

Example:
  jobmon reaper
`,
		}, nil, runReaper,
	)
}

func runReaper(ctx *Context, _ []string) error {
	sctx, cancel := signalContext(ctx)
	defer cancel()

	r, err := reaper.New(ctx.Client(), ctx.Config.Reaper, config.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize reaper: %w", err)
	}

	logger.Info(sctx, "Reaper initialization", "pollInterval", ctx.Config.Reaper.PollInterval)

	if err := r.Run(sctx); err != nil {
		return fmt.Errorf("reaper exited: %w", err)
	}

	return nil
}
