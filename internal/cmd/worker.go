package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jobmon-org/jobmon/internal/workernode"
)

func CmdWorker() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "worker [flags]",
			Short: "Execute one task instance",
			Long: `Run a single task instance to completion. The worker fetches the command
from the server, executes it, heartbeats while it runs, and reports the
final state. Cluster drivers spawn this command once per submission.

Example:
  jobmon worker --task-instance-id 1234
`,
		}, workerFlags, runWorker,
	)
}

var workerFlags = []commandLineFlag{taskInstanceIDFlag}

func runWorker(ctx *Context, _ []string) error {
	raw, err := ctx.StringParam("task-instance-id")
	if err != nil {
		return err
	}
	tiID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid task instance id %q: %w", raw, err)
	}

	sctx, cancel := signalContext(ctx)
	defer cancel()

	w := workernode.New(ctx.Client(), ctx.Config.Heartbeat, ctx.Config.Paths.LogDir)
	code, err := w.Run(sctx, tiID)
	if err != nil {
		return fmt.Errorf("task instance %d failed: %w", tiID, err)
	}
	if code != 0 {
		// Propagate the command's exit code, including the kill-self code.
		os.Exit(code)
	}

	return nil
}
