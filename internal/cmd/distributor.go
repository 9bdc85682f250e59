package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jobmon-org/jobmon/internal/cluster"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/distributor"
)

func CmdDistributor() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "distributor [flags]",
			Short: "Start a distributor for one cluster",
			Long: `Launch the distributor service that leases queued task instances from the
server and submits them to the cluster in batches.

With --workflow-run-id the distributor serves a single workflow run and
exits when that run leaves the active states. Without it the distributor
serves every workflow run on the cluster until interrupted.

Example:
  jobmon distributor --cluster dummy
  jobmon distributor --cluster sequential --workflow-run-id 42
`,
		}, distributorFlags, runDistributor,
	)
}

var distributorFlags = []commandLineFlag{clusterFlag, workflowRunIDFlag}

func runDistributor(ctx *Context, _ []string) error {
	clusterName, err := ctx.StringParam("cluster")
	if err != nil {
		return err
	}

	sctx, cancel := signalContext(ctx)
	defer cancel()

	c := ctx.Client()
	info, err := c.GetCluster(sctx, clusterName)
	if err != nil {
		return fmt.Errorf("failed to look up cluster %s: %w", clusterName, err)
	}

	driver, err := cluster.New(info.Type, cluster.Options{
		LogDir: ctx.Config.Paths.LogDir,
	})
	if err != nil {
		return fmt.Errorf("failed to build %s driver: %w", info.Type, err)
	}

	opts := []distributor.Option{}
	if raw, _ := ctx.Command.Flags().GetString("workflow-run-id"); raw != "" {
		runID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid workflow run id %q: %w", raw, err)
		}
		opts = append(opts, distributor.WithWorkflowRun(runID))
	}

	logger.Info(sctx, "Distributor initialization", "cluster", clusterName, "type", info.Type)

	d := distributor.New(c, driver, clusterName, ctx.Config.Distributor, ctx.Config.Heartbeat, opts...)
	if err := d.Run(sctx); err != nil {
		return fmt.Errorf("distributor exited: %w", err)
	}

	return nil
}
