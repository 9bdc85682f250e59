package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jobmon-org/jobmon/internal/cmn/config"
	"github.com/jobmon-org/jobmon/internal/cmn/logger"
	"github.com/jobmon-org/jobmon/internal/server"
	"github.com/jobmon-org/jobmon/internal/store"
	"github.com/jobmon-org/jobmon/internal/telemetry"
)

func CmdServer() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "server [flags]",
			Short: "Start the jobmon API server",
			Long: `Launch the HTTP API server backed by the state store.

Clients bind workflows, swarms drive task state, and distributors lease
instance batches through this server. All state transitions happen inside
its transactions.

Example:
  jobmon server --host=0.0.0.0 --port=8070
`,
		}, serverFlags, runServer,
	)
}

var serverFlags = []commandLineFlag{hostFlag, portFlag}

func runServer(ctx *Context, _ []string) error {
	if host, _ := ctx.Command.Flags().GetString("host"); host != "" {
		ctx.Config.Server.Host = host
	}
	if port, _ := ctx.Command.Flags().GetString("port"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		ctx.Config.Server.Port = p
	}

	logger.Info(ctx, "Server initialization", "host", ctx.Config.Server.Host, "port", ctx.Config.Server.Port)

	st, err := store.Open(ctx, ctx.Config.DB)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		_ = st.Close()
	}()

	registry := telemetry.NewRegistry(telemetry.NewCollector(config.Version, st))

	srv := server.New(ctx.Config, st, registry)
	if err := srv.Serve(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}
