package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type commandLineFlag struct {
	name, shorthand, defaultValue, usage string
	required                             bool
}

var (
	configFlag = commandLineFlag{
		name:      "config",
		shorthand: "c",
		usage:     "config file (default is $XDG_CONFIG_HOME/jobmon/config.yaml)",
	}
	hostFlag = commandLineFlag{
		name:  "host",
		usage: "server bind host (overrides config)",
	}
	portFlag = commandLineFlag{
		name:      "port",
		shorthand: "p",
		usage:     "server bind port (overrides config)",
	}
	clusterFlag = commandLineFlag{
		name:     "cluster",
		usage:    "cluster name this distributor serves (required)",
		required: true,
	}
	workflowRunIDFlag = commandLineFlag{
		name:  "workflow-run-id",
		usage: "pin this distributor to one workflow run",
	}
	taskInstanceIDFlag = commandLineFlag{
		name:     "task-instance-id",
		usage:    "task instance to execute (required)",
		required: true,
	}
	statusFlag = commandLineFlag{
		name:      "status",
		shorthand: "s",
		usage:     "target task status: REGISTERING or DONE (required)",
		required:  true,
	}
	statusFilterFlag = commandLineFlag{
		name:      "status",
		shorthand: "s",
		usage:     "only list tasks in these statuses, comma separated",
	}
	workflowIDFlag = commandLineFlag{
		name:      "workflow-id",
		shorthand: "w",
		usage:     "workflow owning the tasks (required)",
		required:  true,
	}
)

// initFlags registers the command's flags plus the flags every command
// carries.
func initFlags(cmd *cobra.Command, flags ...commandLineFlag) {
	flags = append(flags, configFlag)
	for _, flag := range flags {
		cmd.Flags().StringP(flag.name, flag.shorthand, flag.defaultValue, flag.usage)
		if flag.required {
			if err := cmd.MarkFlagRequired(flag.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", flag.name, err)
			}
		}
	}
	cmd.Flags().BoolP("quiet", "q", false, "suppress console log output")
}

// bindFlags exposes the config flag through viper so NewContext can read it
// without threading the command everywhere.
func bindFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlag("config", cmd.Flags().Lookup("config")); err != nil {
		return fmt.Errorf("failed to bind flag config: %w", err)
	}
	return nil
}
