package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jobmon-org/jobmon/internal/cmn/config"
)

func CmdConfig() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the config file",
	}
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a setting to the config file",
		Long: `Write one dotted key into the config file, creating it when missing.

Example:
  jobmon config set http.serviceurl http://jobmon.example.org:8070
  jobmon config set db.uri postgres://jobmon@db/jobmon
`,
		Args: cobra.ExactArgs(2),
	}
	initFlags(cmd)

	// Writes straight to the file; no loaded Context needed.
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if err := bindFlags(cmd); err != nil {
			return err
		}
		path, err := config.SetValue(viper.GetString("config"), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s to %s\n", args[0], path)
		return nil
	}

	return cmd
}
