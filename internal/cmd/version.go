package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jobmon-org/jobmon/internal/cmn/config"
)

func CmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the binary version",
		Long:  `Print the current version of the jobmon executable.`,
		Run: func(_ *cobra.Command, _ []string) {
			println(config.Version)
		},
	}
}
