package cli

import (
	"github.com/datamirror/datamirror/internal/version"
	"github.com/spf13/cobra"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Get()
			cmd.Printf("datamirror %s (%s, %s)\n", info.Version, info.GoVersion, info.Platform)

			if info.GitCommit != "" {
				cmd.Printf("commit %s\n", info.GitCommit)
			}
		},
	}
}
