package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atlascodex/atlas/internal/common"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "atlas %s (build %s)\n", common.GetVersion(), common.GetBuild())
		},
	}
}
