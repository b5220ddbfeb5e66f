package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is stamped by the release build.
var version = "devel"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tavern version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tavern %s\n", version)
		},
	}
}
