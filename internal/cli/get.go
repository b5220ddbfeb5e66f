package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	tavern "github.com/tapted/tavern"
)

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Resolve dependencies and populate packages/",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := a.ctx.LoadProject(".")
			if err != nil {
				return err
			}

			changed, err := project.AcquireDependencies(cmd.Context(), tavern.AcquireOptions{})
			if err != nil {
				return err
			}

			if changed == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Dependencies are up to date.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Changed %d dependencies.\n", changed)
			}
			return nil
		},
	}
}
