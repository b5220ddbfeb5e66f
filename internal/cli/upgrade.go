package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	tavern "github.com/tapted/tavern"
)

func newUpgradeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade [package...]",
		Short: "Unlock dependencies and resolve to the latest satisfying versions",
		Long: `Unlock the named packages - or every package, when none are named -
and resolve the graph again, preferring the newest versions the
constraints allow.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := a.ctx.LoadProject(".")
			if err != nil {
				return err
			}

			opts := tavern.AcquireOptions{UseLatest: args}
			if len(args) == 0 {
				opts.UpgradeAll = true
			}

			changed, err := project.AcquireDependencies(cmd.Context(), opts)
			if err != nil {
				return err
			}

			if changed == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No dependencies changed.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Changed %d dependencies.\n", changed)
			}
			return nil
		},
	}
}
