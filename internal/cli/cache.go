package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newCacheCommand(a *app) *cobra.Command {
	cache := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the system cache",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List materialized cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ctx.Cache.Walk(func(rel string, isDir bool) error {
				// An entry is any directory that carries a pubspec at its
				// root; everything below it is package contents.
				if !isDir {
					return nil
				}
				if _, err := os.Stat(filepath.Join(a.ctx.Cache.Root, rel, "pubspec.yaml")); err != nil {
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), rel)
				return filepath.SkipDir
			})
		},
	}

	clean := &cobra.Command{
		Use:   "clean",
		Short: "Delete the entire system cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.RemoveAll(a.ctx.Cache.Root); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s.\n", a.ctx.Cache.Root)
			return nil
		},
	}

	cache.AddCommand(list, clean)
	return cache
}
