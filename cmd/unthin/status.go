package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meigma/unthin/manifest"
)

func newStatusCmd(a *app) *cobra.Command {
	var pf projectFlags
	cmd := &cobra.Command{
		Use:   "status <project-dir>",
		Short: "Show cached validation and storage status of manifest dependencies",
		Long: `status prints, for every dependency in the manifest, its validation status
under the project's current validation key and its blob storage status.
Nothing is downloaded or modified.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := args[0]
			project, manifestPath := pf.resolve(dir)

			deps, err := manifest.Read(manifestPath)
			if err != nil {
				return err
			}
			set, err := a.newValidator()
			if err != nil {
				return err
			}
			key, err := set.CacheKey(ctx, project, dir, pf.extra)
			if err != nil {
				return err
			}
			cache, db, err := a.openCache(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			statuses, err := cache.Statuses(ctx, deps, key)
			if err != nil {
				return err
			}
			store, closeStore, err := a.openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "validation key: %s\n", key)
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tSHA1\tVALIDATION\tSTORAGE")
			for _, d := range deps {
				st, err := store.DependencyStatus(ctx, d)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.RelPath(), d.Key(), statuses[d], st)
			}
			return tw.Flush()
		},
	}
	pf.register(cmd)
	return cmd
}
