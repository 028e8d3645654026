package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/meigma/unthin"
)

func newRestoreCmd(a *app) *cobra.Command {
	var manifestPath string
	cmd := &cobra.Command{
		Use:   "restore <project-dir>",
		Short: "Materialize manifest dependencies from blob storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dir := args[0]
			if manifestPath == "" {
				manifestPath = filepath.Join(dir, ManifestName)
			}
			store, closeStore, err := a.openStorage(ctx)
			if err != nil {
				return err
			}
			defer closeStore()
			dl, err := a.newDownloader(store)
			if err != nil {
				return err
			}
			res, err := unthin.Restore(ctx, dl, dir, manifestPath, unthin.RestoreOptions{
				Workers: a.cfg.Download.Workers,
				Logger:  a.log,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored: %d, already present: %d\n", len(res.Fetched), len(res.Present))
			return nil
		},
	}
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "manifest path (default <dir>/"+ManifestName+")")
	return cmd
}
