package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/meigma/unthin/storage"
)

func newArchiveCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Store, fetch and delete unthinned project archives",
	}

	var meta storage.ProjectMetadata
	put := &cobra.Command{
		Use:   "put <archive.zip>",
		Short: "Store a project archive and print its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStorage(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			key, err := store.PutProject(cmd.Context(), meta, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	put.Flags().IntVar(&meta.ProjectID, "project-id", 0, "project id")
	put.Flags().IntVar(&meta.Version, "project-version", 0, "project version")
	put.Flags().StringVar(&meta.Uploader, "uploader", "", "uploader recorded with the archive")

	var out string
	get := &cobra.Command{
		Use:   "get <key>",
		Short: "Write a stored project archive to --out or stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, closeStore, err := a.openStorage(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			rc, err := store.GetProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer rc.Close()

			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, cerr := os.Create(out) //nolint:gosec // operator supplied path
				if cerr != nil {
					return errors.Wrap(cerr, "create output")
				}
				defer func() {
					if cerr := f.Close(); err == nil {
						err = cerr
					}
				}()
				w = f
			}
			_, err = io.Copy(w, rc)
			return errors.Wrap(err, "copy archive")
		},
	}
	get.Flags().StringVarP(&out, "out", "o", "", "output file")

	del := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a stored project archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := a.openStorage(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()
			ok, err := store.DeleteProject(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(storage.ErrNotFound, "project archive %s", args[0])
			}
			return nil
		},
	}

	cmd.AddCommand(put, get, del)
	return cmd
}
