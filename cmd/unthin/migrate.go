package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meigma/unthin/statuscache"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the validation status schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dialect, err := statuscache.ParseDialect(a.cfg.Database.Driver)
			if err != nil {
				return err
			}
			db, err := statuscache.Open(dialect, a.cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := statuscache.Migrate(cmd.Context(), db, dialect, a.log.Named("migrate")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", dialect)
			return nil
		},
	}
}
