package main

import (
	"fieldsync-server/internal/repository"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the database and its Mango indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			created, err := repository.EnsureSchema(cmd.Context(), a.couch, a.cfg.Database.Name)
			if err != nil {
				return err
			}

			a.log.WithField("database", a.cfg.Database.Name).
				WithField("created", created).
				Info("schema up to date")
			return nil
		},
	}
}
