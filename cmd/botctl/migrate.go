package main

import (
	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply all pending database migrations and exit.

Run this before the first serve and after every upgrade. Migrations are
embedded in the binary, so nothing besides ORCH_DATABASE_URL is needed.`,
		Args: cobra.NoArgs,
		RunE: runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx, cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	log.Infof(ctx, "migrations applied")
	return nil
}
