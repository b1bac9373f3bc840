package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/digkill/voicegen/internal/repository"
	"github.com/digkill/voicegen/internal/service"
)

func newMigrateCmd() *cobra.Command {
	var seedPlans bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if seedPlans {
				plans := service.NewPlanService(a.cfg.PaymentCurrency, repository.NewPlanRepository(a.db))
				if err := plans.EnsureDefaultPlans(cmd.Context()); err != nil {
					return fmt.Errorf("seed plans: %w", err)
				}
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema up to date (%s)\n", a.cfg.DBDriver)
			return err
		},
	}
	cmd.Flags().BoolVar(&seedPlans, "seed-plans", true, "insert the default plan catalogue when it is empty")
	return cmd
}
