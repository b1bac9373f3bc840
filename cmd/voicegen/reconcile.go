package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/digkill/voicegen/internal/ledger"
	"github.com/digkill/voicegen/internal/repository"
	"github.com/digkill/voicegen/internal/service"
)

func newReconcileCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Bill completed generations whose debit did not go through",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			l := ledger.New(repository.NewAccountRepository(a.db), a.log, nil)
			rec := service.NewReconciler(l, repository.NewHistoryRepository(a.db), a.log, 1)
			report, err := rec.Sweep(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "scanned=%d billed=%d deferred=%d\n", report.Scanned, report.Billed, report.Deferred); err != nil {
				return err
			}

			var unbalanced int
			for _, accountID := range report.Accounts {
				audit, err := l.Audit(cmd.Context(), accountID)
				if err != nil {
					return fmt.Errorf("audit %s: %w", accountID, err)
				}
				if !audit.Balanced {
					unbalanced++
					a.log.Error("ledger out of balance", "account_id", accountID, "debited", audit.Debited, "used", audit.Used)
				}
				fmt.Fprintf(out, "audit account=%s debited=%d used=%d balanced=%t\n", accountID, audit.Debited, audit.Used, audit.Balanced)
			}
			if unbalanced > 0 {
				return fmt.Errorf("%d account(s) out of balance", unbalanced)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum number of unbilled records to process")
	return cmd
}
