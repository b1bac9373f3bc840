package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/digkill/voicegen/internal/auth"
	"github.com/digkill/voicegen/internal/config"
)

// newTokenCmd issues a bearer token for local testing against the API.
func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <account-id>",
		Short: "Issue a signed bearer token for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}
			tok, err := auth.NewVerifier(cfg.JWTSecret).IssueToken(args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
