package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/claimdocs-api/internal/repository"
	"github.com/noah-isme/claimdocs-api/pkg/database"
)

func newClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Maintain the claim ownership registry",
	}
	cmd.AddCommand(newClaimRegisterCmd())
	return cmd
}

func newClaimRegisterCmd() *cobra.Command {
	var claimID, customerID string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Record which customer owns a claim",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logr, err := bootstrap()
			if err != nil {
				return err
			}
			defer logr.Sync() //nolint:errcheck

			db, err := database.NewPostgres(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			err = repository.NewClaimRepository(db).Register(cmd.Context(), claimID, customerID)
			if errors.Is(err, repository.ErrClaimExists) {
				return fmt.Errorf("claim %s is already registered", claimID)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "claim %s registered to %s\n", claimID, customerID)
			return nil
		},
	}
	cmd.Flags().StringVar(&claimID, "id", "", "Claim id")
	cmd.Flags().StringVar(&customerID, "customer", "", "Owning customer id")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}

func newOutboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "Show how many document events are waiting to be published",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logr, err := bootstrap()
			if err != nil {
				return err
			}
			defer logr.Sync() //nolint:errcheck

			db, err := database.NewPostgres(cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			pending, err := repository.NewEventRepository(db).CountPending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d document events pending\n", pending)
			return nil
		},
	}
}
