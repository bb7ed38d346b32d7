package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	walletsrender "github.com/bnema/walletd/internal/adapters/render/wallets"
	"github.com/bnema/walletd/internal/domain"
)

func newWalletsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wallets",
		Short: "Inspect and create server-held wallets",
	}

	cmd.AddCommand(
		newWalletsListCmd(opts),
		newWalletsCreateCmd(opts),
	)

	return cmd
}

type walletJSON struct {
	ID        domain.WalletID  `json:"id"`
	AccountID domain.AccountID `json:"account_id"`
	HasSecret bool             `json:"has_secret"`
	CreatedAt string           `json:"created_at,omitempty"`
}

func newWalletsListCmd(opts *rootOptions) *cobra.Command {
	var accountID string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List wallet records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.wire(cmd)
			if err != nil {
				return err
			}
			if err := app.registry.LoadWalletRecords(cmd.Context()); err != nil {
				return err
			}

			records := filterRecords(app.registry.WalletRecords(), domain.AccountID(accountID))
			if asJSON {
				return writeWalletsJSON(cmd, records)
			}

			rendered, err := app.walletRenderer(records, walletsrender.RenderOptions{Now: app.now()})
			if err != nil {
				return fmt.Errorf("render wallets: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), rendered)
			return err
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "only list wallets owned by this account")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")

	return cmd
}

func newWalletsCreateCmd(opts *rootOptions) *cobra.Command {
	var accountID string
	var passphrase string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a wallet for an account without a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if passphrase == "" {
				return errors.New("passphrase must not be empty")
			}

			app, err := opts.wire(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := app.registry.LoadWalletRecords(ctx); err != nil {
				return err
			}

			create := func(ctx context.Context) (domain.WalletID, error) {
				return app.registry.CreateWallet(ctx, domain.AccountID(accountID), passphrase)
			}
			walletID, err := runCreateWalletSpinner(ctx, cmd.ErrOrStderr(), domain.AccountID(accountID), create)
			if err != nil {
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), walletID)
			return err
		},
	}

	cmd.Flags().StringVar(&accountID, "account", "", "owning account id")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "wallet passphrase")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("passphrase")

	return cmd
}

func filterRecords(records []domain.WalletRecord, accountID domain.AccountID) []domain.WalletRecord {
	if accountID == "" {
		return records
	}
	out := make([]domain.WalletRecord, 0, len(records))
	for _, record := range records {
		if record.AccountID == accountID {
			out = append(out, record)
		}
	}
	return out
}

func writeWalletsJSON(cmd *cobra.Command, records []domain.WalletRecord) error {
	out := make([]walletJSON, 0, len(records))
	for _, record := range records {
		entry := walletJSON{
			ID:        record.ID,
			AccountID: record.AccountID,
			HasSecret: record.SecretRef != "",
		}
		if !record.CreatedAt.IsZero() {
			entry.CreatedAt = record.CreatedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, entry)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
