package ports

import (
	"context"

	"github.com/bnema/walletd/internal/domain"
)

// WalletEngine materializes and loads wallet files.
type WalletEngine interface {
	// Create fails with domain.ErrWalletFileConflict when path exists. It returns the
	// server-held half of the wallet secret.
	Create(ctx context.Context, path string, passphrase string, head domain.Checkpoint) (WalletHandle, string, error)
	// Load reports domain.ErrWalletNotFound, ErrWalletLoadCorrupt,
	// ErrWalletLoadNeedsUpgrade or ErrWalletLoadNeedsRewrite.
	Load(ctx context.Context, path string, serverSecret string) (WalletHandle, error)
	Exists(path string) bool
	ValidateAddress(address string) error
	Params() domain.EngineParams
}

// WalletHandle is owned by a single goroutine. Transaction-changed callbacks run
// on the goroutine that triggered the change.
type WalletHandle interface {
	Summary() domain.WalletSummary
	AddressBalances() []domain.AddressBalance
	Send(ctx context.Context, address string, amount domain.Amount, comment string) (string, error)
	SubscribeTransactionChanged(fn func(domain.TransactionNotice)) (unsubscribe func())

	GenesisCheckpoint() domain.Checkpoint
	Checkpoint() domain.Checkpoint
	Rescan(ctx context.Context, from domain.Checkpoint) error
	SetCheckpoint(checkpoint domain.Checkpoint) error
	// ApplyBlock returns the number of transactions relevant to the wallet.
	ApplyBlock(block domain.Block) (int, error)

	Close() error
}
