package ports

import (
	"context"

	"github.com/bnema/walletd/internal/domain"
)

type WalletRepository interface {
	Load(ctx context.Context) ([]domain.WalletRecord, error)
	SaveAll(ctx context.Context, records []domain.WalletRecord) error
}
