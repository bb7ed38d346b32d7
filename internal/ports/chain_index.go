package ports

import (
	"context"
	"time"

	"github.com/bnema/walletd/internal/domain"
)

type ChainIndex interface {
	BestHeight() int64
	BestBlockHash() string
	Tip() domain.Checkpoint
	BlockAt(ctx context.Context, hash string) (domain.Block, error)
	BlockHashAt(height int64) (string, error)
	Difficulty() float64
	TotalCoinSupply(height int64) domain.Amount
	PeerCount() int
	TimeOffset() time.Duration
	// SubscribeTip registers fn for chain tip changes. fn must not block.
	SubscribeTip(fn func(domain.Checkpoint)) (unsubscribe func())
}
