package memchain

import (
	"context"
	"log/slog"
	"time"
)

// Producer mines a block every interval, paying the coinbase to the
// configured addresses in turn.
type Producer struct {
	chain     *Chain
	interval  time.Duration
	coinbases []string
	logger    *slog.Logger
}

func NewProducer(chain *Chain, interval time.Duration, coinbases []string, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{
		chain:     chain,
		interval:  interval,
		coinbases: append([]string(nil), coinbases...),
		logger:    logger.With("component", "block_producer"),
	}
}

// Run blocks until ctx is done. A non-positive interval disables production.
func (p *Producer) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	next := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			coinbase := ""
			if len(p.coinbases) > 0 {
				coinbase = p.coinbases[next%len(p.coinbases)]
				next++
			}
			block := p.chain.Mine(coinbase)
			p.logger.Debug("block mined", "height", block.Height, "hash", block.Hash, "transactions", len(block.Transactions))
		}
	}
}
