// Package memchain is an in-memory chain index used for development and tests.
// Blocks are produced on demand by Mine or on a timer by Producer.
package memchain

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/ports"
)

var (
	ErrBlockNotFound  = errors.New("block not found")
	ErrDuplicateTx    = errors.New("transaction already known")
	ErrHeightNotFound = errors.New("height out of range")
)

type Params struct {
	GenesisTime     time.Time
	InitialSubsidy  domain.Amount
	HalvingInterval int64
	Difficulty      float64
	Peers           int
}

func DefaultParams() Params {
	return Params{
		GenesisTime:     time.Date(2013, 7, 7, 0, 0, 0, 0, time.UTC),
		InitialSubsidy:  50 * domain.Coin,
		HalvingInterval: 210_000,
		Difficulty:      1,
		Peers:           0,
	}
}

type Chain struct {
	params Params
	clock  ports.Clock

	mu        sync.RWMutex
	blocks    []domain.Block
	byHash    map[string]int64
	known     map[string]struct{}
	mempool   []domain.Transaction
	listeners map[int]func(domain.Checkpoint)
	nextID    int
}

var _ ports.ChainIndex = (*Chain)(nil)

func New(params Params, clock ports.Clock) *Chain {
	if clock == nil {
		clock = ports.SystemClock{}
	}
	if params.HalvingInterval <= 0 {
		params.HalvingInterval = DefaultParams().HalvingInterval
	}

	c := &Chain{
		params:    params,
		clock:     clock,
		byHash:    make(map[string]int64),
		known:     make(map[string]struct{}),
		listeners: make(map[int]func(domain.Checkpoint)),
	}
	genesis := domain.Block{Height: 0, Time: params.GenesisTime, Difficulty: params.Difficulty}
	genesis.Hash = blockHash(genesis)
	c.blocks = append(c.blocks, genesis)
	c.byHash[genesis.Hash] = 0

	return c
}

func (c *Chain) BestHeight() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.blocks) - 1)
}

func (c *Chain) BestBlockHash() string {
	return c.Tip().Hash
}

func (c *Chain) Tip() domain.Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocks[len(c.blocks)-1].Checkpoint()
}

func (c *Chain) BlockAt(ctx context.Context, hash string) (domain.Block, error) {
	if err := ctx.Err(); err != nil {
		return domain.Block{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	height, ok := c.byHash[hash]
	if !ok {
		return domain.Block{}, fmt.Errorf("%w: %s", ErrBlockNotFound, hash)
	}
	return cloneBlock(c.blocks[height]), nil
}

func (c *Chain) BlockHashAt(height int64) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if height < 0 || height >= int64(len(c.blocks)) {
		return "", fmt.Errorf("%w: %d", ErrHeightNotFound, height)
	}
	return c.blocks[height].Hash, nil
}

func (c *Chain) Difficulty() float64 {
	return c.params.Difficulty
}

// Subsidy is the coinbase reward of the block at height.
func (c *Chain) Subsidy(height int64) domain.Amount {
	if height <= 0 {
		return 0
	}
	halvings := (height - 1) / c.params.HalvingInterval
	if halvings >= 63 {
		return 0
	}
	return c.params.InitialSubsidy >> uint(halvings)
}

func (c *Chain) TotalCoinSupply(height int64) domain.Amount {
	var total domain.Amount
	remaining := height
	for epoch := int64(0); remaining > 0 && epoch < 63; epoch++ {
		blocks := remaining
		if blocks > c.params.HalvingInterval {
			blocks = c.params.HalvingInterval
		}
		total += domain.Amount(blocks) * (c.params.InitialSubsidy >> uint(epoch))
		remaining -= blocks
	}
	return total
}

func (c *Chain) PeerCount() int {
	return c.params.Peers
}

func (c *Chain) TimeOffset() time.Duration {
	return 0
}

func (c *Chain) SubscribeTip(fn func(domain.Checkpoint)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.listeners, id)
		})
	}
}

// Broadcast places tx in the mempool for the next block.
func (c *Chain) Broadcast(tx domain.Transaction) error {
	if tx.ID == "" {
		return errors.New("transaction id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.known[tx.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTx, tx.ID)
	}
	c.known[tx.ID] = struct{}{}
	c.mempool = append(c.mempool, cloneTx(tx))
	return nil
}

func (c *Chain) MempoolSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mempool)
}

// Mine appends a block holding a coinbase to coinbase, when set, and the
// whole mempool, then notifies tip subscribers.
func (c *Chain) Mine(coinbase string) domain.Block {
	c.mu.Lock()
	prev := c.blocks[len(c.blocks)-1]
	height := prev.Height + 1
	now := c.clock.Now().UTC()
	if !now.After(prev.Time) {
		now = prev.Time.Add(time.Second)
	}

	txs := make([]domain.Transaction, 0, len(c.mempool)+1)
	if coinbase != "" {
		if subsidy := c.Subsidy(height); subsidy > 0 {
			cb := domain.Transaction{
				ID:      coinbaseID(height, coinbase),
				Time:    now,
				Outputs: []domain.TxOutput{{Address: coinbase, Amount: subsidy}},
			}
			c.known[cb.ID] = struct{}{}
			txs = append(txs, cb)
		}
	}
	txs = append(txs, c.mempool...)
	c.mempool = nil

	block := domain.Block{
		PrevHash:     prev.Hash,
		Height:       height,
		Time:         now,
		Difficulty:   c.params.Difficulty,
		Transactions: txs,
	}
	block.Hash = blockHash(block)
	c.blocks = append(c.blocks, block)
	c.byHash[block.Hash] = height

	listeners := make([]func(domain.Checkpoint), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	tip := block.Checkpoint()
	for _, fn := range listeners {
		fn(tip)
	}

	return cloneBlock(block)
}

func blockHash(block domain.Block) string {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	h.Write([]byte(block.PrevHash))
	binary.BigEndian.PutUint64(buf[:], uint64(block.Height))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(block.Time.UnixNano()))
	h.Write(buf[:])
	for _, tx := range block.Transactions {
		h.Write([]byte(tx.ID))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func coinbaseID(height int64, address string) string {
	sum := blake2b.Sum256([]byte(fmt.Sprintf("coinbase:%d:%s", height, address)))
	return hex.EncodeToString(sum[:])
}

func cloneTx(tx domain.Transaction) domain.Transaction {
	tx.Outputs = append([]domain.TxOutput(nil), tx.Outputs...)
	return tx
}

func cloneBlock(block domain.Block) domain.Block {
	txs := make([]domain.Transaction, len(block.Transactions))
	for i, tx := range block.Transactions {
		txs[i] = cloneTx(tx)
	}
	block.Transactions = txs
	return block
}
