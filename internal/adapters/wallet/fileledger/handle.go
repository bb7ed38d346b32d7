package fileledger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/ports"
)

type handle struct {
	engine *Engine
	path   string
	secret string
	file   fileSchema

	owned     map[string]struct{}
	txIndex   map[string]int
	listeners map[int]func(domain.TransactionNotice)
	nextID    int
	dirty     bool
	closed    bool
}

var _ ports.WalletHandle = (*handle)(nil)

func newHandle(engine *Engine, path string, secret string, file fileSchema) *handle {
	h := &handle{
		engine:    engine,
		path:      path,
		secret:    secret,
		file:      file,
		owned:     make(map[string]struct{}, len(file.Keys)),
		txIndex:   make(map[string]int, len(file.Transactions)),
		listeners: make(map[int]func(domain.TransactionNotice)),
	}
	for _, key := range file.Keys {
		h.owned[key.Address] = struct{}{}
	}
	for i, tx := range file.Transactions {
		h.txIndex[tx.ID] = i
	}
	return h
}

func (h *handle) Summary() domain.WalletSummary {
	summary := domain.WalletSummary{
		Version:        walletVersion,
		DefaultAddress: h.file.DefaultAddress,
		Balance:        h.confirmedBalance(),
		Unconfirmed:    sumAmounts(h.file.Pending),
	}
	for _, key := range h.file.Keys {
		if key.Reserved {
			continue
		}
		summary.KeyPoolSize++
		if summary.KeyPoolOldest.IsZero() || key.CreatedAt.Before(summary.KeyPoolOldest) {
			summary.KeyPoolOldest = key.CreatedAt
		}
	}
	return summary
}

// AddressBalances lists the addresses handed out so far, in derivation order,
// plus any pool address that has received funds.
func (h *handle) AddressBalances() []domain.AddressBalance {
	out := make([]domain.AddressBalance, 0, len(h.file.Keys))
	for _, key := range h.file.Keys {
		balance := domain.Amount(h.file.Balances[key.Address])
		if !key.Reserved && balance == 0 {
			continue
		}
		out = append(out, domain.AddressBalance{Address: key.Address, Balance: balance})
	}
	return out
}

func (h *handle) Send(ctx context.Context, address string, amount domain.Amount, comment string) (string, error) {
	if h.closed {
		return "", errHandleClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := h.engine.ValidateAddress(address); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("%w: must be positive", domain.ErrInvalidAmount)
	}

	fee := h.engine.Params().MinTxFee
	total := amount + fee
	if available := h.confirmedBalance(); available < total {
		return "", fmt.Errorf("%w: need %s, have %s", domain.ErrInsufficientFunds, total, available)
	}

	now := h.engine.clock.Now().UTC()
	debits := h.planDebits(total)
	tx := domain.Transaction{
		ID:      h.transactionID(address, amount, now),
		Time:    now,
		From:    h.file.DefaultAddress,
		Outputs: []domain.TxOutput{{Address: address, Amount: amount}},
		Fee:     fee,
		Comment: comment,
	}
	if err := h.engine.broadcaster.Broadcast(tx); err != nil {
		return "", fmt.Errorf("broadcast transaction: %w", err)
	}

	for addr, debit := range debits {
		h.file.Balances[addr] -= int64(debit)
		if h.file.Balances[addr] == 0 {
			delete(h.file.Balances, addr)
		}
	}
	if h.isOwned(address) {
		h.file.Pending[address] += int64(amount)
	}
	h.recordTx(txSchema{
		ID:      tx.ID,
		Time:    now,
		Kind:    string(domain.TransactionSent),
		Address: address,
		Amount:  int64(amount),
		Fee:     int64(fee),
		Comment: comment,
	})

	// The transaction is already on the network; a failed write stays dirty
	// and is retried by the next save or Close.
	if err := h.save(); err != nil {
		h.engine.logger.Warn("persist wallet after send", "file", filepath.Base(h.path), "txid", tx.ID, "error", err)
	}

	h.notify(domain.TransactionNotice{
		TxID:    tx.ID,
		Time:    now,
		Kind:    domain.TransactionSent,
		Address: address,
		Amount:  amount,
		Fee:     fee,
	})

	return tx.ID, nil
}

func (h *handle) SubscribeTransactionChanged(fn func(domain.TransactionNotice)) func() {
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	return func() {
		delete(h.listeners, id)
	}
}

func (h *handle) GenesisCheckpoint() domain.Checkpoint {
	return h.file.Genesis.checkpoint()
}

func (h *handle) Checkpoint() domain.Checkpoint {
	return h.file.Best.checkpoint()
}

// Rescan replays every block from from up to the current chain tip. Blocks
// already applied are recognized by transaction id and leave balances unchanged.
func (h *handle) Rescan(ctx context.Context, from domain.Checkpoint) error {
	if h.closed {
		return errHandleClosed
	}

	chain := h.engine.chain
	start := from.Height
	if start < 0 {
		start = 0
	}
	tip := chain.BestHeight()
	for height := start; height <= tip; height++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		hash, err := chain.BlockHashAt(height)
		if err != nil {
			return fmt.Errorf("rescan height %d: %w", height, err)
		}
		block, err := chain.BlockAt(ctx, hash)
		if err != nil {
			return fmt.Errorf("rescan block %s: %w", hash, err)
		}
		if _, err := h.ApplyBlock(block); err != nil {
			return err
		}
		h.file.Best = toCheckpointSchema(block.Checkpoint())
		h.dirty = true
	}

	return h.save()
}

func (h *handle) SetCheckpoint(checkpoint domain.Checkpoint) error {
	if h.closed {
		return errHandleClosed
	}
	h.file.Best = toCheckpointSchema(checkpoint)
	h.dirty = true
	return h.save()
}

func (h *handle) ApplyBlock(block domain.Block) (int, error) {
	if h.closed {
		return 0, errHandleClosed
	}

	relevant := 0
	var notices []domain.TransactionNotice
	for _, tx := range block.Transactions {
		if i, ok := h.txIndex[tx.ID]; ok {
			if h.confirm(i, block.Height) {
				relevant++
			}
			continue
		}

		for _, out := range tx.Outputs {
			if !h.isOwned(out.Address) || out.Amount <= 0 {
				continue
			}
			h.file.Balances[out.Address] += int64(out.Amount)
			h.reserve(out.Address)
			h.recordTx(txSchema{
				ID:        tx.ID,
				Time:      tx.Time,
				Kind:      string(domain.TransactionReceived),
				Address:   out.Address,
				Amount:    int64(out.Amount),
				Comment:   tx.Comment,
				Confirmed: true,
				Height:    block.Height,
			})
			notices = append(notices, domain.TransactionNotice{
				TxID:    tx.ID,
				Time:    tx.Time,
				Kind:    domain.TransactionReceived,
				Address: out.Address,
				Amount:  out.Amount,
			})
			relevant++
		}
	}

	for _, notice := range notices {
		h.notify(notice)
	}
	return relevant, nil
}

func (h *handle) Close() error {
	if h.closed {
		return nil
	}
	err := h.save()
	h.closed = true
	clear(h.listeners)
	return err
}

// confirm marks a known transaction as mined. Self-sends move from pending
// to spendable.
func (h *handle) confirm(i int, height int64) bool {
	tx := &h.file.Transactions[i]
	if tx.Confirmed {
		return false
	}
	tx.Confirmed = true
	tx.Height = height
	h.dirty = true

	if tx.Kind == string(domain.TransactionSent) && h.isOwned(tx.Address) {
		h.file.Pending[tx.Address] -= tx.Amount
		if h.file.Pending[tx.Address] <= 0 {
			delete(h.file.Pending, tx.Address)
		}
		h.file.Balances[tx.Address] += tx.Amount
	}
	return true
}

// planDebits spends from the largest balances first.
func (h *handle) planDebits(total domain.Amount) map[string]domain.Amount {
	type funded struct {
		address string
		balance domain.Amount
	}
	sources := make([]funded, 0, len(h.file.Balances))
	for addr, balance := range h.file.Balances {
		if balance > 0 {
			sources = append(sources, funded{address: addr, balance: domain.Amount(balance)})
		}
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].balance == sources[j].balance {
			return sources[i].address < sources[j].address
		}
		return sources[i].balance > sources[j].balance
	})

	debits := make(map[string]domain.Amount)
	remaining := total
	for _, src := range sources {
		if remaining == 0 {
			break
		}
		take := min(src.balance, remaining)
		debits[src.address] = take
		remaining -= take
	}
	return debits
}

func (h *handle) transactionID(address string, amount domain.Amount, now time.Time) string {
	sum, _ := blake2b.New256(nil)
	var buf [8]byte
	sum.Write([]byte(h.file.DefaultAddress))
	sum.Write([]byte(address))
	binary.BigEndian.PutUint64(buf[:], uint64(amount))
	sum.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(now.UnixNano()))
	sum.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(len(h.file.Transactions)))
	sum.Write(buf[:])
	return hex.EncodeToString(sum.Sum(nil))
}

func (h *handle) recordTx(tx txSchema) {
	if _, ok := h.txIndex[tx.ID]; !ok {
		h.txIndex[tx.ID] = len(h.file.Transactions)
	}
	h.file.Transactions = append(h.file.Transactions, tx)
	h.dirty = true
}

func (h *handle) reserve(address string) {
	for i := range h.file.Keys {
		if h.file.Keys[i].Address == address {
			h.file.Keys[i].Reserved = true
			return
		}
	}
}

func (h *handle) isOwned(address string) bool {
	_, ok := h.owned[address]
	return ok
}

func (h *handle) confirmedBalance() domain.Amount {
	return sumAmounts(h.file.Balances)
}

func (h *handle) notify(notice domain.TransactionNotice) {
	for _, fn := range h.listeners {
		fn(notice)
	}
}

func (h *handle) save() error {
	if !h.dirty {
		return nil
	}
	if err := writeFile(h.path, h.secret, h.file, h.engine.kdf); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

func sumAmounts(values map[string]int64) domain.Amount {
	var total domain.Amount
	for _, v := range values {
		total += domain.Amount(v)
	}
	return total
}
