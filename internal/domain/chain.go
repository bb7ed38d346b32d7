package domain

import "time"

// Checkpoint is a chain position a wallet has been synchronized to.
type Checkpoint struct {
	Height int64
	Hash   string
}

func (c Checkpoint) IsZero() bool {
	return c.Hash == "" && c.Height == 0
}

type Block struct {
	Hash         string
	PrevHash     string
	Height       int64
	Time         time.Time
	Difficulty   float64
	Transactions []Transaction
}

func (b Block) Checkpoint() Checkpoint {
	return Checkpoint{Height: b.Height, Hash: b.Hash}
}

type Transaction struct {
	ID      string
	Time    time.Time
	From    string
	Outputs []TxOutput
	Fee     Amount
	Comment string
}

type TxOutput struct {
	Address string
	Amount  Amount
}
