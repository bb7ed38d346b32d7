package domain

import "time"

type WalletRecord struct {
	ID        WalletID
	AccountID AccountID
	SecretRef string
	CreatedAt time.Time
}

type AddressBalance struct {
	Address string
	Balance Amount
}

type WalletSummary struct {
	Version        int
	DefaultAddress string
	Balance        Amount
	Unconfirmed    Amount
	KeyPoolSize    int
	KeyPoolOldest  time.Time
	Encrypted      bool
	UnlockedUntil  time.Time
}

type EngineParams struct {
	ClientVersion   int
	ProtocolVersion int
	MinTxFee        Amount
	MinInput        Amount
}

type TransactionKind string

const (
	TransactionSent     TransactionKind = "SENT"
	TransactionReceived TransactionKind = "RECEIVED"
)

type TransactionNotice struct {
	TxID    string
	Time    time.Time
	Kind    TransactionKind
	Address string
	Amount  Amount
	Fee     Amount
}
