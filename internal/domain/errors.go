package domain

import "errors"

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrAccountSessionActive = errors.New("account already has an active session")
	ErrSessionIDInUse       = errors.New("session id already registered")
	ErrWalletNotFound       = errors.New("wallet not found")
	ErrSecretNotFound       = errors.New("secret not found")

	ErrWalletFileConflict     = errors.New("wallet file already exists")
	ErrWalletLoadCorrupt      = errors.New("wallet file corrupted")
	ErrWalletLoadNeedsUpgrade = errors.New("wallet file requires a newer version")
	ErrWalletLoadNeedsRewrite = errors.New("wallet file needed to be rewritten")

	ErrInvalidAddress    = errors.New("invalid address")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
)
