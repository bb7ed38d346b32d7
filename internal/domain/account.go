package domain

import (
	"fmt"
	"strings"
	"time"
)

type AccountID string
type SessionID string
type WalletID string

type Session struct {
	AccountID     AccountID
	ID            SessionID
	CreatedAt     time.Time
	LastCommandAt time.Time
	WalletOpen    bool
}

func (s Session) Validate() error {
	if strings.TrimSpace(string(s.AccountID)) == "" {
		return fmt.Errorf("account id is required")
	}
	if strings.TrimSpace(string(s.ID)) == "" {
		return fmt.Errorf("session id is required")
	}

	return nil
}
