package fileledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/platform/sealbox"
)

const (
	fileVersion       = 2
	walletFileMode    = 0o600
	walletDirMode     = 0o700
	walletTempPattern = ".wallet-*.tmp"
)

type checkpointSchema struct {
	Height int64  `json:"height"`
	Hash   string `json:"hash"`
}

type keySchema struct {
	Index     uint32    `json:"index"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
	Reserved  bool      `json:"reserved"`
}

type txSchema struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Address   string    `json:"address"`
	Amount    int64     `json:"amount"`
	Fee       int64     `json:"fee,omitempty"`
	Comment   string    `json:"comment,omitempty"`
	Confirmed bool      `json:"confirmed"`
	Height    int64     `json:"height,omitempty"`
}

type fileSchema struct {
	Version        int              `json:"version"`
	Seed           []byte           `json:"seed"`
	DefaultAddress string           `json:"default_address"`
	Keys           []keySchema      `json:"keys"`
	Genesis        checkpointSchema `json:"genesis"`
	Best           checkpointSchema `json:"best"`
	Balances       map[string]int64 `json:"balances"`
	Pending        map[string]int64 `json:"pending,omitempty"`
	Transactions   []txSchema       `json:"transactions"`
}

func toCheckpointSchema(cp domain.Checkpoint) checkpointSchema {
	return checkpointSchema{Height: cp.Height, Hash: cp.Hash}
}

func (c checkpointSchema) checkpoint() domain.Checkpoint {
	return domain.Checkpoint{Height: c.Height, Hash: c.Hash}
}

// readFile opens and decodes a wallet file. Version 1 files are upgraded in
// memory; migrated reports that the caller must rewrite them.
func readFile(path string, serverSecret string) (file fileSchema, migrated bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{}, false, fmt.Errorf("%w: %s", domain.ErrWalletNotFound, filepath.Base(path))
		}
		return fileSchema{}, false, fmt.Errorf("read wallet file: %w", err)
	}

	plain, err := sealbox.Open(serverSecret, data)
	if err != nil {
		return fileSchema{}, false, fmt.Errorf("%w: %v", domain.ErrWalletLoadCorrupt, err)
	}

	if err := json.Unmarshal(plain, &file); err != nil {
		return fileSchema{}, false, fmt.Errorf("%w: %v", domain.ErrWalletLoadCorrupt, err)
	}

	switch {
	case file.Version > fileVersion:
		return fileSchema{}, false, fmt.Errorf("%w: version %d", domain.ErrWalletLoadNeedsUpgrade, file.Version)
	case file.Version <= 0:
		return fileSchema{}, false, fmt.Errorf("%w: missing version", domain.ErrWalletLoadCorrupt)
	case file.Version < fileVersion:
		migrateV1(&file)
		migrated = true
	}

	if len(file.Seed) == 0 || file.DefaultAddress == "" {
		return fileSchema{}, false, fmt.Errorf("%w: missing key material", domain.ErrWalletLoadCorrupt)
	}
	if file.Balances == nil {
		file.Balances = map[string]int64{}
	}
	if file.Pending == nil {
		file.Pending = map[string]int64{}
	}

	return file, migrated, nil
}

// migrateV1 fills the genesis checkpoint that version 1 files did not record.
func migrateV1(file *fileSchema) {
	if file.Genesis == (checkpointSchema{}) {
		file.Genesis = file.Best
	}
	file.Version = fileVersion
}

func writeFile(path string, serverSecret string, file fileSchema, kdf sealbox.KDFParams) error {
	plain, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode wallet file: %w", err)
	}
	sealed, err := sealbox.Seal(serverSecret, plain, kdf)
	if err != nil {
		return fmt.Errorf("seal wallet file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, walletDirMode); err != nil {
		return fmt.Errorf("create wallet directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, walletTempPattern)
	if err != nil {
		return fmt.Errorf("create temp wallet file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	if err := tmp.Chmod(walletFileMode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp wallet file: %w", err)
	}
	if _, err := tmp.Write(sealed); err != nil {
		cleanup()
		return fmt.Errorf("write temp wallet file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp wallet file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp wallet file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace wallet file: %w", err)
	}

	return nil
}
