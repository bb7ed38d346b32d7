// Package fileledger is a file-backed wallet engine. Each wallet is a single
// sealed file keyed by a bip39 mnemonic held by the server; the client
// passphrase only salts the seed the addresses are derived from.
package fileledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tyler-smith/go-bip39"

	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/platform/sealbox"
	"github.com/bnema/walletd/internal/ports"
)

const (
	clientVersion   = 10100
	protocolVersion = 70002
	walletVersion   = 60000

	entropyBits            = 256
	defaultKeyPoolSize     = 20
	DefaultAddressVersion  = byte(28)
	defaultMinTxFeeDivisor = 100
)

var errHandleClosed = errors.New("wallet handle closed")

// Broadcaster relays signed transactions to the network.
type Broadcaster interface {
	Broadcast(tx domain.Transaction) error
}

type Option func(*Engine)

func WithKDF(params sealbox.KDFParams) Option {
	return func(e *Engine) {
		e.kdf = params
	}
}

func WithAddressVersion(version byte) Option {
	return func(e *Engine) {
		e.addressVersion = version
	}
}

func WithKeyPoolSize(size int) Option {
	return func(e *Engine) {
		if size >= 0 {
			e.keyPoolSize = size
		}
	}
}

func WithClock(clock ports.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

type Engine struct {
	chain          ports.ChainIndex
	broadcaster    Broadcaster
	kdf            sealbox.KDFParams
	addressVersion byte
	keyPoolSize    int
	clock          ports.Clock
	logger         *slog.Logger
}

var _ ports.WalletEngine = (*Engine)(nil)

func New(chain ports.ChainIndex, broadcaster Broadcaster, opts ...Option) *Engine {
	e := &Engine{
		chain:          chain,
		broadcaster:    broadcaster,
		kdf:            sealbox.DefaultKDF,
		addressVersion: DefaultAddressVersion,
		keyPoolSize:    defaultKeyPoolSize,
		clock:          ports.SystemClock{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "fileledger")
	return e
}

func (e *Engine) Params() domain.EngineParams {
	return domain.EngineParams{
		ClientVersion:   clientVersion,
		ProtocolVersion: protocolVersion,
		MinTxFee:        domain.Cent / defaultMinTxFeeDivisor,
		MinInput:        domain.Cent / defaultMinTxFeeDivisor,
	}
}

func (e *Engine) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (e *Engine) ValidateAddress(address string) error {
	return validateAddress(address, e.addressVersion)
}

func (e *Engine) Create(ctx context.Context, path string, passphrase string, head domain.Checkpoint) (ports.WalletHandle, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if e.Exists(path) {
		return nil, "", fmt.Errorf("%w: %s", domain.ErrWalletFileConflict, path)
	}

	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, "", fmt.Errorf("generate wallet entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, "", fmt.Errorf("generate wallet mnemonic: %w", err)
	}
	seed := bip39.NewSeed(mnemonic, passphrase)

	now := e.clock.Now().UTC()
	file := fileSchema{
		Version:  fileVersion,
		Seed:     seed,
		Genesis:  toCheckpointSchema(head),
		Best:     toCheckpointSchema(head),
		Balances: map[string]int64{},
		Pending:  map[string]int64{},
	}
	for i := 0; i <= e.keyPoolSize; i++ {
		address, err := deriveAddress(seed, uint32(i), e.addressVersion)
		if err != nil {
			return nil, "", err
		}
		file.Keys = append(file.Keys, keySchema{
			Index:     uint32(i),
			Address:   address,
			CreatedAt: now,
			Reserved:  i == 0,
		})
	}
	file.DefaultAddress = file.Keys[0].Address

	if err := writeFile(path, mnemonic, file, e.kdf); err != nil {
		return nil, "", err
	}

	return newHandle(e, path, mnemonic, file), mnemonic, nil
}

func (e *Engine) Load(ctx context.Context, path string, serverSecret string) (ports.WalletHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, migrated, err := readFile(path, serverSecret)
	if err != nil {
		return nil, err
	}
	if migrated {
		if err := writeFile(path, serverSecret, file, e.kdf); err != nil {
			return nil, errors.Join(domain.ErrWalletLoadNeedsRewrite, err)
		}
		return nil, domain.ErrWalletLoadNeedsRewrite
	}

	return newHandle(e, path, serverSecret, file), nil
}
