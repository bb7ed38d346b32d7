package toml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/ports"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	WalletsPathKey = "wallets.path"

	walletsFileMode   = 0o600
	walletsDirMode    = 0o700
	walletsConfigDir  = ".walletd"
	walletsConfigFile = "walletserver.toml"
	tempFilePattern   = ".walletserver-*.toml.tmp"
)

type Repository struct {
	walletsPath string
	mu          *sync.RWMutex
}

var (
	lockRegistryMu sync.Mutex
	pathLockMap    = map[string]*sync.RWMutex{}
)

var _ ports.WalletRepository = (*Repository)(nil)

func NewRepository(cfg *viper.Viper) (*Repository, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	if cfg.GetString(WalletsPathKey) == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.SetDefault(WalletsPathKey, filepath.Join(homeDir, walletsConfigDir, walletsConfigFile))
	}

	walletsPath := cfg.GetString(WalletsPathKey)
	if walletsPath == "" {
		return nil, errors.New("wallets path is empty")
	}
	walletsPath, err := normalizeWalletsPath(walletsPath)
	if err != nil {
		return nil, err
	}

	return &Repository{walletsPath: walletsPath, mu: lockForPath(walletsPath)}, nil
}

func (r *Repository) Path() string {
	return r.walletsPath
}

func (r *Repository) Load(ctx context.Context) ([]domain.WalletRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	file, err := r.readSchema()
	if err != nil {
		return nil, err
	}

	records := make([]domain.WalletRecord, 0, len(file.Wallets))
	for _, entry := range file.Wallets {
		records = append(records, fromSchema(entry))
	}

	return records, nil
}

// SaveAll replaces the stored record set.
func (r *Repository) SaveAll(ctx context.Context, records []domain.WalletRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	file := fileSchema{Wallets: make([]walletSchema, 0, len(records))}
	seen := make(map[domain.WalletID]struct{}, len(records))
	for _, record := range records {
		if record.ID == "" {
			return errors.New("wallet record without id")
		}
		if _, ok := seen[record.ID]; ok {
			return fmt.Errorf("duplicate wallet record %q", record.ID)
		}
		seen[record.ID] = struct{}{}
		file.Wallets = append(file.Wallets, toSchema(record))
	}
	sort.Slice(file.Wallets, func(i, j int) bool {
		return file.Wallets[i].ID < file.Wallets[j].ID
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	return r.writeSchema(file)
}

func (r *Repository) readSchema() (fileSchema, error) {
	data, err := os.ReadFile(r.walletsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSchema{}, nil
		}
		return fileSchema{}, fmt.Errorf("read wallets file: %w", err)
	}

	var file fileSchema
	if err := toml.Unmarshal(data, &file); err != nil {
		return fileSchema{}, fmt.Errorf("decode wallets file: %w", err)
	}
	if err := file.validateVersion(); err != nil {
		return fileSchema{}, err
	}
	file.applyDefaults()

	return file, nil
}

func normalizeWalletsPath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve wallets path: %w", err)
	}

	return filepath.Clean(absPath), nil
}

func lockForPath(path string) *sync.RWMutex {
	lockRegistryMu.Lock()
	defer lockRegistryMu.Unlock()

	if mu, ok := pathLockMap[path]; ok {
		return mu
	}

	mu := &sync.RWMutex{}
	pathLockMap[path] = mu
	return mu
}

func (r *Repository) writeSchema(file fileSchema) error {
	file.applyDefaults()

	if err := os.MkdirAll(filepath.Dir(r.walletsPath), walletsDirMode); err != nil {
		return fmt.Errorf("create wallets directory: %w", err)
	}

	data, err := toml.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode wallets file: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(r.walletsPath), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp wallets file: %w", err)
	}

	tempName := tempFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tempName)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("write temp wallets file: %w", err)
	}

	if err := tempFile.Chmod(walletsFileMode); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("chmod temp wallets file: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("sync temp wallets file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp wallets file: %w", err)
	}

	if err := os.Rename(tempName, r.walletsPath); err != nil {
		return fmt.Errorf("replace wallets file: %w", err)
	}

	cleanup = false

	return nil
}

func toSchema(record domain.WalletRecord) walletSchema {
	return walletSchema{
		ID:        string(record.ID),
		AccountID: string(record.AccountID),
		SecretRef: record.SecretRef,
		CreatedAt: formatTime(record.CreatedAt),
	}
}

func fromSchema(entry walletSchema) domain.WalletRecord {
	return domain.WalletRecord{
		ID:        domain.WalletID(entry.ID),
		AccountID: domain.AccountID(entry.AccountID),
		SecretRef: entry.SecretRef,
		CreatedAt: parseTime(entry.CreatedAt),
	}
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}

	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}

	return parsed
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}

	return value.UTC().Format(time.RFC3339)
}
