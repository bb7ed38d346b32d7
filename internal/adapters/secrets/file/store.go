package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/platform/sealbox"
	"github.com/bnema/walletd/internal/ports"
)

const (
	storeDirMode  = 0o700
	secretFileMod = 0o600
)

// Store keeps one file per secret key under root. When a master key is set,
// values are sealed before they touch the disk.
type Store struct {
	root      string
	masterKey string
	kdf       sealbox.KDFParams
	mu        sync.RWMutex
}

type Option func(*Store)

func WithMasterKey(key string) Option {
	return func(s *Store) {
		s.masterKey = key
	}
}

func WithKDF(params sealbox.KDFParams) Option {
	return func(s *Store) {
		s.kdf = params
	}
}

var _ ports.SecretStore = (*Store)(nil)

func NewStore(root string, opts ...Option) *Store {
	s := &Store{root: filepath.Clean(root), kdf: sealbox.DefaultKDF}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Put(ctx context.Context, key string, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.pathForKey(key)
	if err != nil {
		return err
	}

	data := []byte(value)
	if s.masterKey != "" {
		data, err = sealbox.Seal(s.masterKey, data, s.kdf)
		if err != nil {
			return fmt.Errorf("seal file secret %q: %w", key, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), storeDirMode); err != nil {
		return fmt.Errorf("create file secret directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, secretFileMod); err != nil {
		return fmt.Errorf("write file secret %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace file secret %q: %w", key, err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := s.pathForKey(key)
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	data, err := os.ReadFile(path)
	s.mu.RUnlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("file secret %q: %w", key, domain.ErrSecretNotFound)
		}
		return "", fmt.Errorf("read file secret %q: %w", key, err)
	}

	if !sealbox.IsSealed(data) {
		return string(data), nil
	}
	if s.masterKey == "" {
		return "", fmt.Errorf("file secret %q is sealed and no master key is configured", key)
	}
	plain, err := sealbox.Open(s.masterKey, data)
	if err != nil {
		return "", fmt.Errorf("open file secret %q: %w", key, err)
	}

	return string(plain), nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.pathForKey(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete file secret %q: %w", key, err)
	}

	return nil
}

func (s *Store) pathForKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", errors.New("secret key is empty")
	}

	cleaned := filepath.Clean(trimmed)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") || cleaned == "." {
		return "", fmt.Errorf("invalid secret key %q", key)
	}

	return filepath.Join(s.root, cleaned), nil
}
