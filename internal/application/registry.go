package application

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/platform/cmdqueue"
	"github.com/bnema/walletd/internal/ports"
)

const walletFileExt = ".dat"

// SecretRef is the SecretStore key holding the server secret of a wallet.
func SecretRef(walletID domain.WalletID) string {
	return fmt.Sprintf("walletd/wallets/%s/server_secret", walletID)
}

type sessionEntry struct {
	session domain.Session
	queue   *cmdqueue.Queue[domain.Command]
}

// Registry owns the active sessions and the wallet and secret records. All
// state sits behind one lock; persistence calls are serialized separately.
type Registry struct {
	repo      ports.WalletRepository
	store     ports.SecretStore
	engine    ports.WalletEngine
	chain     ports.ChainIndex
	clock     ports.Clock
	walletDir string
	newID     func() string

	mu        sync.RWMutex
	byAccount map[domain.AccountID]*sessionEntry
	bySession map[domain.SessionID]domain.AccountID
	wallets   map[domain.WalletID]domain.WalletRecord
	secrets   map[domain.WalletID]string

	persistMu sync.Mutex
}

type RegistryOption func(*Registry)

// WithIDGenerator replaces uuid.NewString for wallet ids.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) {
		r.newID = fn
	}
}

func WithClock(clock ports.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = clock
	}
}

func NewRegistry(repo ports.WalletRepository, store ports.SecretStore, engine ports.WalletEngine, chain ports.ChainIndex, walletDir string, opts ...RegistryOption) *Registry {
	r := &Registry{
		repo:      repo,
		store:     store,
		engine:    engine,
		chain:     chain,
		clock:     ports.SystemClock{},
		walletDir: filepath.Clean(walletDir),
		newID:     uuid.NewString,
		byAccount: make(map[domain.AccountID]*sessionEntry),
		bySession: make(map[domain.SessionID]domain.AccountID),
		wallets:   make(map[domain.WalletID]domain.WalletRecord),
		secrets:   make(map[domain.WalletID]string),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Register adds a session and returns its command queue. A second session for
// an account that already has one is rejected.
func (r *Registry) Register(accountID domain.AccountID, sessionID domain.SessionID) (*cmdqueue.Queue[domain.Command], error) {
	now := r.clock.Now()
	session := domain.Session{AccountID: accountID, ID: sessionID, CreatedAt: now, LastCommandAt: now}
	if err := session.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byAccount[accountID]; ok {
		return nil, fmt.Errorf("register session %q: %w", sessionID, domain.ErrAccountSessionActive)
	}
	if _, ok := r.bySession[sessionID]; ok {
		return nil, fmt.Errorf("register session %q: %w", sessionID, domain.ErrSessionIDInUse)
	}

	entry := &sessionEntry{session: session, queue: cmdqueue.New[domain.Command]()}
	r.byAccount[accountID] = entry
	r.bySession[sessionID] = accountID

	return entry.queue, nil
}

func (r *Registry) Lookup(sessionID domain.SessionID) (domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entryBySessionLocked(sessionID)
	if !ok {
		return domain.Session{}, fmt.Errorf("lookup session %q: %w", sessionID, domain.ErrSessionNotFound)
	}
	return entry.session, nil
}

func (r *Registry) LookupAccount(accountID domain.AccountID) (domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.byAccount[accountID]
	if !ok {
		return domain.Session{}, fmt.Errorf("lookup account %q: %w", accountID, domain.ErrSessionNotFound)
	}
	return entry.session, nil
}

// Remove drops the session and closes its queue. Items already queued can
// still be drained by the worker.
func (r *Registry) Remove(sessionID domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entryBySessionLocked(sessionID)
	if !ok {
		return false
	}
	delete(r.byAccount, entry.session.AccountID)
	delete(r.bySession, sessionID)
	entry.queue.Close()

	return true
}

func (r *Registry) Enqueue(sessionID domain.SessionID, cmd domain.Command) error {
	r.mu.RLock()
	entry, ok := r.entryBySessionLocked(sessionID)
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("enqueue for session %q: %w", sessionID, domain.ErrSessionNotFound)
	}

	return entry.queue.Push(cmd)
}

func (r *Registry) Sessions() []domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]domain.Session, 0, len(r.byAccount))
	for _, entry := range r.byAccount {
		sessions = append(sessions, entry.session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ID < sessions[j].ID
	})

	return sessions
}

// Clear removes every session and returns how many were dropped.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.byAccount)
	for _, entry := range r.byAccount {
		entry.queue.Close()
	}
	r.byAccount = make(map[domain.AccountID]*sessionEntry)
	r.bySession = make(map[domain.SessionID]domain.AccountID)

	return n
}

func (r *Registry) Touch(sessionID domain.SessionID) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entryBySessionLocked(sessionID); ok {
		entry.session.LastCommandAt = now
	}
}

func (r *Registry) SetWalletOpen(sessionID domain.SessionID, open bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entryBySessionLocked(sessionID); ok {
		entry.session.WalletOpen = open
	}
}

func (r *Registry) IsNewAccount(accountID domain.AccountID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byAccount[accountID]
	return !ok
}

func (r *Registry) entryBySessionLocked(sessionID domain.SessionID) (*sessionEntry, bool) {
	accountID, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	entry, ok := r.byAccount[accountID]
	return entry, ok
}

func (r *Registry) LoadWalletRecords(ctx context.Context) error {
	records, err := r.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load wallet records: %w", err)
	}

	wallets := make(map[domain.WalletID]domain.WalletRecord, len(records))
	for _, record := range records {
		wallets[record.ID] = record
	}

	r.mu.Lock()
	r.wallets = wallets
	r.mu.Unlock()

	return nil
}

func (r *Registry) SaveWalletRecords(ctx context.Context) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	if err := r.repo.SaveAll(ctx, r.WalletRecords()); err != nil {
		return fmt.Errorf("save wallet records: %w", err)
	}
	return nil
}

// LoadSecrets reads the server secret of every wallet record that references one.
func (r *Registry) LoadSecrets(ctx context.Context) error {
	records := r.WalletRecords()
	secrets := make(map[domain.WalletID]string, len(records))
	for _, record := range records {
		if record.SecretRef == "" {
			continue
		}
		secret, err := r.store.Get(ctx, record.SecretRef)
		if err != nil {
			return fmt.Errorf("load secret for wallet %q: %w", record.ID, err)
		}
		secrets[record.ID] = secret
	}

	r.mu.Lock()
	r.secrets = secrets
	r.mu.Unlock()

	return nil
}

func (r *Registry) SaveSecrets(ctx context.Context) error {
	r.mu.RLock()
	pending := make(map[string]string, len(r.secrets))
	for walletID, secret := range r.secrets {
		ref := r.wallets[walletID].SecretRef
		if ref == "" {
			ref = SecretRef(walletID)
		}
		pending[ref] = secret
	}
	r.mu.RUnlock()

	var errs error
	for ref, secret := range pending {
		if err := r.store.Put(ctx, ref, secret); err != nil {
			errs = errors.Join(errs, fmt.Errorf("save secret %q: %w", ref, err))
		}
	}
	return errs
}

func (r *Registry) WalletRecords() []domain.WalletRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]domain.WalletRecord, 0, len(r.wallets))
	for _, record := range r.wallets {
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].ID < records[j].ID
	})

	return records
}

func (r *Registry) IsWalletOwnedBy(walletID domain.WalletID, accountID domain.AccountID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.wallets[walletID]
	return ok && record.AccountID == accountID
}

func (r *Registry) Secret(walletID domain.WalletID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	secret, ok := r.secrets[walletID]
	return secret, ok
}

func (r *Registry) WalletPath(walletID domain.WalletID) string {
	return filepath.Join(r.walletDir, string(walletID)+walletFileExt)
}

// CreateWallet allocates a wallet id, persists the record, then asks the engine
// to materialize the wallet file. When the file already exists the call fails
// and the allocated record is kept without a secret.
func (r *Registry) CreateWallet(ctx context.Context, accountID domain.AccountID, passphrase string) (domain.WalletID, error) {
	if accountID == "" {
		return "", errors.New("account id is required")
	}
	if passphrase == "" {
		return "", errors.New("passphrase is required")
	}

	r.mu.Lock()
	walletID := domain.WalletID(r.newID())
	for {
		if _, taken := r.wallets[walletID]; !taken && walletID != "" {
			break
		}
		walletID = domain.WalletID(r.newID())
	}
	record := domain.WalletRecord{ID: walletID, AccountID: accountID, CreatedAt: r.clock.Now().UTC()}
	r.wallets[walletID] = record
	r.mu.Unlock()

	if err := r.SaveWalletRecords(ctx); err != nil {
		r.mu.Lock()
		delete(r.wallets, walletID)
		r.mu.Unlock()
		return "", err
	}

	path := r.WalletPath(walletID)
	if r.engine.Exists(path) {
		return "", fmt.Errorf("create wallet %q: %w", walletID, domain.ErrWalletFileConflict)
	}

	handle, serverSecret, err := r.engine.Create(ctx, path, passphrase, r.chain.Tip())
	if err != nil {
		return "", fmt.Errorf("create wallet %q: %w", walletID, err)
	}
	if err := handle.Close(); err != nil {
		return "", fmt.Errorf("close new wallet %q: %w", walletID, err)
	}

	ref := SecretRef(walletID)
	if err := r.store.Put(ctx, ref, serverSecret); err != nil {
		return "", fmt.Errorf("store secret for wallet %q: %w", walletID, err)
	}

	r.mu.Lock()
	record.SecretRef = ref
	r.wallets[walletID] = record
	r.secrets[walletID] = serverSecret
	r.mu.Unlock()

	if err := r.SaveWalletRecords(ctx); err != nil {
		return "", err
	}

	return walletID, nil
}
