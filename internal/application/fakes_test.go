package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	tomlrepo "github.com/bnema/walletd/internal/adapters/repo/toml"
	secretsfile "github.com/bnema/walletd/internal/adapters/secrets/file"
	"github.com/bnema/walletd/internal/adapters/transport/membus"
	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/ports"
)

const (
	commandsQueue  = "/queue/WalletCmdIn"
	responsesQueue = "/queue/WalletCmdOut"
	sessionsQueue  = "/queue/WalletSessionIn"
	blocksTopic    = "/topic/Blocks"
)

func mockAnyContext() interface{} {
	return mock.Anything
}

type sendCall struct {
	Address string
	Amount  domain.Amount
	Comment string
}

type fakeWallet struct {
	mu          sync.Mutex
	balances    []domain.AddressBalance
	genesis     domain.Checkpoint
	checkpoint  domain.Checkpoint
	rescans     []domain.Checkpoint
	applied     []int64
	sends       []sendCall
	sendErr     error
	afterSend   error
	listeners   map[int]func(domain.TransactionNotice)
	nextID      int
	closed      bool
	summaryHits int
}

func (w *fakeWallet) Summary() domain.WalletSummary {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.summaryHits++

	var total domain.Amount
	for _, b := range w.balances {
		total += b.Balance
	}
	return domain.WalletSummary{
		Version:        60000,
		DefaultAddress: w.balances[0].Address,
		Balance:        total,
		KeyPoolSize:    100,
	}
}

func (w *fakeWallet) AddressBalances() []domain.AddressBalance {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.AddressBalance(nil), w.balances...)
}

func (w *fakeWallet) Send(_ context.Context, address string, amount domain.Amount, comment string) (string, error) {
	w.mu.Lock()
	w.sends = append(w.sends, sendCall{Address: address, Amount: amount, Comment: comment})
	err := w.sendErr
	afterSend := w.afterSend
	listeners := w.snapshotListeners()
	w.mu.Unlock()

	if err != nil {
		return "", err
	}
	txid := fmt.Sprintf("tx-%d", len(w.sends))
	for _, fn := range listeners {
		fn(domain.TransactionNotice{TxID: txid, Time: time.Unix(1700000000, 0), Kind: domain.TransactionSent, Address: address, Amount: amount})
	}
	return txid, afterSend
}

func (w *fakeWallet) SubscribeTransactionChanged(fn func(domain.TransactionNotice)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.listeners == nil {
		w.listeners = make(map[int]func(domain.TransactionNotice))
	}
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.listeners, id)
	}
}

func (w *fakeWallet) snapshotListeners() []func(domain.TransactionNotice) {
	fns := make([]func(domain.TransactionNotice), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func (w *fakeWallet) GenesisCheckpoint() domain.Checkpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.genesis
}

func (w *fakeWallet) Checkpoint() domain.Checkpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint
}

func (w *fakeWallet) Rescan(_ context.Context, from domain.Checkpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rescans = append(w.rescans, from)
	return nil
}

func (w *fakeWallet) SetCheckpoint(cp domain.Checkpoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checkpoint = cp
	return nil
}

func (w *fakeWallet) ApplyBlock(block domain.Block) (int, error) {
	w.mu.Lock()
	w.applied = append(w.applied, block.Height)
	var notices []domain.TransactionNotice
	for _, tx := range block.Transactions {
		for _, out := range tx.Outputs {
			for i, b := range w.balances {
				if b.Address == out.Address {
					w.balances[i].Balance += out.Amount
					notices = append(notices, domain.TransactionNotice{TxID: tx.ID, Time: tx.Time, Kind: domain.TransactionReceived, Address: out.Address, Amount: out.Amount})
				}
			}
		}
	}
	listeners := w.snapshotListeners()
	w.mu.Unlock()

	for _, notice := range notices {
		for _, fn := range listeners {
			fn(notice)
		}
	}
	return len(notices), nil
}

func (w *fakeWallet) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWallet) Sends() []sendCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]sendCall(nil), w.sends...)
}

func (w *fakeWallet) Listeners() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.listeners)
}

type fakeEngine struct {
	mu      sync.Mutex
	wallets map[string]*fakeWallet
	secrets map[string]string
	loadErr map[string]error
	loads   int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		wallets: make(map[string]*fakeWallet),
		secrets: make(map[string]string),
		loadErr: make(map[string]error),
	}
}

func (e *fakeEngine) Create(_ context.Context, path string, _ string, head domain.Checkpoint) (ports.WalletHandle, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.wallets[path]; ok {
		return nil, "", domain.ErrWalletFileConflict
	}
	w := &fakeWallet{
		balances:   []domain.AddressBalance{{Address: "C" + strings.TrimSuffix(filepath.Base(path), ".dat"), Balance: 0}},
		genesis:    head,
		checkpoint: head,
	}
	secret := "secret-" + filepath.Base(path)
	e.wallets[path] = w
	e.secrets[path] = secret
	return w, secret, nil
}

func (e *fakeEngine) Load(_ context.Context, path string, serverSecret string) (ports.WalletHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.loads++
	if err := e.loadErr[path]; err != nil {
		return nil, err
	}
	w, ok := e.wallets[path]
	if !ok {
		return nil, domain.ErrWalletNotFound
	}
	if e.secrets[path] != serverSecret {
		return nil, domain.ErrWalletLoadCorrupt
	}
	w.mu.Lock()
	w.closed = false
	w.mu.Unlock()
	return w, nil
}

func (e *fakeEngine) Exists(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.wallets[path]
	return ok
}

func (e *fakeEngine) ValidateAddress(address string) error {
	if !strings.HasPrefix(address, "C") || len(address) < 3 {
		return domain.ErrInvalidAddress
	}
	return nil
}

func (e *fakeEngine) Params() domain.EngineParams {
	return domain.EngineParams{ClientVersion: 1000000, ProtocolVersion: 70001, MinTxFee: domain.Cent / 10, MinInput: 1}
}

func (e *fakeEngine) wallet(path string) *fakeWallet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wallets[path]
}

func (e *fakeEngine) Loads() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loads
}

type fakeChain struct {
	mu        sync.Mutex
	blocks    []domain.Block
	listeners map[int]func(domain.Checkpoint)
	nextID    int
}

func newFakeChain(height int) *fakeChain {
	c := &fakeChain{listeners: make(map[int]func(domain.Checkpoint))}
	for i := 0; i <= height; i++ {
		c.appendLocked(nil)
	}
	return c
}

func (c *fakeChain) appendLocked(txs []domain.Transaction) domain.Block {
	height := int64(len(c.blocks))
	prev := ""
	if height > 0 {
		prev = c.blocks[height-1].Hash
	}
	block := domain.Block{
		Hash:         fmt.Sprintf("block-%d", height),
		PrevHash:     prev,
		Height:       height,
		Time:         time.Unix(1700000000+height*60, 0),
		Difficulty:   1.5,
		Transactions: txs,
	}
	c.blocks = append(c.blocks, block)
	return block
}

func (c *fakeChain) Mine(txs ...domain.Transaction) domain.Block {
	c.mu.Lock()
	block := c.appendLocked(txs)
	fns := make([]func(domain.Checkpoint), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(block.Checkpoint())
	}
	return block
}

func (c *fakeChain) BestHeight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.blocks) - 1)
}

func (c *fakeChain) BestBlockHash() string {
	return c.Tip().Hash
}

func (c *fakeChain) Tip() domain.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[len(c.blocks)-1].Checkpoint()
}

func (c *fakeChain) BlockAt(_ context.Context, hash string) (domain.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range c.blocks {
		if b.Hash == hash {
			return b, nil
		}
	}
	return domain.Block{}, errors.New("block not found")
}

func (c *fakeChain) BlockHashAt(height int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height < 0 || height >= int64(len(c.blocks)) {
		return "", errors.New("height out of range")
	}
	return c.blocks[height].Hash, nil
}

func (c *fakeChain) Difficulty() float64 { return 1.5 }

func (c *fakeChain) TotalCoinSupply(height int64) domain.Amount {
	return domain.Amount(height) * 50 * domain.Coin
}

func (c *fakeChain) PeerCount() int { return 8 }

func (c *fakeChain) TimeOffset() time.Duration { return 2 * time.Second }

func (c *fakeChain) SubscribeTip(fn func(domain.Checkpoint)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *fakeChain) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

type wireResponse struct {
	SessionID     string         `json:"sessionid"`
	CorrelationID string         `json:"correlationid"`
	Command       string         `json:"command"`
	Result        map[string]any `json:"result"`
}

func (r wireResponse) Code() int {
	code, _ := r.Result["errorCode"].(float64)
	return int(code)
}

type harness struct {
	t         *testing.T
	broker    *membus.Broker
	registry  *Registry
	server    *Server
	engine    *fakeEngine
	chain     *fakeChain
	client    ports.Transport
	responses chan wireResponse
	blocks    chan []byte
	dataDir   string
}

func newTestRegistry(t *testing.T, dataDir string, engine ports.WalletEngine, chain ports.ChainIndex, opts ...RegistryOption) *Registry {
	t.Helper()

	cfg := viper.New()
	cfg.Set(tomlrepo.WalletsPathKey, filepath.Join(dataDir, "walletserver.toml"))
	repo, err := tomlrepo.NewRepository(cfg)
	require.NoError(t, err)
	store := secretsfile.NewStore(filepath.Join(dataDir, "secrets"))

	return NewRegistry(repo, store, engine, chain, filepath.Join(dataDir, "wallets"), opts...)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithDialer(t, nil)
}

// newHarnessWithDialer lets wrap replace the dialer the server uses; the test
// client always dials the broker directly.
func newHarnessWithDialer(t *testing.T, wrap func(*membus.Broker) ports.Dialer) *harness {
	t.Helper()

	dataDir := t.TempDir()
	engine := newFakeEngine()
	chain := newFakeChain(10)
	broker := membus.NewBroker()
	registry := newTestRegistry(t, dataDir, engine, chain)
	var dialer ports.Dialer = broker
	if wrap != nil {
		dialer = wrap(broker)
	}

	server := NewServer(ServerConfig{
		CommandsQueue:  commandsQueue,
		ResponsesQueue: responsesQueue,
		SessionsQueue:  sessionsQueue,
		BlocksTopic:    blocksTopic,
	}, ServerDeps{
		Registry: registry,
		Dialer:   dialer,
		Engine:   engine,
		Chain:    chain,
	})
	require.NoError(t, server.Start(context.Background()))

	client, err := broker.Dial(context.Background())
	require.NoError(t, err)

	h := &harness{
		t:         t,
		broker:    broker,
		registry:  registry,
		server:    server,
		engine:    engine,
		chain:     chain,
		client:    client,
		responses: make(chan wireResponse, 256),
		blocks:    make(chan []byte, 64),
		dataDir:   dataDir,
	}
	require.NoError(t, client.Subscribe(responsesQueue, func(msg ports.Message) {
		var resp wireResponse
		if assert.NoError(t, json.Unmarshal(msg.Body, &resp)) {
			h.responses <- resp
		}
	}))
	require.NoError(t, client.Subscribe(blocksTopic, func(msg ports.Message) {
		h.blocks <- msg.Body
	}))

	t.Cleanup(func() {
		_ = server.Stop(context.Background())
		_ = client.Close()
	})

	return h
}

func (h *harness) openSession(accountID, sessionID string) {
	h.t.Helper()
	require.NoError(h.t, h.server.OpenSession(context.Background(), domain.AccountID(accountID), domain.SessionID(sessionID)))
}

func (h *harness) send(body string) {
	h.t.Helper()
	require.NoError(h.t, h.client.Publish(context.Background(), commandsQueue, nil, []byte(body)))
}

func (h *harness) sendCommand(command, sessionID, accountID, correlationID string, args map[string]string) {
	h.t.Helper()

	envelope := map[string]any{
		"command":       command,
		"sessionid":     sessionID,
		"accountid":     accountID,
		"correlationid": correlationID,
	}
	if args != nil {
		envelope["arguments"] = args
	}
	body, err := json.Marshal(envelope)
	require.NoError(h.t, err)
	h.send(string(body))
}

func (h *harness) next() wireResponse {
	h.t.Helper()

	select {
	case resp := <-h.responses:
		return resp
	case <-time.After(3 * time.Second):
		h.t.Fatal("timed out waiting for response")
		return wireResponse{}
	}
}

func (h *harness) expectSilence(d time.Duration) {
	h.t.Helper()

	select {
	case resp := <-h.responses:
		h.t.Fatalf("unexpected response %+v", resp)
	case <-time.After(d):
	}
}

// createWallet goes through the router so the wallet is owned by accountID.
func (h *harness) createWallet(accountID, sessionID string) string {
	h.t.Helper()

	h.sendCommand("createwallet", sessionID, accountID, "create-"+accountID, map[string]string{"passphrase": "pw"})
	resp := h.next()
	require.Equal(h.t, 0, resp.Code(), "create wallet: %v", resp.Result)
	walletID, _ := resp.Result["walletid"].(string)
	require.NotEmpty(h.t, walletID)
	return walletID
}

func (h *harness) openWallet(accountID, sessionID, walletID string) {
	h.t.Helper()

	h.sendCommand("openwallet", sessionID, accountID, "open-"+walletID, map[string]string{"walletid": walletID})
	resp := h.next()
	require.Equal(h.t, 0, resp.Code(), "open wallet: %v", resp.Result)
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type slowCloseDialer struct {
	ports.Dialer
	delay time.Duration
}

func (d slowCloseDialer) Dial(ctx context.Context) (ports.Transport, error) {
	transport, err := d.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return slowCloseTransport{Transport: transport, delay: d.delay}, nil
}

type slowCloseTransport struct {
	ports.Transport
	delay time.Duration
}

func (t slowCloseTransport) Close() error {
	time.Sleep(t.delay)
	return t.Transport.Close()
}

type recordingDialer struct {
	ports.Dialer

	mu     sync.Mutex
	dialed []*recordingTransport
}

func (d *recordingDialer) Dial(ctx context.Context) (ports.Transport, error) {
	transport, err := d.Dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	recorded := &recordingTransport{Transport: transport}
	d.mu.Lock()
	d.dialed = append(d.dialed, recorded)
	d.mu.Unlock()
	return recorded, nil
}

func (d *recordingDialer) Transports() []*recordingTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*recordingTransport(nil), d.dialed...)
}

type recordingTransport struct {
	ports.Transport

	mu        sync.Mutex
	published map[string]int
	closed    bool
}

func (t *recordingTransport) Publish(ctx context.Context, destination string, headers map[string]string, body []byte) error {
	t.mu.Lock()
	if t.published == nil {
		t.published = map[string]int{}
	}
	t.published[destination]++
	t.mu.Unlock()
	return t.Transport.Publish(ctx, destination, headers, body)
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.Transport.Close()
}

func (t *recordingTransport) Published(destination string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published[destination]
}

func (t *recordingTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
