package application

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/walletd/internal/domain"
)

func TestWorkerOpenWalletRejectsForeignWallet(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A2", "S2")
	walletID := h.createWallet("A2", "S2")
	h.openSession("A1", "S1")

	h.send(`{"command":"openwallet","sessionid":"S1","accountid":"A1","correlationid":"C1","arguments":{"walletid":"` + walletID + `"}}`)

	resp := h.next()
	assert.Equal(t, "S1", resp.SessionID)
	assert.Equal(t, "C1", resp.CorrelationID)
	assert.Equal(t, "openWallet", resp.Command)
	assert.Equal(t, int(domain.CodeInvalidAccountForWallet), resp.Code())
	assert.Equal(t, "Invalid Account ID for given Wallet ID.", resp.Result["errorMessage"])
	assert.Zero(t, h.engine.Loads())
}

func TestWorkerOpenWalletFailures(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	walletID := h.createWallet("A1", "S1")

	h.sendCommand("openwallet", "S1", "A1", "C1", map[string]string{})
	assert.Equal(t, int(domain.CodeMissingWalletID), h.next().Code())

	h.sendCommand("openwallet", "S1", "A1", "C2", map[string]string{"walletid": "  "})
	assert.Equal(t, int(domain.CodeMissingWalletID), h.next().Code())

	h.engine.mu.Lock()
	h.engine.loadErr[h.registry.WalletPath(domain.WalletID(walletID))] = domain.ErrWalletLoadCorrupt
	h.engine.mu.Unlock()

	h.sendCommand("openwallet", "S1", "A1", "C3", map[string]string{"walletid": walletID})
	resp := h.next()
	assert.Equal(t, int(domain.CodeWalletFileNotFound), resp.Code())
	assert.Equal(t, "Open Wallet Error: Error loading wallet file: Wallet corrupted", resp.Result["errorMessage"])

	h.engine.mu.Lock()
	delete(h.engine.wallets, h.registry.WalletPath(domain.WalletID(walletID)))
	h.engine.mu.Unlock()

	h.sendCommand("openwallet", "S1", "A1", "C4", map[string]string{"walletid": walletID})
	resp = h.next()
	assert.Equal(t, int(domain.CodeWalletFileNotFound), resp.Code())
	assert.Equal(t, "Wallet file "+walletID+".dat does not exist on WalletServer.", resp.Result["errorMessage"])

	session, err := h.registry.Lookup("S1")
	require.NoError(t, err)
	assert.False(t, session.WalletOpen)
}

func TestWorkerOpenWalletTwice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	walletID := h.createWallet("A1", "S1")
	h.openWallet("A1", "S1", walletID)

	h.sendCommand("openwallet", "S1", "A1", "C2", map[string]string{"walletid": walletID})
	resp := h.next()
	assert.Equal(t, int(domain.CodeWalletAlreadyOpen), resp.Code())
	assert.Equal(t, "openwallet", resp.Command)

	session, err := h.registry.Lookup("S1")
	require.NoError(t, err)
	assert.True(t, session.WalletOpen)
}

func TestWorkerRequiresOpenWalletWithoutSideEffects(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	walletID := h.createWallet("A1", "S1")
	wallet := h.engine.wallet(h.registry.WalletPath(domain.WalletID(walletID)))

	for _, tc := range []struct {
		command string
		args    map[string]string
	}{
		{command: "getinfo", args: map[string]string{}},
		{command: "getaddresslist", args: map[string]string{}},
		{command: "sendtoaddress", args: map[string]string{"address": "Cdest", "amount": "1.5"}},
	} {
		h.sendCommand(tc.command, "S1", "A1", "C-"+tc.command, tc.args)
		resp := h.next()
		assert.Equal(t, int(domain.CodeWalletNotOpen), resp.Code(), tc.command)
		assert.Equal(t, tc.command, resp.Command)
	}

	assert.Zero(t, h.engine.Loads())
	assert.Empty(t, wallet.Sends())
	wallet.mu.Lock()
	assert.Zero(t, wallet.summaryHits)
	wallet.mu.Unlock()
}

func TestWorkerSendToAddressValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	walletID := h.createWallet("A1", "S1")
	h.openWallet("A1", "S1", walletID)
	wallet := h.engine.wallet(h.registry.WalletPath(domain.WalletID(walletID)))

	testCases := []struct {
		name string
		args map[string]string
		want domain.ErrorCode
	}{
		{name: "missing address", args: map[string]string{"amount": "1"}, want: domain.CodeInvalidAddress},
		{name: "bad address", args: map[string]string{"address": "Xnope", "amount": "1"}, want: domain.CodeInvalidAddress},
		{name: "zero amount", args: map[string]string{"address": "Cdest", "amount": "0"}, want: domain.CodeNonPositiveAmount},
		{name: "negative amount", args: map[string]string{"address": "Cdest", "amount": "-1"}, want: domain.CodeNonPositiveAmount},
		{name: "garbage amount", args: map[string]string{"address": "Cdest", "amount": "1.2.3"}, want: domain.CodeNonPositiveAmount},
		{name: "missing amount", args: map[string]string{"address": "Cdest"}, want: domain.CodeNonPositiveAmount},
		{name: "too precise", args: map[string]string{"address": "Cdest", "amount": "0.000000001"}, want: domain.CodeNonPositiveAmount},
	}

	for _, tc := range testCases {
		h.sendCommand("sendtoaddress", "S1", "A1", tc.name, tc.args)
		resp := h.next()
		assert.Equal(t, int(tc.want), resp.Code(), tc.name)
		assert.Equal(t, tc.name, resp.CorrelationID)
	}
	assert.Empty(t, wallet.Sends())
}

func TestWorkerSendToAddressPublishesTxidAndNotice(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	walletID := h.createWallet("A1", "S1")
	h.openWallet("A1", "S1", walletID)
	wallet := h.engine.wallet(h.registry.WalletPath(domain.WalletID(walletID)))

	h.sendCommand("sendtoaddress", "S1", "A1", "C-send", map[string]string{"address": "Cdest", "amount": "1.25", "comment": "rent"})

	notice := h.next()
	assert.Equal(t, "transaction", notice.Command)
	assert.Equal(t, "S1", notice.CorrelationID)
	assert.Equal(t, "SENT", notice.Result["transactiontype"])
	assert.Equal(t, "Cdest", notice.Result["address"])
	assert.Equal(t, "1.25", notice.Result["amount"])
	assert.Equal(t, "0.001", notice.Result["fee"])

	resp := h.next()
	require.Equal(t, 0, resp.Code())
	assert.Equal(t, "C-send", resp.CorrelationID)
	assert.Equal(t, "tx-1", resp.Result["txid"])

	require.Len(t, wallet.Sends(), 1)
	assert.Equal(t, sendCall{Address: "Cdest", Amount: 125_000_000, Comment: "rent"}, wallet.Sends()[0])
}

func TestWorkerSendFailureCarriesEngineMessage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	walletID := h.createWallet("A1", "S1")
	h.openWallet("A1", "S1", walletID)
	wallet := h.engine.wallet(h.registry.WalletPath(domain.WalletID(walletID)))
	wallet.mu.Lock()
	wallet.sendErr = domain.ErrInsufficientFunds
	wallet.mu.Unlock()

	h.sendCommand("sendtoaddress", "S1", "A1", "C1", map[string]string{"address": "Cdest", "amount": "5"})
	resp := h.next()
	assert.Equal(t, int(domain.CodeSendFailed), resp.Code())
	assert.Equal(t, "Error sending coins: insufficient funds", resp.Result["errorMessage"])
}

func TestWorkerReportsTxIDWhenSendReturnsLateError(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	walletID := h.createWallet("A1", "S1")
	h.openWallet("A1", "S1", walletID)
	wallet := h.engine.wallet(h.registry.WalletPath(domain.WalletID(walletID)))
	wallet.mu.Lock()
	wallet.afterSend = errors.New("write wallet file: disk full")
	wallet.mu.Unlock()

	h.sendCommand("sendtoaddress", "S1", "A1", "C1", map[string]string{"address": "Cdest", "amount": "2"})

	notice := h.next()
	assert.Equal(t, "transaction", notice.Command)
	assert.Equal(t, "SENT", notice.Result["transactiontype"])

	resp := h.next()
	require.Equal(t, 0, resp.Code())
	assert.Equal(t, "C1", resp.CorrelationID)
	assert.Equal(t, "tx-1", resp.Result["txid"])
}

func TestWorkerGetInfoAndAddressList(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	walletID := h.createWallet("A1", "S1")
	h.openWallet("A1", "S1", walletID)

	h.sendCommand("getinfo", "S1", "A1", "C1", map[string]string{})
	info := h.next()
	require.Equal(t, 0, info.Code())
	assert.Equal(t, float64(1000000), info.Result["version"])
	assert.Equal(t, float64(70001), info.Result["protocolversion"])
	assert.Equal(t, float64(10), info.Result["blocks"])
	assert.Equal(t, "500.00", info.Result["coinsupply"])
	assert.Equal(t, float64(2), info.Result["timeoffset"])
	assert.Equal(t, float64(8), info.Result["connections"])
	assert.Equal(t, 1.5, info.Result["difficulty"])
	assert.Equal(t, "C"+walletID, info.Result["defaultaddress"])
	assert.Equal(t, "0.00", info.Result["balance"])
	assert.Equal(t, "0.001", info.Result["paytxfee"])
	assert.Equal(t, float64(100), info.Result["keypoolsize"])
	assert.NotContains(t, info.Result, "unlocked_until")

	h.sendCommand("getaddresslist", "S1", "A1", "C2", map[string]string{})
	list := h.next()
	require.Equal(t, 0, list.Code())
	addresses, ok := list.Result["addresses"].([]any)
	require.True(t, ok)
	require.Len(t, addresses, 1)
	assert.Equal(t, map[string]any{"address": "C" + walletID, "balance": float64(0)}, addresses[0])
}

func TestWorkerCloseWalletAlwaysSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")

	h.sendCommand("closewallet", "S1", "A1", "C1", map[string]string{})
	resp := h.next()
	assert.Equal(t, 0, resp.Code())
	assert.Equal(t, "closewallet", resp.Command)

	walletID := h.createWallet("A1", "S1")
	h.openWallet("A1", "S1", walletID)
	wallet := h.engine.wallet(h.registry.WalletPath(domain.WalletID(walletID)))

	h.sendCommand("closewallet", "S1", "A1", "C2", map[string]string{})
	assert.Equal(t, 0, h.next().Code())

	h.sendCommand("getinfo", "S1", "A1", "C3", map[string]string{})
	assert.Equal(t, int(domain.CodeWalletNotOpen), h.next().Code())

	assert.Zero(t, wallet.Listeners())
	assert.Equal(t, 1, h.chain.Listeners(), "only the block publisher stays subscribed")
}

func TestWorkerUnknownCommand(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	h.sendCommand("dumpprivkey", "S1", "A1", "C1", map[string]string{})

	resp := h.next()
	assert.Equal(t, int(domain.CodeUnknownCommand), resp.Code())
	assert.Equal(t, "dumpprivkey", resp.Command)
}

func TestWorkerProcessesCloseSessionAfterQueuedCommands(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	walletID := h.createWallet("A1", "S1")
	h.openWallet("A1", "S1", walletID)

	h.server.mu.Lock()
	worker := h.server.workers["S1"]
	h.server.mu.Unlock()
	require.NotNil(t, worker)

	h.sendCommand("getinfo", "S1", "A1", "C-info", map[string]string{})
	h.sendCommand("closesession", "S1", "A1", "C-close", map[string]string{})

	first := h.next()
	assert.Equal(t, "getinfo", first.Command)
	assert.Equal(t, 0, first.Code())

	notice := h.next()
	assert.Equal(t, "closewallet", notice.Command)
	assert.Equal(t, "S1", notice.CorrelationID)

	confirm := h.next()
	assert.Equal(t, "closesession", confirm.Command)
	assert.Equal(t, "C-close", confirm.CorrelationID)
	assert.Equal(t, 0, confirm.Code())

	select {
	case <-worker.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not terminate")
	}
	require.Eventually(t, func() bool { return h.server.Workers() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, h.registry.IsNewAccount("A1"))

	h.sendCommand("getinfo", "S1", "A1", "C-late", map[string]string{})
	assert.Equal(t, int(domain.CodeNoSessionForAccount), h.next().Code())
}

func TestWorkerAppliesNewBlocksAndNotifiesReceipts(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	walletID := h.createWallet("A1", "S1")
	h.openWallet("A1", "S1", walletID)
	wallet := h.engine.wallet(h.registry.WalletPath(domain.WalletID(walletID)))

	block := h.chain.Mine(domain.Transaction{
		ID:      "tx-in",
		Time:    time.Unix(1700000900, 0),
		Outputs: []domain.TxOutput{{Address: "C" + walletID, Amount: 3 * domain.Coin}},
	})

	notice := h.next()
	assert.Equal(t, "transaction", notice.Command)
	assert.Equal(t, "RECEIVED", notice.Result["transactiontype"])
	assert.Equal(t, "tx-in", notice.Result["transactionid"])
	assert.Equal(t, float64(1700000900), notice.Result["transactiontime"])
	assert.Equal(t, "3.00", notice.Result["amount"])
	assert.NotContains(t, notice.Result, "fee")

	require.Eventually(t, func() bool { return wallet.Checkpoint() == block.Checkpoint() }, 2*time.Second, 10*time.Millisecond)

	select {
	case body := <-h.blocks:
		var summary map[string]any
		require.NoError(t, json.Unmarshal(body, &summary))
		assert.Equal(t, block.Hash, summary["hash"])
		assert.Equal(t, float64(block.Height), summary["height"])
		assert.Equal(t, []any{"tx-in"}, summary["tx"])
	case <-time.After(2 * time.Second):
		t.Fatal("no block notification")
	}
}

func TestWorkerRescansWhenWalletTrailsChain(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	walletID := h.createWallet("A1", "S1")
	wallet := h.engine.wallet(h.registry.WalletPath(domain.WalletID(walletID)))
	assert.Equal(t, int64(10), wallet.Checkpoint().Height)

	h.chain.Mine()
	tip := h.chain.Mine().Checkpoint()

	h.openWallet("A1", "S1", walletID)

	wallet.mu.Lock()
	rescans := append([]domain.Checkpoint(nil), wallet.rescans...)
	wallet.mu.Unlock()
	require.Len(t, rescans, 1)
	assert.Equal(t, int64(10), rescans[0].Height)
	assert.Equal(t, tip, wallet.Checkpoint())
}

func TestWorkerIgnoresCommandsForOtherSessions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.openSession("A1", "S1")
	require.NoError(t, h.registry.Enqueue("S1", domain.NewCommand("A1", "S2", "C1", "getinfo", map[string]string{})))
	h.expectSilence(100 * time.Millisecond)

	_, err := h.registry.Lookup("S1")
	require.NoError(t, err)
}
