package application

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/platform/cmdqueue"
	"github.com/bnema/walletd/internal/platform/metrics"
	"github.com/bnema/walletd/internal/ports"
)

const openWalletReplyName = "openWallet"

type workerState int

const (
	stateClosed workerState = iota
	stateOpen
	stateTerminated
)

// SessionWorker is the only consumer of one session's queue and the only
// owner of that session's wallet handle and transport.
type SessionWorker struct {
	session   domain.Session
	queue     *cmdqueue.Queue[domain.Command]
	registry  *Registry
	engine    ports.WalletEngine
	chain     ports.ChainIndex
	transport ports.Transport
	responses string
	logger    *slog.Logger
	metrics   *metrics.Metrics
	clock     ports.Clock

	done     chan struct{}
	doneOnce sync.Once

	state       workerState
	walletID    domain.WalletID
	wallet      ports.WalletHandle
	unsubscribe []func()
}

type WorkerDeps struct {
	Registry       *Registry
	Engine         ports.WalletEngine
	Chain          ports.ChainIndex
	Transport      ports.Transport
	ResponsesQueue string
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
	Clock          ports.Clock
}

func NewSessionWorker(session domain.Session, queue *cmdqueue.Queue[domain.Command], deps WorkerDeps) *SessionWorker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}

	return &SessionWorker{
		session:   session,
		queue:     queue,
		registry:  deps.Registry,
		engine:    deps.Engine,
		chain:     deps.Chain,
		transport: deps.Transport,
		responses: deps.ResponsesQueue,
		logger:    deps.Logger.With("session_id", session.ID, "account_id", session.AccountID),
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		done:      make(chan struct{}),
	}
}

// Done is closed once the worker has finished its closesession handling or
// has been cancelled.
func (w *SessionWorker) Done() <-chan struct{} {
	return w.done
}

func (w *SessionWorker) Run(ctx context.Context) {
	defer w.finish()

	w.logger.Info("session worker started")
	for w.state != stateTerminated {
		if ctx.Err() != nil {
			return
		}
		cmd, err := w.queue.Pop(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, cmdqueue.ErrClosed) {
				w.logger.Warn("session queue failed", "error", err)
			}
			return
		}
		w.execute(ctx, cmd)
	}
}

func (w *SessionWorker) finish() {
	w.releaseWallet()
	if w.transport != nil {
		if err := w.transport.Close(); err != nil {
			w.logger.Warn("close session transport", "error", err)
		}
	}
	w.state = stateTerminated
	w.doneOnce.Do(func() { close(w.done) })
	w.logger.Info("session worker stopped")
}

func (w *SessionWorker) execute(ctx context.Context, cmd domain.Command) {
	if cmd.SessionID != w.session.ID {
		w.logger.Warn("command for another session ignored", "command_session_id", cmd.SessionID)
		return
	}

	start := w.clock.Now()
	defer func() {
		w.metrics.ObserveDuration(commandLabel(string(cmd.Name)), w.clock.Now().Sub(start))
	}()
	w.logger.Debug("execute command", "command", cmd.Name, "origin", cmd.Origin, "correlation_id", cmd.CorrelationID)

	if cmd.Origin == domain.OriginChain && cmd.Name == domain.CommandBlocksChanged {
		w.blocksChanged(ctx, cmd.Tip)
		return
	}

	switch cmd.Name {
	case domain.CommandOpenWallet:
		if w.state == stateOpen {
			w.publish(ctx, errorResponse(cmd, domain.CodeWalletAlreadyOpen))
			return
		}
		w.openWallet(ctx, cmd)
	case domain.CommandCloseWallet:
		w.releaseWallet()
		w.publish(ctx, successResponse(cmd, nil))
	case domain.CommandGetInfo:
		if !w.requireOpen(ctx, cmd) {
			return
		}
		w.publish(ctx, successResponse(cmd, w.walletInfo()))
	case domain.CommandGetAddressList:
		if !w.requireOpen(ctx, cmd) {
			return
		}
		w.publish(ctx, successResponse(cmd, Result{"addresses": w.addressList()}))
	case domain.CommandSendToAddress:
		if !w.requireOpen(ctx, cmd) {
			return
		}
		w.sendToAddress(ctx, cmd)
	case domain.CommandCloseSession:
		w.closeSession(ctx, cmd)
	default:
		w.logger.Info("unknown command", "command", cmd.RawName)
		w.publish(ctx, errorResponse(cmd, domain.CodeUnknownCommand))
	}
}

func (w *SessionWorker) requireOpen(ctx context.Context, cmd domain.Command) bool {
	if w.state == stateOpen {
		return true
	}
	w.publish(ctx, errorResponse(cmd, domain.CodeWalletNotOpen))
	return false
}

func (w *SessionWorker) openWallet(ctx context.Context, cmd domain.Command) {
	cmd.RawName = openWalletReplyName

	args, ok := cmd.OpenWalletArgs()
	if !ok {
		w.publish(ctx, errorResponse(cmd, domain.CodeMissingWalletID))
		return
	}
	if !w.registry.IsWalletOwnedBy(args.WalletID, cmd.AccountID) {
		w.publish(ctx, errorResponse(cmd, domain.CodeInvalidAccountForWallet))
		return
	}

	fileName := string(args.WalletID) + walletFileExt
	path := w.registry.WalletPath(args.WalletID)
	if !w.engine.Exists(path) {
		w.publishOpenFailure(ctx, cmd, "Wallet file "+fileName+" does not exist on WalletServer.")
		return
	}

	secret, ok := w.registry.Secret(args.WalletID)
	if !ok {
		w.logger.Warn("wallet has no server secret", "wallet_id", args.WalletID)
		w.publishOpenFailure(ctx, cmd, "Open Wallet Error: Error loading "+fileName)
		return
	}

	handle, err := w.engine.Load(ctx, path, secret)
	if err != nil {
		w.logger.Warn("load wallet failed", "wallet_id", args.WalletID, "error", err)
		w.publishOpenFailure(ctx, cmd, "Open Wallet Error: "+loadFailureText(err, fileName))
		return
	}

	w.wallet = handle
	w.walletID = args.WalletID
	w.state = stateOpen
	w.unsubscribe = append(w.unsubscribe, handle.SubscribeTransactionChanged(func(notice domain.TransactionNotice) {
		w.publishTransaction(ctx, notice)
	}))
	w.registry.SetWalletOpen(w.session.ID, true)
	w.metrics.WalletOpened()

	w.catchUp(ctx)

	w.unsubscribe = append(w.unsubscribe, w.chain.SubscribeTip(func(tip domain.Checkpoint) {
		_ = w.queue.Push(domain.BlocksChangedCommand(w.session, tip))
	}))

	w.logger.Info("wallet opened", "wallet_id", w.walletID, "checkpoint_height", w.wallet.Checkpoint().Height)
	w.publish(ctx, successResponse(cmd, nil))
}

func (w *SessionWorker) publishOpenFailure(ctx context.Context, cmd domain.Command, message string) {
	w.publish(ctx, newResponse(cmd.SessionID, cmd.CorrelationID, cmd.ReplyName(), domain.CodeWalletFileNotFound, message, nil))
}

func loadFailureText(err error, fileName string) string {
	switch {
	case errors.Is(err, domain.ErrWalletLoadCorrupt):
		return "Error loading wallet file: Wallet corrupted"
	case errors.Is(err, domain.ErrWalletLoadNeedsUpgrade):
		return "Error loading wallet file: Wallet requires newer version of walletd"
	case errors.Is(err, domain.ErrWalletLoadNeedsRewrite):
		return "Wallet needed to be rewritten: open the wallet again to complete"
	default:
		return "Error loading " + fileName
	}
}

// catchUp rescans from the later of the wallet genesis and its last checkpoint
// when the chain has moved on since the wallet was last synchronized.
func (w *SessionWorker) catchUp(ctx context.Context) {
	tip := w.chain.Tip()
	genesis := w.wallet.GenesisCheckpoint()
	from := w.wallet.Checkpoint()
	if from.IsZero() {
		from = genesis
	}
	if tip.Height <= from.Height {
		return
	}
	if genesis.Height > from.Height {
		from = genesis
	}

	w.logger.Info("rescanning wallet", "wallet_id", w.walletID, "from_height", from.Height, "blocks", tip.Height-from.Height)
	if err := w.wallet.Rescan(ctx, from); err != nil {
		w.logger.Warn("rescan wallet", "wallet_id", w.walletID, "error", err)
		return
	}
	if err := w.wallet.SetCheckpoint(tip); err != nil {
		w.logger.Warn("set wallet checkpoint", "wallet_id", w.walletID, "error", err)
	}
}

func (w *SessionWorker) blocksChanged(ctx context.Context, tip domain.Checkpoint) {
	if w.state != stateOpen {
		return
	}

	current := w.wallet.Checkpoint()
	for height := current.Height + 1; height <= tip.Height; height++ {
		hash, err := w.chain.BlockHashAt(height)
		if err != nil {
			w.logger.Warn("resolve block hash", "height", height, "error", err)
			return
		}
		block, err := w.chain.BlockAt(ctx, hash)
		if err != nil {
			w.logger.Warn("load block", "hash", hash, "error", err)
			return
		}
		relevant, err := w.wallet.ApplyBlock(block)
		if err != nil {
			w.logger.Warn("apply block", "height", height, "error", err)
			return
		}
		if err := w.wallet.SetCheckpoint(block.Checkpoint()); err != nil {
			w.logger.Warn("set wallet checkpoint", "height", height, "error", err)
			return
		}
		if relevant > 0 {
			w.logger.Debug("block applied", "height", height, "relevant_transactions", relevant)
		}
	}
}

func (w *SessionWorker) walletInfo() Result {
	params := w.engine.Params()
	height := w.chain.BestHeight()
	summary := w.wallet.Summary()

	info := Result{
		"version":            params.ClientVersion,
		"protocolversion":    params.ProtocolVersion,
		"blocks":             height,
		"coinsupply":         w.chain.TotalCoinSupply(height).String(),
		"timeoffset":         int64(w.chain.TimeOffset() / time.Second),
		"connections":        w.chain.PeerCount(),
		"difficulty":         w.chain.Difficulty(),
		"walletversion":      summary.Version,
		"defaultaddress":     summary.DefaultAddress,
		"balance":            summary.Balance.String(),
		"unconfirmedbalance": summary.Unconfirmed.String(),
		"addresses":          w.addressList(),
		"keypoololdest":      unixOrZero(summary.KeyPoolOldest),
		"keypoolsize":        summary.KeyPoolSize,
		"paytxfee":           params.MinTxFee.String(),
		"mininput":           params.MinInput.String(),
	}
	if summary.Encrypted {
		info["unlocked_until"] = unixOrZero(summary.UnlockedUntil)
	}

	return info
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

type addressEntry struct {
	Address string  `json:"address"`
	Balance float64 `json:"balance"`
}

func (w *SessionWorker) addressList() []addressEntry {
	balances := w.wallet.AddressBalances()
	entries := make([]addressEntry, 0, len(balances))
	for _, b := range balances {
		entries = append(entries, addressEntry{Address: b.Address, Balance: b.Balance.Float64()})
	}
	return entries
}

func (w *SessionWorker) sendToAddress(ctx context.Context, cmd domain.Command) {
	args := cmd.SendToAddressArgs()
	if args.Address == "" || w.engine.ValidateAddress(args.Address) != nil {
		w.publish(ctx, errorResponse(cmd, domain.CodeInvalidAddress))
		return
	}

	amount, err := domain.ParseAmount(args.Amount)
	if err != nil || amount <= 0 {
		w.publish(ctx, errorResponse(cmd, domain.CodeNonPositiveAmount))
		return
	}

	txid, err := w.wallet.Send(ctx, args.Address, amount, args.Comment)
	if err != nil && txid != "" {
		w.logger.Warn("coins sent with wallet error", "wallet_id", w.walletID, "txid", txid, "error", err)
	} else if err != nil {
		w.logger.Warn("send coins failed", "wallet_id", w.walletID, "error", err)
		w.publish(ctx, newResponse(cmd.SessionID, cmd.CorrelationID, cmd.ReplyName(), domain.CodeSendFailed, "Error sending coins: "+err.Error(), nil))
		return
	}

	w.logger.Info("coins sent", "wallet_id", w.walletID, "txid", txid)
	w.publish(ctx, successResponse(cmd, Result{"txid": txid}))
}

// closeSession publishes the closewallet notice when a wallet was open, then
// the closesession confirmation, and terminates the worker.
func (w *SessionWorker) closeSession(ctx context.Context, cmd domain.Command) {
	if w.state == stateOpen {
		w.releaseWallet()
		w.publish(ctx, newResponse(w.session.ID, string(w.session.ID), string(domain.CommandCloseWallet), domain.CodeOK, "", nil))
	}

	w.publish(ctx, successResponse(cmd, nil))
	w.registry.Remove(w.session.ID)
	w.state = stateTerminated
	w.logger.Info("session closed", "origin", cmd.Origin)
}

func (w *SessionWorker) releaseWallet() {
	for _, unsubscribe := range w.unsubscribe {
		unsubscribe()
	}
	w.unsubscribe = nil

	if w.wallet == nil {
		if w.state == stateOpen {
			w.state = stateClosed
		}
		return
	}

	if err := w.wallet.Close(); err != nil {
		w.logger.Warn("close wallet", "wallet_id", w.walletID, "error", err)
	}
	w.logger.Info("wallet closed", "wallet_id", w.walletID)
	w.wallet = nil
	w.walletID = ""
	w.state = stateClosed
	w.registry.SetWalletOpen(w.session.ID, false)
	w.metrics.WalletClosed()
}

func (w *SessionWorker) publishTransaction(ctx context.Context, notice domain.TransactionNotice) {
	result := Result{
		"transactionid":   notice.TxID,
		"transactiontime": notice.Time.Unix(),
		"transactiontype": string(notice.Kind),
		"address":         notice.Address,
		"amount":          notice.Amount.String(),
	}
	if notice.Kind == domain.TransactionSent {
		fee := notice.Fee
		if minFee := w.engine.Params().MinTxFee; fee < minFee {
			fee = minFee
		}
		result["fee"] = fee.String()
	}

	w.metrics.Notified(string(domain.CommandTransaction))
	w.publish(ctx, newResponse(w.session.ID, string(w.session.ID), string(domain.CommandTransaction), domain.CodeOK, "", result))
}

func (w *SessionWorker) publish(ctx context.Context, resp Response) {
	w.metrics.ObserveCommand(commandLabel(resp.Command), int(resp.Code()))
	w.registry.Touch(w.session.ID)

	body, err := resp.Marshal()
	if err != nil {
		w.logger.Error("encode response", "command", resp.Command, "error", err)
		return
	}
	if err := w.transport.Publish(ctx, w.responses, publishHeaders(), body); err != nil {
		w.logger.Warn("publish response", "command", resp.Command, "error", err)
		w.metrics.PublishFailed("worker")
	}
}
