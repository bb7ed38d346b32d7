package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/platform/metrics"
	"github.com/bnema/walletd/internal/platform/ratelimiter"
	"github.com/bnema/walletd/internal/ports"
)

// Router is the single consumer of the inbound command channel. It answers
// session level failures and createwallet itself and queues everything else
// for the owning session worker.
type Router struct {
	registry  *Registry
	out       ports.Publisher
	responses string
	limiter   *ratelimiter.Limiter
	clock     ports.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type RouterConfig struct {
	ResponsesQueue string
	Limiter        *ratelimiter.Limiter
	Clock          ports.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

func NewRouter(registry *Registry, out ports.Publisher, cfg RouterConfig) *Router {
	if cfg.Clock == nil {
		cfg.Clock = ports.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Router{
		registry:  registry,
		out:       out,
		responses: cfg.ResponsesQueue,
		limiter:   cfg.Limiter,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "router"),
		metrics:   cfg.Metrics,
	}
}

func (r *Router) HandleMessage(ctx context.Context, body []byte) {
	msg, err := decodeInbound(body)
	switch {
	case errors.Is(err, errArgumentsInvalid):
		r.reply(ctx, newResponse(msg.SessionID, msg.CorrelationID, msg.Command, domain.CodeUnparsableMessage, domain.CodeUnparsableMessage.Message(), nil))
		return
	case err != nil:
		r.logger.Warn("drop inbound message", "reason", "invalid envelope", "bytes", len(body), "error", err)
		r.metrics.Dropped("invalid_envelope")
		return
	}

	if !r.limiter.Allow(string(msg.AccountID), r.clock.Now()) {
		r.logger.Warn("reject inbound message", "reason", "rate limited", "account_id", msg.AccountID, "command", msg.Command)
		r.reply(ctx, newResponse(msg.SessionID, msg.CorrelationID, msg.Command, domain.CodeRateLimited, domain.CodeRateLimited.Message(), nil))
		return
	}

	cmd := domain.NewCommand(msg.AccountID, msg.SessionID, msg.CorrelationID, msg.Command, msg.Arguments)

	session, err := r.registry.LookupAccount(msg.AccountID)
	if err != nil {
		r.reply(ctx, errorResponse(cmd, domain.CodeNoSessionForAccount))
		return
	}
	if session.ID != msg.SessionID {
		r.reply(ctx, errorResponse(cmd, domain.CodeSessionIDMismatch))
		return
	}
	r.registry.Touch(session.ID)

	if cmd.Name == domain.CommandCreateWallet {
		r.createWallet(ctx, cmd)
		return
	}

	if msg.Arguments == nil {
		r.reply(ctx, errorResponse(cmd, domain.CodeMissingArguments))
		return
	}

	if err := r.registry.Enqueue(session.ID, cmd); err != nil {
		r.logger.Warn("drop inbound message", "reason", "queue not found", "session_id", session.ID, "command", msg.Command, "error", err)
		r.metrics.Dropped("queue_not_found")
		return
	}
	r.logger.Debug("command queued", "session_id", session.ID, "command", msg.Command, "correlation_id", msg.CorrelationID)
}

func (r *Router) createWallet(ctx context.Context, cmd domain.Command) {
	args, ok := cmd.CreateWalletArgs()
	if !ok {
		r.reply(ctx, errorResponse(cmd, domain.CodeMissingPassphrase))
		return
	}

	walletID, err := r.registry.CreateWallet(ctx, cmd.AccountID, args.Passphrase)
	if err != nil {
		r.logger.Error("create wallet failed", "account_id", cmd.AccountID, "error", err)
		r.reply(ctx, newResponse(cmd.SessionID, cmd.CorrelationID, cmd.ReplyName(), domain.CodeCreateWalletFailed, err.Error(), nil))
		return
	}

	r.metrics.WalletCreated()
	r.logger.Info("wallet created", "account_id", cmd.AccountID, "wallet_id", walletID)
	r.reply(ctx, successResponse(cmd, Result{"walletid": string(walletID)}))
}

func (r *Router) reply(ctx context.Context, resp Response) {
	r.metrics.ObserveCommand(commandLabel(resp.Command), int(resp.Code()))

	body, err := resp.Marshal()
	if err != nil {
		r.logger.Error("encode response", "command", resp.Command, "error", err)
		return
	}
	if err := r.out.Publish(ctx, r.responses, publishHeaders(), body); err != nil {
		r.logger.Warn("publish response", "command", resp.Command, "session_id", resp.SessionID, "error", err)
		r.metrics.PublishFailed("router")
	}
}
