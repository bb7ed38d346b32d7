package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/platform/cmdqueue"
	"github.com/bnema/walletd/internal/platform/metrics"
	"github.com/bnema/walletd/internal/platform/ratelimiter"
	"github.com/bnema/walletd/internal/ports"
)

var ErrServerNotRunning = errors.New("wallet server is not running")

type ServerConfig struct {
	CommandsQueue  string
	ResponsesQueue string
	SessionsQueue  string
	BlocksTopic    string
	Limiter        *ratelimiter.Limiter
}

type Server struct {
	cfg      ServerConfig
	registry *Registry
	dialer   ports.Dialer
	engine   ports.WalletEngine
	chain    ports.ChainIndex
	clock    ports.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	running   bool
	transport ports.Transport
	router    *Router
	workers   map[domain.SessionID]*SessionWorker
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	runCtx    context.Context
	blocks    *cmdqueue.Queue[domain.Checkpoint]
	blocksOut ports.Transport
	unsubTip  func()
}

type ServerDeps struct {
	Registry *Registry
	Dialer   ports.Dialer
	Engine   ports.WalletEngine
	Chain    ports.ChainIndex
	Clock    ports.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	return &Server{
		cfg:      cfg,
		registry: deps.Registry,
		dialer:   deps.Dialer,
		engine:   deps.Engine,
		chain:    deps.Chain,
		clock:    deps.Clock,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		workers:  make(map[domain.SessionID]*SessionWorker),
	}
}

func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Workers reports how many session workers have not exited yet.
func (s *Server) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Start loads persisted records, connects to the bus and subscribes the
// command and session channels. A failure to load records aborts startup.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if err := s.registry.LoadWalletRecords(ctx); err != nil {
		return err
	}
	if err := s.registry.LoadSecrets(ctx); err != nil {
		return err
	}

	transport, err := s.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect server transport: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.runCtx = runCtx
	s.cancel = cancel
	s.transport = transport
	s.router = NewRouter(s.registry, transport, RouterConfig{
		ResponsesQueue: s.cfg.ResponsesQueue,
		Limiter:        s.cfg.Limiter,
		Clock:          s.clock,
		Logger:         s.logger,
		Metrics:        s.metrics,
	})

	if err := transport.Subscribe(s.cfg.CommandsQueue, func(msg ports.Message) {
		s.router.HandleMessage(runCtx, msg.Body)
	}); err != nil {
		return s.abortStart(fmt.Errorf("subscribe %s: %w", s.cfg.CommandsQueue, err))
	}

	if s.cfg.SessionsQueue != "" {
		if err := transport.Subscribe(s.cfg.SessionsQueue, s.handleSessionEvent); err != nil {
			return s.abortStart(fmt.Errorf("subscribe %s: %w", s.cfg.SessionsQueue, err))
		}
	}

	if s.cfg.BlocksTopic != "" && s.chain != nil {
		blocksOut, err := s.dialer.Dial(ctx)
		if err != nil {
			return s.abortStart(fmt.Errorf("connect blocks transport: %w", err))
		}
		s.blocksOut = blocksOut
		s.blocks = cmdqueue.New[domain.Checkpoint]()
		s.unsubTip = s.chain.SubscribeTip(func(tip domain.Checkpoint) {
			_ = s.blocks.Push(tip)
		})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.publishBlocks(runCtx, blocksOut)
		}()
	}

	s.running = true
	s.logger.Info("wallet server started",
		"commands_queue", s.cfg.CommandsQueue,
		"responses_queue", s.cfg.ResponsesQueue,
		"wallets", len(s.registry.WalletRecords()),
	)

	return nil
}

func (s *Server) abortStart(err error) error {
	s.cancel()
	if closeErr := s.transport.Close(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	if closeErr := s.closeBlocksOut(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}
	s.transport = nil
	return err
}

func (s *Server) closeBlocksOut() error {
	if s.blocksOut == nil {
		return nil
	}
	err := s.blocksOut.Close()
	s.blocksOut = nil
	return err
}

func (s *Server) handleSessionEvent(msg ports.Message) {
	event, err := decodeSessionEvent(msg.Body)
	if err != nil {
		s.logger.Warn("drop session event", "error", err)
		s.metrics.Dropped("invalid_session_event")
		return
	}

	if err := s.OpenSession(s.runCtx, domain.AccountID(event.AccountID), domain.SessionID(event.SessionID)); err != nil {
		s.logger.Warn("open session", "account_id", event.AccountID, "session_id", event.SessionID, "error", err)
	}
}

// OpenSession registers a session and starts its worker on a dedicated
// transport connection.
func (s *Server) OpenSession(ctx context.Context, accountID domain.AccountID, sessionID domain.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return ErrServerNotRunning
	}

	queue, err := s.registry.Register(accountID, sessionID)
	if err != nil {
		return err
	}

	transport, err := s.dialer.Dial(ctx)
	if err != nil {
		s.registry.Remove(sessionID)
		return fmt.Errorf("connect session transport: %w", err)
	}

	session, err := s.registry.Lookup(sessionID)
	if err != nil {
		_ = transport.Close()
		return err
	}

	worker := NewSessionWorker(session, queue, WorkerDeps{
		Registry:       s.registry,
		Engine:         s.engine,
		Chain:          s.chain,
		Transport:      transport,
		ResponsesQueue: s.cfg.ResponsesQueue,
		Logger:         s.logger,
		Metrics:        s.metrics,
		Clock:          s.clock,
	})
	s.workers[sessionID] = worker
	s.metrics.SetActiveSessions(len(s.workers))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		worker.Run(s.runCtx)
		s.forget(sessionID, worker)
	}()

	s.logger.Info("session opened", "account_id", accountID, "session_id", sessionID)
	return nil
}

// forget drops worker from the live set unless a newer worker has already
// taken over its session id.
func (s *Server) forget(sessionID domain.SessionID, worker *SessionWorker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.workers[sessionID] == worker {
		delete(s.workers, sessionID)
	}
	s.metrics.SetActiveSessions(len(s.workers))
}

// Stop closes every session through its own queue, waits for the workers to
// confirm, then tears down the transport and persists the records. Calling
// Stop on a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	workers := make([]*SessionWorker, 0, len(s.workers))
	for _, worker := range s.workers {
		workers = append(workers, worker)
	}
	transport := s.transport
	s.mu.Unlock()

	if err := transport.Unsubscribe(s.cfg.CommandsQueue); err != nil {
		s.logger.Warn("unsubscribe commands", "error", err)
	}
	if s.cfg.SessionsQueue != "" {
		if err := transport.Unsubscribe(s.cfg.SessionsQueue); err != nil {
			s.logger.Warn("unsubscribe sessions", "error", err)
		}
	}

	for _, worker := range workers {
		if err := s.registry.Enqueue(worker.session.ID, domain.CloseSessionCommand(worker.session, domain.OriginShutdown)); err != nil {
			s.logger.Debug("session already closing", "session_id", worker.session.ID, "error", err)
		}
	}

	for _, worker := range workers {
		select {
		case <-worker.Done():
		case <-ctx.Done():
			s.logger.Warn("session did not confirm close before deadline", "session_id", worker.session.ID)
		}
	}

	cleared := s.registry.Clear()
	s.cancel()
	if s.unsubTip != nil {
		s.unsubTip()
	}
	if s.blocks != nil {
		s.blocks.Close()
	}
	s.wg.Wait()

	var errs error
	if err := transport.Close(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("close server transport: %w", err))
	}
	if err := s.closeBlocksOut(); err != nil {
		errs = errors.Join(errs, fmt.Errorf("close blocks transport: %w", err))
	}
	if err := s.registry.SaveWalletRecords(ctx); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := s.registry.SaveSecrets(ctx); err != nil {
		errs = errors.Join(errs, err)
	}

	s.mu.Lock()
	s.transport = nil
	s.mu.Unlock()

	s.logger.Info("wallet server stopped", "sessions_closed", len(workers), "sessions_cleared", cleared)
	return errs
}

// publishBlocks owns its own connection so block fan-out never queues behind
// router replies.
func (s *Server) publishBlocks(ctx context.Context, out ports.Transport) {
	for {
		tip, err := s.blocks.Pop(ctx)
		if err != nil {
			return
		}

		block, err := s.chain.BlockAt(ctx, tip.Hash)
		if err != nil {
			s.logger.Warn("load block for notification", "hash", tip.Hash, "error", err)
			continue
		}
		body, err := json.Marshal(newBlockSummary(block))
		if err != nil {
			s.logger.Error("encode block notification", "error", err)
			continue
		}
		if err := out.Publish(ctx, s.cfg.BlocksTopic, publishHeaders(), body); err != nil {
			s.logger.Warn("publish block notification", "height", block.Height, "error", err)
			s.metrics.PublishFailed("blocks")
			continue
		}
		s.metrics.Notified("block")
	}
}
