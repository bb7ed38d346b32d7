package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bnema/walletd/internal/adapters/chain/memchain"
	walletsrender "github.com/bnema/walletd/internal/adapters/render/wallets"
	tomlrepo "github.com/bnema/walletd/internal/adapters/repo/toml"
	filestore "github.com/bnema/walletd/internal/adapters/secrets/file"
	"github.com/bnema/walletd/internal/adapters/transport/membus"
	"github.com/bnema/walletd/internal/adapters/transport/stomp"
	"github.com/bnema/walletd/internal/adapters/wallet/fileledger"
	"github.com/bnema/walletd/internal/application"
	"github.com/bnema/walletd/internal/domain"
	"github.com/bnema/walletd/internal/platform/metrics"
	"github.com/bnema/walletd/internal/platform/ratelimiter"
	"github.com/bnema/walletd/internal/ports"
)

const limiterIdleTTL = 10 * time.Minute

type app struct {
	cfg            serverConfig
	logger         *slog.Logger
	registry       *application.Registry
	chain          *memchain.Chain
	engine         *fileledger.Engine
	dialer         ports.Dialer
	promRegistry   *prometheus.Registry
	metrics        *metrics.Metrics
	walletRenderer func([]domain.WalletRecord, walletsrender.RenderOptions) (string, error)
	now            func() time.Time
}

func wireApp(configPath string, logOutput io.Writer) (*app, error) {
	v, cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log, logOutput)
	if err != nil {
		return nil, err
	}

	repo, err := tomlrepo.NewRepository(v)
	if err != nil {
		return nil, fmt.Errorf("wire wallet repository: %w", err)
	}

	var storeOpts []filestore.Option
	if cfg.Secrets.MasterKey != "" {
		storeOpts = append(storeOpts, filestore.WithMasterKey(cfg.Secrets.MasterKey))
	}
	secretStore := filestore.NewStore(cfg.Secrets.Dir, storeOpts...)

	chain := memchain.New(memchain.DefaultParams(), ports.SystemClock{})
	engine := fileledger.New(chain, chain,
		fileledger.WithAddressVersion(byte(cfg.Ledger.AddressVersion)),
		fileledger.WithKeyPoolSize(cfg.Ledger.KeyPoolSize),
		fileledger.WithLogger(logger),
	)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &app{
		cfg:            cfg,
		logger:         logger,
		registry:       application.NewRegistry(repo, secretStore, engine, chain, cfg.Wallets.Dir),
		chain:          chain,
		engine:         engine,
		dialer:         newDialer(cfg, logger),
		promRegistry:   promRegistry,
		metrics:        metrics.New(promRegistry),
		walletRenderer: walletsrender.Render,
		now:            time.Now,
	}, nil
}

func (a *app) newServer() *application.Server {
	return application.NewServer(application.ServerConfig{
		CommandsQueue:  a.cfg.Queues.Commands,
		ResponsesQueue: a.cfg.Queues.Responses,
		SessionsQueue:  a.cfg.Queues.Sessions,
		BlocksTopic:    a.cfg.Topics.Blocks,
		Limiter:        ratelimiter.New(a.cfg.Router.RateLimitRPS, a.cfg.Router.RateLimitBurst, limiterIdleTTL),
	}, application.ServerDeps{
		Registry: a.registry,
		Dialer:   a.dialer,
		Engine:   a.engine,
		Chain:    a.chain,
		Clock:    ports.SystemClock{},
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
}

func newDialer(cfg serverConfig, logger *slog.Logger) ports.Dialer {
	if cfg.Transport.Kind == transportMemory {
		return membus.NewBroker()
	}
	return stomp.NewDialer(stomp.Config{
		Host:      cfg.Stomp.Host,
		Port:      cfg.Stomp.Port,
		Login:     cfg.Stomp.Login,
		Passcode:  cfg.Stomp.Passcode,
		HeartBeat: cfg.Stomp.HeartBeat,
		Logger:    logger,
	})
}

func newLogger(cfg logConfig, out io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("parse log.level %q: %w", cfg.Level, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "json", "":
		return slog.New(slog.NewJSONHandler(out, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(out, opts)), nil
	default:
		return nil, fmt.Errorf("unsupported log.format %q", cfg.Format)
	}
}
