package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bnema/walletd/internal/adapters/chain/memchain"
	"github.com/bnema/walletd/internal/version"
)

const metricsShutdownTimeout = 5 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the wallet server until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := opts.wire(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServer(ctx, app)
		},
	}
}

// runServer blocks until ctx is done, then stops the server within
// shutdown.timeout.
func runServer(ctx context.Context, app *app) error {
	logger := app.logger
	server := app.newServer()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("start wallet server: %w", err)
	}
	logger.Info("wallet server started",
		"version", version.Version,
		"transport", app.cfg.Transport.Kind,
		"commands_queue", app.cfg.Queues.Commands,
		"responses_queue", app.cfg.Queues.Responses,
	)

	metricsSrv := startMetrics(app)

	producerCtx, stopProducer := context.WithCancel(context.Background())
	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		memchain.NewProducer(app.chain, app.cfg.Dev.BlockInterval, app.cfg.Dev.CoinbaseAddresses, logger).Run(producerCtx)
	}()

	<-ctx.Done()
	logger.Info("shutting down wallet server", "timeout", app.cfg.Shutdown.Timeout)

	stopProducer()
	<-producerDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if err := server.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop wallet server: %w", err))
	}
	if metricsSrv != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancelMetrics()
		if err := metricsSrv.Shutdown(metricsCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics listener: %w", err))
		}
	}

	logger.Info("wallet server stopped")
	return errors.Join(errs...)
}

func startMetrics(app *app) *http.Server {
	if app.cfg.Metrics.Listen == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(app.promRegistry, promhttp.HandlerOpts{Registry: app.promRegistry}))
	srv := &http.Server{
		Addr:              app.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("metrics listener failed", "addr", srv.Addr, "error", err)
		}
	}()
	app.logger.Info("metrics listener started", "addr", srv.Addr)

	return srv
}
