package cmd

import (
	"context"
	"errors"
	"log"
	httpNet "net/http"
	"os"
	"os/signal"
	"syscall"

	"kline-feed/internal/delivery/http"
	"kline-feed/internal/repository"
	"kline-feed/internal/service"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the kline pollers and the optional HTTP API",
	Run:   Start,
}

func Start(cmd *cobra.Command, args []string) {
	// Create a context that is canceled on interrupt signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appDep, err := NewAppDependency(ctx)
	if err != nil {
		log.Fatalf("Failed to create app dependency: %v", err)
	}
	m := appDep.prometheus.Metrics

	repo := repository.NewRepository(appDep.cfg, appDep.log, m)
	services := service.NewService(
		appDep.cfg,
		appDep.log,
		repo,
		appDep.cache,
		m,
	)

	var apiServer *HTTPServer
	if appDep.cfg.API.Enabled {
		httpHandler := http.NewHttpAPIHandler(ctx, appDep.echo, appDep.validator, services, appDep.cfg, appDep.prometheus.Handler())
		apiServer = NewHTTPServer(ctx, appDep, httpHandler)
		go func() {
			if err := apiServer.Start(); err != nil && !errors.Is(err, httpNet.ErrServerClosed) {
				log.Fatalf("Failed to start HTTP server: %v", err)
			}
		}()
	}

	if err := services.StartPollers(ctx); err != nil {
		log.Fatalf("Failed to start pollers: %v", err)
	}
	appDep.log.Info("Kline feed started",
		zap.Strings("symbols", appDep.cfg.Poller.Symbols),
		zap.String("interval", appDep.cfg.Poller.Interval))

	// Wait for shutdown signal
	<-ctx.Done()
	appDep.log.Info("Shutting down gracefully...")

	stopCtx, cancel := context.WithTimeout(context.Background(), appDep.cfg.Poller.StopTimeout)
	if err := services.StopPollers(stopCtx); err != nil {
		appDep.log.Warn("Pollers did not stop in time", zap.Error(err))
	}
	cancel()

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			appDep.log.Error("Failed to stop HTTP server", zap.Error(err))
		}
	}

	repo.Close()
	if err := appDep.Close(); err != nil {
		log.Fatalf("Failed to close app dependency: %v", err)
	}
}
