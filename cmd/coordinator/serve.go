package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nadmax/calbulk/internal/api"
	"github.com/nadmax/calbulk/internal/batch"
	"github.com/nadmax/calbulk/internal/broadcast"
	"github.com/nadmax/calbulk/internal/config"
	"github.com/nadmax/calbulk/internal/coordinator"
	"github.com/nadmax/calbulk/internal/errclass"
	"github.com/nadmax/calbulk/internal/logging"
	"github.com/nadmax/calbulk/internal/memory"
	"github.com/nadmax/calbulk/internal/middleware"
	"github.com/nadmax/calbulk/internal/notify"
	"github.com/nadmax/calbulk/internal/queue"
	"github.com/nadmax/calbulk/internal/ratelimit"
	"github.com/nadmax/calbulk/internal/recovery"
	"github.com/nadmax/calbulk/internal/remote"
	"github.com/nadmax/calbulk/internal/repository"
	"github.com/nadmax/calbulk/internal/repository/postgres"
	"github.com/nadmax/calbulk/internal/state"
	"github.com/nadmax/calbulk/internal/stream"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator and its HTTP API",
	RunE:  runServe,
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}

	logger := logging.New(os.Stderr, cfg.Logging.Level, isDebug)
	slog.SetDefault(logger)

	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}
	if cfg.Remote.Endpoint == "" {
		return errors.New("remote.endpoint (REMOTE_BATCH_URL) is required")
	}

	var (
		tokens    remote.TokenSource
		refresher batch.TokenRefresher
	)
	switch {
	case cfg.Remote.TokenFile != "":
		ft, err := remote.NewFileToken(cfg.Remote.TokenFile)
		if err != nil {
			return fmt.Errorf("failed to load remote token: %w", err)
		}
		tokens, refresher = ft, ft
	case cfg.Remote.Token != "":
		tokens = remote.StaticToken(cfg.Remote.Token)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(ctx, cfg.State)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	var repo repository.OperationRepository
	if cfg.Repository.DSN != "" {
		pg, err := postgres.NewOperationRepository(cfg.Repository.DSN)
		if err != nil {
			logger.Warn("operation history disabled", "error", err)
		} else {
			repo = pg
			logger.Info("connected to PostgreSQL, operation history enabled")
		}
	}

	var notifier recovery.Notifier
	if cfg.Notify.Mailer.Enabled() {
		notifier = notify.NewMailer(cfg.Notify.Mailer, logger)
	}

	client := remote.NewClient(cfg.Remote.Endpoint, &http.Client{Timeout: cfg.Remote.Timeout}, tokens, logger)

	classifier := errclass.NewClassifier(errclass.DefaultConfig())
	limiter := ratelimit.New(cfg.RateLimit, logger)
	mem := memory.NewMonitor(cfg.Memory, nil, logger)
	history := batch.NewHistory()
	broadcaster := broadcast.New(cfg.Broadcast, logger)

	executor := batch.NewExecutor(client, limiter, classifier, mem, history, cfg.Batch, logger)
	if refresher != nil {
		executor.SetTokenRefresher(refresher)
	}

	c := coordinator.New(coordinator.Deps{
		Queue:       queue.NewManager(cfg.Queue, logger),
		Executor:    executor,
		Limiter:     limiter,
		Memory:      mem,
		Classifier:  classifier,
		Recovery:    recovery.NewEngine(classifier, notifier, cfg.Notify.Recovery, logger),
		Broadcaster: broadcaster,
		Store:       store,
		State:       cfg.State,
		Repository:  repo,
	}, logger)
	c.Start(ctx)

	handler := api.NewAPI(c, repo, stream.NewHandler(broadcaster, logger), logger)
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: middleware.MetricsMiddleware(handler),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", srv.Addr, "state_backend", cfg.State.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down http server", "error", err)
	}
	if err := c.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", "error", err)
		return err
	}

	logger.Info("coordinator stopped")
	return nil
}
