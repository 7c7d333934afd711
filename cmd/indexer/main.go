// Package main запускает индексатор событий маркетплейс-леджера.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/bazaar-indexer/internal/config"
	"github.com/mmeshcher/bazaar-indexer/internal/consumer"
	"github.com/mmeshcher/bazaar-indexer/internal/handler"
	"github.com/mmeshcher/bazaar-indexer/internal/ledger"
	"github.com/mmeshcher/bazaar-indexer/internal/metrics"
	"github.com/mmeshcher/bazaar-indexer/internal/projection"
	"github.com/mmeshcher/bazaar-indexer/internal/repository"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.New(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	if cfg.LedgerAddress == "" {
		sugar.Fatalw("ledger event source address is required")
	}
	ledgerClient := ledger.NewClient(cfg.LedgerAddress)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	projector := projection.NewProjector(sugar, m)
	cons := consumer.New(ledgerClient, repo, projector, sugar, m, cfg.PollInterval, cfg.BatchSize)

	h := handler.NewHandler(repo, logger, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск цикла потребления событий леджера
	g.Go(func() error {
		return cons.Run(ctx)
	})

	// Запуск операционного HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting bazaar indexer", "addr", cfg.RunAddress, "ledger", cfg.LedgerAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down indexer...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("indexer stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
