package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Kerhoff/picklistsync/internal/api"
	"github.com/Kerhoff/picklistsync/internal/config"
	"github.com/Kerhoff/picklistsync/internal/realtime"
	"github.com/Kerhoff/picklistsync/internal/repository"
	"github.com/Kerhoff/picklistsync/internal/repository/memory"
	"github.com/Kerhoff/picklistsync/internal/repository/postgres"
	"github.com/Kerhoff/picklistsync/internal/service"
	"github.com/Kerhoff/picklistsync/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	l := logger.New(cfg.LogLevel, cfg.LogFormat)
	l.Info("Starting picklistd...")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		l.Info("Received shutdown signal...")
		cancel()
	}()

	// Store
	var lists repository.ShoppingListRepository
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		l.Warn("Using in-memory store; shared lists are lost on restart")
		lists = memory.NewShoppingListRepository()
	default:
		db, err := config.NewDatabase(ctx, cfg.DatabaseURL, l)
		if err != nil {
			l.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.Migrate(cfg.MigrationsPath); err != nil {
			l.Fatalf("Failed to run migrations: %v", err)
		}
		lists = postgres.NewShoppingListRepository(db.DB)
	}

	// Service layer
	svc := service.New(l, lists, service.Options{
		ShareTTL:      cfg.ShareTTL,
		PublicBaseURL: cfg.PublicBaseURL,
	})

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rtMetrics := realtime.NewMetrics(reg)
	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "picklist_expired_lists_total",
		Help: "Shared lists removed by the expiry sweeper.",
	})
	reg.MustRegister(expired)

	// Realtime channel
	registry := realtime.NewRegistry(l, rtMetrics)
	notifier := realtime.NewNotifier(registry, svc, l, rtMetrics)
	wsHandler := realtime.NewHandler(ctx, registry, notifier, l, rtMetrics, cfg.AllowedOrigins)

	// Start expiry sweeper
	go svc.StartExpirySweeper(ctx, cfg.SweepInterval, func(token string) {
		expired.Inc()
		notifier.ListExpired(token)
	})

	// Start HTTP server
	apiServer := api.NewServer(svc, wsHandler, reg, l)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		l.Infof("HTTP server listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Errorf("HTTP server error: %v", err)
			cancel()
		}
	}()

	l.Info("picklistd started successfully")

	<-ctx.Done()

	l.Info("Shutting down HTTP server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.Errorf("HTTP server shutdown error: %v", err)
	}
	wsHandler.Wait()

	l.Info("picklistd stopped")
}
