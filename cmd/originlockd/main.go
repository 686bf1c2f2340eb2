package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"originlock/internal/api"
	"originlock/internal/config"
	"originlock/internal/model"
	"originlock/internal/obs"
	"originlock/internal/storage"
)

func main() {
	// Cancel context on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := storage.Open(ctx, storage.Config{
		Path:         cfg.DBPath,
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	})
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()

	logger := obs.NewLogger()
	metrics := obs.NewMetrics(nil)

	journal := storage.NewJournal(db, cfg.JournalBuffer, logger, metrics)
	svc := model.NewService(logger, metrics, journal, model.ServiceConfig{
		MaxTTL:     cfg.MaxTTL,
		RetryAfter: cfg.RetryAfter,
	})
	apiServer := api.NewServer(svc, api.Options{
		History: db,
		Logger:  logger,
		Metrics: metrics,
		MaxWait: cfg.MaxWait,
	})
	mon := model.NewExpirationMonitor(svc, logger, cfg.SweepInterval)

	mux := http.NewServeMux()
	mux.Handle("/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The journal outlives the service so the final batch release is
	// recorded, and the service outlives the HTTP server.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	svcCtx, stopSvc := context.WithCancel(context.Background())

	var journalWG, svcWG, wg sync.WaitGroup

	journalWG.Add(1)
	go func() {
		defer journalWG.Done()
		journal.Run(journalCtx)
	}()

	svcWG.Add(1)
	go func() {
		defer svcWG.Done()
		svc.Run(svcCtx)
	}()

	// Start expiration monitor
	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(ctx) // exits when ctx is cancelled
	}()

	// Start HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info(map[string]interface{}{"op": "startup", "addr": cfg.Addr, "db": db.Path()})
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(map[string]interface{}{"op": "http_serve", "error": err.Error()})
			// If server fails unexpectedly, trigger shutdown.
			stop()
		}
	}()

	// Wait for signal
	<-ctx.Done()
	logger.Info(map[string]interface{}{"op": "shutdown_signal"})

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(map[string]interface{}{"op": "http_shutdown", "error": err.Error()})
	}
	wg.Wait()

	stopSvc()
	svcWG.Wait()
	stopJournal()
	journalWG.Wait()

	logger.Info(map[string]interface{}{"op": "stopped"})
}
