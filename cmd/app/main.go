package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tutorpay/internal/audit"
	"tutorpay/internal/booking"
	"tutorpay/internal/config"
	"tutorpay/internal/db"
	"tutorpay/internal/logger"
	"tutorpay/internal/notify"
	"tutorpay/internal/pack"
	"tutorpay/internal/server"
	"tutorpay/internal/wallet"
)

func main() {
	logger.Init()
	logger.Info("starting tutorpay")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", "error", err)
	}

	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer database.Close()
	logger.Info("database connected")

	if err := db.RunMigrations(database, "migrations"); err != nil {
		logger.Fatal("failed to run migrations", "error", err)
	}
	logger.Info("migrations completed")

	notifier := notify.New(cfg.RedisAddr, notify.NewDBSink(database))
	defer notifier.Close()

	walletRepo := wallet.NewRepository(database)
	walletService := wallet.NewService(database, walletRepo)

	packRepo := pack.NewRepository(database)
	packEngine := pack.NewEngine(packRepo, walletRepo, cfg.PlatformFeeRate)

	bookingRepo := booking.NewRepository(database)
	bookingService := booking.NewService(
		database,
		bookingRepo,
		walletRepo,
		packEngine,
		notifier,
		cfg.PlatformFeeRate,
		cfg.PaymentDeadline,
		cfg.AutoConfirmAfter,
	)

	auditRepo := audit.NewRepository(database)
	auditService := audit.NewService(database, auditRepo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go notifier.Start(ctx)
	go booking.NewSweeper(bookingService, cfg.SweepInterval).Start(ctx)
	go audit.NewScheduler(auditService, cfg.AuditInterval).Start(ctx)
	go packageExpirySweep(ctx, packEngine, cfg.SweepInterval)

	srv := server.New(database, cfg, server.Handlers{
		Wallet:  wallet.NewHandler(walletService),
		Booking: booking.NewHandler(bookingService),
		Pack:    pack.NewHandler(packEngine),
		Audit:   audit.NewHandler(auditService),
	})

	serverErrChan := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.Start(cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErrChan:
		logger.Error("server error", "error", err)
	}

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", "error", err)
	}

	logger.Info("server stopped")
}

func packageExpirySweep(ctx context.Context, engine *pack.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := engine.ExpireSweep(ctx); err != nil {
				logger.Error("package expiry sweep failed", "error", err)
			} else if n > 0 {
				logger.Info("expired packages", "count", n)
			}
		}
	}
}
