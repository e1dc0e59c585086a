package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"mizan/auth"
	"mizan/config"
	"mizan/dispute"
	"mizan/escrow"
	"mizan/fees"
	"mizan/identity"
	"mizan/ledger"
	"mizan/models"
	"mizan/notify"
	"mizan/observability/logging"
	"mizan/schedule"
	"mizan/scheduler"
	"mizan/server"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("mizand", cfg.Env)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	authn, err := auth.New(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("auth init error: %v", err)
	}

	queue := notify.NewQueue()
	ledgerEngine := ledger.NewEngine(db)
	holdEngine := escrow.NewEngine(db)
	holdEngine.SetEmitter(queue)
	if cfg.IdentityBaseURL != "" {
		verifier, err := identity.NewClient(identity.Config{
			BaseURL: cfg.IdentityBaseURL,
			APIKey:  cfg.IdentityAPIKey,
			Timeout: cfg.IdentityTimeout,
		})
		if err != nil {
			log.Fatalf("identity client error: %v", err)
		}
		holdEngine.SetVerifier(verifier)
	}
	scheduleEngine := schedule.NewEngine(db, cfg.ReleaseWindow)
	disputeEngine := dispute.NewEngine(db, dispute.Config{
		MinClaimLength: cfg.MinClaimLength,
		AppealWindow:   cfg.AppealWindow,
	})
	disputeEngine.SetEmitter(queue)

	srv := server.New(server.Config{
		DB:        db,
		Ledger:    ledgerEngine,
		Holds:     holdEngine,
		Schedules: scheduleEngine,
		Disputes:  disputeEngine,
		Auth:      authn,
		Fees: fees.Policy{
			VATRateBps:   uint32(cfg.VATRateBps),
			EscrowFeeBps: uint32(cfg.EscrowFeeBps),
		},
		Currency:         cfg.Currency,
		ReleaseWindow:    cfg.ReleaseWindow,
		ExtensionPresets: cfg.ExtensionPresets,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := scheduler.New(scheduler.Config{
		Holds:    holdEngine,
		Disputes: disputeEngine,
		Interval: cfg.SweepInterval,
		Logger:   logger,
	})
	go sweeper.Run(ctx)

	if cfg.WebhooksFile != "" {
		subs, err := notify.LoadSubscriptions(cfg.WebhooksFile)
		if err != nil {
			log.Fatalf("webhook subscriptions error: %v", err)
		}
		dispatcher := notify.NewDispatcher(queue, subs, logger)
		go dispatcher.Run(ctx)
	}

	addr := ":" + cfg.Port
	logger.Info("settlement api listening", "addr", addr, "env", cfg.Env)

	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
