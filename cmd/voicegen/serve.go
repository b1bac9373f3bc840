package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/digkill/voicegen/internal/auth"
	"github.com/digkill/voicegen/internal/events"
	"github.com/digkill/voicegen/internal/httpapi"
	"github.com/digkill/voicegen/internal/ledger"
	"github.com/digkill/voicegen/internal/models"
	"github.com/digkill/voicegen/internal/provider"
	"github.com/digkill/voicegen/internal/ratelimit"
	"github.com/digkill/voicegen/internal/repository"
	"github.com/digkill/voicegen/internal/service"
	"github.com/digkill/voicegen/internal/storage"
)

func newServeCmd() *cobra.Command {
	var sweepEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			a, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(ctx, a, sweepEvery)
		},
	}
	cmd.Flags().DurationVar(&sweepEvery, "sweep-every", 10*time.Minute, "interval between unbilled-history sweeps, 0 disables")
	return cmd
}

func serve(ctx context.Context, a *app, sweepEvery time.Duration) error {
	cfg, log := a.cfg, a.log

	broker := events.NewBroker(log, 16)
	l := ledger.New(repository.NewAccountRepository(a.db), log, broker)
	history := repository.NewHistoryRepository(a.db)

	var store ratelimit.Store
	if cfg.RedisAddr != "" {
		rs, err := ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("rate limit store: %w", err)
		}
		store = rs
		log.Info("rate limiting backed by redis", "addr", cfg.RedisAddr)
	} else {
		store = ratelimit.NewMemoryStore()
		log.Warn("REDIS_ADDR not set, rate limits are per process")
	}
	limiter := ratelimit.NewLimiter(store, ratelimit.DefaultPolicies(), log)
	defer limiter.Close()

	providerClient := provider.NewClient(provider.Config{
		APIKey:  cfg.ProviderAPIKey,
		BaseURL: cfg.ProviderBaseURL,
		Model:   cfg.ProviderModel,
		Timeout: cfg.RequestTimeout,
	}, log)

	newAccount := models.Account{Plan: models.TierFree, TotalCredits: cfg.FreeCredits}
	generator := service.NewGenerationService(log, l, history, limiter, providerClient, service.GenerationOptions{
		Poll: service.PollPolicy{
			MaxAttempts: cfg.PollMaxAttempts,
			Interval:    cfg.PollInterval,
			Jitter:      cfg.PollJitter,
		},
		MaxTextLength:  cfg.ProviderMaxTextLength,
		CreditsPerChar: int64(cfg.CreditsPerChar),
		MaxInflight:    int64(cfg.MaxInflightGenerations),
		NewAccount:     newAccount,
	})

	if cfg.ArchiveEnabled() {
		archiver, err := storage.NewArchiver(storage.Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.S3Region,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			Bucket:        cfg.S3Bucket,
			PublicBaseURL: cfg.S3PublicBaseURL,
			UsePathStyle:  cfg.S3UsePathStyle,
			Prefix:        cfg.S3Prefix,
		}, log)
		if err != nil {
			return fmt.Errorf("storage archiver: %w", err)
		}
		generator.WithArchiver(archiver)
	}

	reconciler := service.NewReconciler(l, history, log, 256)
	generator.WithReconciler(reconciler)
	go func() {
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("reconciler stopped", "err", err)
		}
	}()
	if sweepEvery > 0 {
		go sweepLoop(ctx, reconciler, sweepEvery, a)
	}

	plans := service.NewPlanService(cfg.PaymentCurrency, repository.NewPlanRepository(a.db))
	if err := plans.EnsureDefaultPlans(ctx); err != nil {
		return fmt.Errorf("ensure default plans: %w", err)
	}
	accounts := service.NewAccountService(l, plans, limiter, newAccount)
	payments := service.NewPaymentService(service.PaymentConfig{
		KeyID:   cfg.PaymentKeyID,
		Secret:  cfg.PaymentSecret,
		BaseURL: cfg.PaymentBaseURL,
	}, log, repository.NewPaymentRepository(a.db), plans, l)

	server := httpapi.NewServer(httpapi.Options{
		Addr:               cfg.ListenAddr,
		AdminUsername:      cfg.AdminUsername,
		AdminPassword:      cfg.AdminPassword,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, log, generator, accounts, plans, payments, broker, auth.NewVerifier(cfg.JWTSecret))

	log.Info("voicegen starting", "addr", cfg.ListenAddr, "db", cfg.DBDriver, "archive", cfg.ArchiveEnabled())
	if err := server.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func sweepLoop(ctx context.Context, r *service.Reconciler, every time.Duration, a *app) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := r.Sweep(ctx, 500)
			if err != nil {
				a.log.Error("history sweep failed", "err", err)
				continue
			}
			if report.Scanned > 0 {
				a.log.Info("history sweep", "scanned", report.Scanned, "billed", report.Billed, "deferred", report.Deferred)
			}
		}
	}
}
