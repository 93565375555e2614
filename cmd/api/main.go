package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"messaging-platform/internal/audit"
	"messaging-platform/internal/auth"
	"messaging-platform/internal/campaign"
	"messaging-platform/internal/cleanup"
	"messaging-platform/internal/config"
	"messaging-platform/internal/driver"
	"messaging-platform/internal/health"
	"messaging-platform/internal/httpapi"
	"messaging-platform/internal/ingest"
	"messaging-platform/internal/lock"
	"messaging-platform/internal/pacing"
	"messaging-platform/internal/provider"
	"messaging-platform/internal/session"
	"messaging-platform/internal/syncproto"
	"messaging-platform/pkg/logger"
	"messaging-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/robfig/cron/v3"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Core services.
	sessionStore := session.NewPostgresStore(db)
	locker := lock.NewRedisLocker(rdb, lock.RedisLockerOptions{StaleAfter: cfg.Session.LockStaleAfter})

	agentURL := cfg.Agent.WSURL
	manager := session.NewManager(sessionStore, locker, func(sessionID string) driver.Driver {
		return driver.NewWSDriver(agentURL, sessionID, log)
	}, session.ManagerOptions{MultiSession: cfg.Session.MultiSession}, log)

	cleanupSvc := cleanup.NewService(sessionStore, locker, cleanup.NewPostgresRepo(db), cleanup.Options{
		InactiveAfter: cfg.Session.CleanupInactiveAfter,
	}, log)

	monitor := health.NewMonitor(sessionStore, locker, manager, cleanupSvc, health.Options{
		MaxReconnectAttempts: cfg.Session.ReconnectMaxAttempts,
	}, log)

	providers := []provider.Provider{provider.NewAutomated(manager)}
	if cfg.Hosted.BaseURL != "" {
		providers = append(providers, provider.NewHosted(provider.HostedConfig{
			BaseURL: cfg.Hosted.BaseURL,
			Token:   cfg.Hosted.Token,
		}))
	}
	selector := provider.NewSelector(providers, nil, log)

	detector := pacing.NewDetector(pacing.NewRedisConflictStore(rdb), 0, log)
	jobQueue := campaign.NewPostgresQueue(db)
	sender := campaign.NewSender(jobQueue, selector, detector,
		campaign.NewRedisRunnerGuard(rdb), campaign.SenderOptions{}, log)

	audits := audit.NewService(audit.NewPostgresRepo(db))

	limiter := ingest.NewRedisSyncLimiter(rdb)
	limiter.Limit = cfg.Sync.RateLimitPerMinute

	ingestQueue := ingest.NewQueue(ingest.NewActivitySink(sessionStore), 0, log)
	ingestQueue.Start(4)

	ingestSvc := ingest.NewService(sessionStore, limiter, ingestQueue, manager, sender, audits, log)

	// Background sweeps. Redundant instances are safe: every mutation routes
	// through the lock manager.
	sched := cron.New()
	if _, err := sched.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(rootCtx, 50*time.Second)
		defer cancel()
		if err := monitor.Sweep(ctx); err != nil {
			log.Warn("health sweep failed", "err", err)
		}
	}); err != nil {
		log.Error("cron setup failed", "err", err)
		os.Exit(1)
	}
	if _, err := sched.AddFunc("@every 1m", func() {
		ctx, cancel := context.WithTimeout(rootCtx, 50*time.Second)
		defer cancel()
		// Picks up freshly dispatched campaigns and requeued (backed-off) jobs.
		// Deadline expiry is routine here: a paused campaign holds its runner
		// until the sweep window closes, then the next sweep takes over.
		if _, err := sender.RunDue(ctx); err != nil &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Warn("campaign sweep failed", "err", err)
		}
	}); err != nil {
		log.Error("cron setup failed", "err", err)
		os.Exit(1)
	}
	if _, err := sched.AddFunc("@every 1h", func() {
		ctx, cancel := context.WithTimeout(rootCtx, 5*time.Minute)
		defer cancel()
		cleaned, err := cleanupSvc.Run(ctx)
		if err != nil {
			log.Warn("cleanup scan failed", "err", err)
			return
		}
		if cleaned > 0 {
			log.Info("cleanup scan finished", "cleaned", cleaned)
		}
	}); err != nil {
		log.Error("cron setup failed", "err", err)
		os.Exit(1)
	}
	sched.Start()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	handlers := httpapi.Handlers{
		Auth:     authManager,
		Sessions: manager,
		Cleanup:  cleanupSvc,
		Ingest:   ingestSvc,
		Jobs:     jobQueue,
		Audits:   audits,
	}
	signedMW := syncproto.Middleware(syncproto.MiddlewareConfig{
		Secret: []byte(cfg.Sync.HMACSecret),
		Window: cfg.Sync.SignatureWindow,
		Replay: syncproto.NewRedisReplayCache(rdb),
	})
	registerRoutes(r, handlers, auth.RequireAccessToken(authManager), signedMW)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Stop background work, then drivers, then drain the ingest queue.
	<-sched.Stop().Done()
	manager.Close(shutdownCtx)
	ingestQueue.Close()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
