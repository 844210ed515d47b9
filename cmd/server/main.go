package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sdko-org/delivery-gateway/internal/cache"
	"github.com/sdko-org/delivery-gateway/internal/config"
	"github.com/sdko-org/delivery-gateway/internal/database"
	"github.com/sdko-org/delivery-gateway/internal/engine"
	"github.com/sdko-org/delivery-gateway/internal/handlers"
	"github.com/sdko-org/delivery-gateway/internal/link"
	"github.com/sdko-org/delivery-gateway/internal/origin"
	"github.com/sdko-org/delivery-gateway/internal/policy"
	"github.com/sdko-org/delivery-gateway/internal/session"
	"github.com/sdko-org/delivery-gateway/internal/token"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	cfg := config.Load()
	log := logger.WithField("component", "main")

	db, err := database.NewPostgresDB(logger, database.PostgresConfig{
		User:     cfg.PostgresUser,
		Password: cfg.PostgresPassword,
		Host:     cfg.PostgresHost,
		Port:     cfg.PostgresPort,
		DBName:   cfg.PostgresDatabase,
		SSLMode:  cfg.PostgresSSLMode,
	})
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	originStore := origin.NewS3Store(logger, cfg)

	policyEngine := policy.NewEngine(logger, db, cfg.SettingsTTL)
	if err := policyEngine.SeedDefaults(ctx); err != nil {
		log.WithError(err).Fatal("Failed to seed security settings")
	}

	cacheManager, err := cache.NewManager(logger, db, cfg.CacheDir, cfg.CacheMaxBytes, cfg.CacheTTL)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize cache")
	}

	downloadEngine := engine.New(logger, originStore, cacheManager, cfg.ChunkSize, cfg.TempDir)
	sessionTracker := session.NewTracker(logger, db, cfg.SessionStaleAfter)
	linkService := link.NewService(logger, db, originStore, policyEngine, cfg.BaseURL)
	tokenService := token.NewService(logger, db)

	go cacheManager.RunCleanupLoop(ctx, cfg.CleanupInterval)
	go sessionTracker.RunReaper(ctx, cfg.ReaperInterval)
	go runAlertPurge(ctx, log, policyEngine, cfg.AlertRetention)

	handler := handlers.New(logger, cfg, db, linkService, downloadEngine, sessionTracker, cacheManager, tokenService, originStore)

	router := mux.NewRouter()
	router.Use(handlers.LoggingMiddleware(logger, db))
	router.Use(handlers.RateLimitMiddleware(cfg))
	handler.RegisterRoutes(router)

	// No write timeout: a throttled download may legitimately run for
	// a long time.
	server := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("Starting delivery gateway")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Graceful shutdown failed")
	}
}

func runAlertPurge(ctx context.Context, log *logrus.Entry, engine *policy.Engine, retention time.Duration) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := engine.PurgeAlerts(ctx, retention)
			if err != nil {
				log.WithError(err).Warn("Alert purge failed")
				continue
			}
			if removed > 0 {
				log.WithField("removed", removed).Info("Purged old security alerts")
			}
		case <-ctx.Done():
			return
		}
	}
}
