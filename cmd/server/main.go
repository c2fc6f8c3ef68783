package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tokopos/backend/internal/cache"
	"tokopos/backend/internal/config"
	"tokopos/backend/internal/domain"
	"tokopos/backend/internal/httpapi"
	"tokopos/backend/internal/logger"
	"tokopos/backend/internal/service"
	"tokopos/backend/internal/store"
	"tokopos/backend/internal/store/memory"
	pgstore "tokopos/backend/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.Get()
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal("postgres unavailable and DATABASE_URL is set, refusing in-memory fallback", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Info("repository ready", zap.String("kind", "postgres"))
	} else {
		repo = memory.NewSeeded()
		log.Info("repository ready", zap.String("kind", "in-memory"))
	}

	reports := cache.ReportCache(cache.NoopReportCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, using noop report cache", zap.Error(err))
		} else {
			reports = redisCache
			closers = append(closers, redisCache.Close)
			log.Info("report cache ready", zap.String("kind", "redis"))
		}
	}

	svc := service.New(repo, reports, domain.CostMethod(cfg.CostMethod))
	api := httpapi.New(svc, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("POS backend listening", zap.String("addr", cfg.Address()), zap.String("cost_method", string(svc.CostMethod())))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warn("close error", zap.Error(err))
		}
	}

	log.Info("server stopped")
}
