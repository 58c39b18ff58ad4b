package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-engine/internal/api"
	"collab-engine/internal/auth"
	"collab-engine/internal/collab"
	"collab-engine/internal/config"
	"collab-engine/internal/db"
	"collab-engine/internal/logging"
	"collab-engine/internal/relay"
	"collab-engine/internal/repository"
	"collab-engine/internal/telemetry"

	"github.com/sirupsen/logrus"
)

func main() {
	logging.Init()
	logrus.Info("starting collaboration engine")

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	jaegerShutdown, err := telemetry.InitJaeger("collab-engine", cfg.JaegerEndpoint)
	if err != nil {
		logrus.WithError(err).Warn("jaeger init failed, continuing without tracing")
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			logrus.WithError(err).Warn("jaeger shutdown failed")
		}
	}()

	database, err := db.NewGorm(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to database")
	}
	defer database.Close()

	projectRepo := repository.NewProjectRepository(database.DB)
	historyRepo := repository.NewHistoryRepository(database.DB)

	// Collaboration core: registry and store first, router on top, then
	// the trackers and lifecycle service that drive them.
	registry := collab.NewRegistry(cfg.SendBufferSize)
	store := collab.NewStore(0)
	router := collab.NewRouter(registry, store)
	presence := collab.NewPresenceTracker(registry, store)
	oplog := collab.NewOpLog(store, historyRepo)
	service := collab.NewService(store, registry, router, presence, oplog, projectRepo, historyRepo)

	var rel *relay.Relay
	if cfg.RedisAddr != "" {
		rel = relay.New(cfg.RedisAddr, cfg.RedisPassword, router)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := rel.Start(ctx); err != nil {
			logrus.WithError(err).Fatal("failed to start relay")
		}
		cancel()
		router.SetRelay(rel)
		defer rel.Close()
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.TokenCacheTTL)
	wsHandler := collab.NewWebSocketHandler(service, verifier)
	wsHandler.SetTimeouts(cfg.ReadTimeout, cfg.WriteTimeout)

	registry.StartSweeper(cfg.SweepInterval, cfg.IdleTimeout, func(c *collab.Conn) {
		service.HandleDisconnect(c)
	})

	handler := api.NewHandler(service, verifier, wsHandler)
	muxRouter := api.SetupRoutes(handler)

	addr := fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      muxRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.WithField("addr", addr).Info("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("server forced to shutdown")
	}

	// Drop all live connections and stop dispatch loops after the HTTP
	// listener is gone.
	service.Shutdown()

	logrus.Info("shutdown complete")
}
