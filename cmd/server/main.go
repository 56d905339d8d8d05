// Command server launches the Graph API caching proxy: one listener for
// proxied Graph requests and one for realtime update deliveries. The
// realtime endpoint must be publicly reachable; the proxy endpoint should
// only be reachable from the web servers that would otherwise call the
// Graph API directly.
package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"graphproxy/internal/apps"
	"graphproxy/internal/cache"
	"graphproxy/internal/config"
	"graphproxy/internal/httpserver"
	"graphproxy/internal/subscribe"
	"graphproxy/internal/upstream"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	ctx := context.Background()

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	records, err := apps.LoadFile(cfg.AppsFile)
	if err != nil {
		logger.Fatal("failed to load apps file",
			zap.String("path", cfg.AppsFile), zap.Error(err))
	}
	registry := apps.NewRegistry(records)

	client := upstream.NewClient(cfg.GraphServer, cfg.UpstreamTimeout, logger)
	engine := cache.NewEngine(cfg.CacheEntries, logger)

	var validate httpserver.Validator
	if cfg.ValidatorSecret != "" {
		validate = httpserver.NewBearerValidator(cfg.ValidatorSecret)
	}

	verifyToken := uuid.NewString()

	proxySrv := &http.Server{
		Addr:              cfg.ProxyAddr(),
		Handler:           httpserver.NewProxyRouter(registry, engine, client, validate, logger),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	realtimeSrv := &http.Server{
		Addr:              cfg.RealtimeAddr(),
		Handler:           httpserver.NewRealtimeRouter(registry, engine, verifyToken, logger),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// The realtime endpoint comes up first: the Graph server calls back
	// during subscription registration.
	rtListener, err := net.Listen("tcp", cfg.RealtimeAddr())
	if err != nil {
		logger.Fatal("failed to listen on realtime address",
			zap.String("addr", cfg.RealtimeAddr()), zap.Error(err))
	}
	go func() {
		logger.Info("realtime endpoint starting", zap.String("addr", cfg.RealtimeAddr()))
		if err := realtimeSrv.Serve(rtListener); err != nil && err != http.ErrServerClosed {
			logger.Fatal("realtime server failed", zap.Error(err))
		}
	}()

	if cfg.PublicHostname != "" {
		registrar := subscribe.NewRegistrar(client, verifyToken, logger)
		registrar.RegisterApps(ctx, registry, cfg.CallbackBase())
	} else {
		logger.Warn("PUBLIC_HOSTNAME not set, skipping realtime subscription registration")
	}

	go func() {
		logger.Info("proxy endpoint starting", zap.String("addr", cfg.ProxyAddr()))
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("proxy server failed", zap.Error(err))
		}
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-shutdownChan
	logger.Info("received signal, shutting down", zap.Stringer("signal", sig))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("proxy server shutdown error", zap.Error(err))
	}
	if err := realtimeSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("realtime server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newLogger(environment string) (*zap.Logger, error) {
	if environment == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
