// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/young-artisan/storefront-chat/internal/config"
	"github.com/young-artisan/storefront-chat/internal/docstore"
	"github.com/young-artisan/storefront-chat/internal/docstore/memory"
	"github.com/young-artisan/storefront-chat/internal/docstore/postgres"
	"github.com/young-artisan/storefront-chat/internal/handler"
	natsclient "github.com/young-artisan/storefront-chat/internal/nats"
	"github.com/young-artisan/storefront-chat/internal/service"
	"github.com/young-artisan/storefront-chat/pkg/logger"
	"github.com/young-artisan/storefront-chat/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewForEnv(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server", zap.String("store_backend", cfg.StoreBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "storefront-chat", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	sessions := service.NewSessions(store, log.Component("sessions"), service.Options{
		IdleTTL:      cfg.ChatSessionIdleTTL,
		StoreTimeout: cfg.ChatStoreTimeout,
	})
	defer sessions.Close()
	go sessions.Run(ctx, sweepInterval(cfg.ChatSessionIdleTTL))

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:            cfg.JWTSecret,
		RateLimitRequests:    cfg.RateLimitRequests,
		RateLimitWindow:      cfg.RateLimitWindow,
		CORSAllowedOrigins:   cfg.CORSAllowedOrigins,
		SSEHeartbeatInterval: cfg.SSEHeartbeatInterval,
	}, store, sessions, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	// Open streams block Shutdown until they end, so sessions close first.
	sessions.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// openStore builds the configured backend, instrumented for metrics.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (docstore.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     "storefront-chat",
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to NATS: %w", err)
		}
		store, err := natsclient.NewStore(ctx, client, natsclient.Layout{Replicas: cfg.NATSReplicas}, log)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("open NATS store: %w", err)
		}
		return docstore.Instrument(store), func() {
			_ = store.Close()
			client.Close()
		}, nil

	case config.BackendPostgres:
		store, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.PostgresDSN,
			MaxConns: int32(cfg.PostgresMaxConns),
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return docstore.Instrument(store), func() { _ = store.Close() }, nil

	default:
		log.Warn("using in-memory store; conversations are lost on restart")
		store := memory.New()
		return docstore.Instrument(store), func() { _ = store.Close() }, nil
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	if interval := ttl / 4; interval > time.Second {
		return interval
	}
	return time.Second
}
