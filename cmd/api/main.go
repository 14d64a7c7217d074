package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/ec-payments/internal/api"
	"github.com/example/ec-payments/internal/app"
	"github.com/example/ec-payments/internal/auth"
	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/infrastructure/kafka"
	"github.com/example/ec-payments/internal/logging"
	"github.com/example/ec-payments/internal/notification"
	"github.com/example/ec-payments/internal/payment"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[API] %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("[API] Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer closeStore()

	registry, err := app.NewRegistry(cfg)
	if err != nil {
		logger.Fatal("Failed to build gateways", zap.Error(err))
	}

	var dispatcherOpts []notification.DispatcherOption
	var effects payment.SideEffects
	var inline *notification.InlineEnqueuer

	switch cfg.SideEffectMode {
	case config.SideEffectsKafka:
		producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		effects = notification.NewKafkaEnqueuer(producer, st, logger)
		// Admin retries republish when the original publish failed.
		dispatcherOpts = append(dispatcherOpts, notification.WithPublisher(producer))
	case config.SideEffectsStream:
		effects = notification.NoopEnqueuer{}
	}

	dispatcher := app.NewDispatcher(cfg, st, logger, dispatcherOpts...)
	if effects == nil {
		inline = notification.NewInlineEnqueuer(dispatcher, cfg.SideEffectTimeout, logger)
		effects = inline
	}

	var processorOpts []payment.ProcessorOption
	deduper, closeDeduper := app.NewDeduper(ctx, cfg, logger)
	defer closeDeduper()
	if deduper != nil {
		processorOpts = append(processorOpts, payment.WithDeduper(deduper))
	}

	initiator := payment.NewInitiator(st, registry, logger, payment.WithGatewayTimeout(cfg.Razorpay.Timeout))
	processor := payment.NewProcessor(st, registry, effects, logger, processorOpts...)

	routerCfg := api.RouterConfig{
		Handlers: api.NewHandlers(initiator, processor, cfg.StorefrontSuccessURL, cfg.StorefrontFailureURL, logger),
		WebDir:   os.Getenv("WEB_DIR"),
		Logger:   logger,
	}
	if cfg.AdminEnabled() {
		tokens := auth.NewJWTService(cfg.JWTSecret, 15*time.Minute)
		routerCfg.Tokens = tokens
		routerCfg.Admin = api.NewAdminHandlers(
			auth.NewAdminAuthenticator(cfg.AdminLoginEmail, cfg.AdminPasswordHash, tokens),
			st, dispatcher, os.Getenv("COOKIE_INSECURE") == "", logger)
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Payment API started",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.StoreBackend),
			zap.String("side_effects", cfg.SideEffectMode),
			zap.Strings("gateways", registry.Names()),
			zap.Bool("admin", cfg.AdminEnabled()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}

	if inline != nil {
		inline.Wait()
	}
}
