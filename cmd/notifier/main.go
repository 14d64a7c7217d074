package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ec-payments/internal/app"
	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/infrastructure/kafka"
	"github.com/example/ec-payments/internal/logging"
	"github.com/example/ec-payments/internal/notification"
	"go.uber.org/zap"
)

// notifier consumes PaymentSettled events and runs the post-payment side
// effects when SIDE_EFFECT_MODE=kafka.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Notifier] %v", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("[Notifier] Failed to create logger: %v", err)
	}
	defer logger.Sync()

	if len(cfg.KafkaBrokers) == 0 || cfg.KafkaTopic == "" {
		logger.Fatal("KAFKA_BROKERS and KAFKA_TOPIC are required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := app.OpenStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	defer closeStore()

	// The API completes event:published before the event reaches this consumer.
	dispatcher := app.NewDispatcher(cfg, st, logger)
	handler := notification.NewHandler(dispatcher, logger)

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, logger)
	defer consumer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("Notifier consuming",
			zap.Strings("brokers", cfg.KafkaBrokers),
			zap.String("topic", cfg.KafkaTopic),
			zap.String("group", cfg.KafkaGroupID),
			zap.String("smtp_host", cfg.SMTP.Host))
		if err := consumer.Consume(ctx, handler.HandleEvent); err != nil && ctx.Err() == nil {
			logger.Error("Consumer stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-done:
	}

	logger.Info("Shutting down")
	cancel()
	<-done
}
