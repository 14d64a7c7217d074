// Package app assembles the payment service components from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/email"
	"github.com/example/ec-payments/internal/infrastructure/cache"
	"github.com/example/ec-payments/internal/infrastructure/store"
	"github.com/example/ec-payments/internal/notification"
	"github.com/example/ec-payments/internal/payment"
	"github.com/example/ec-payments/internal/payment/payu"
	"github.com/example/ec-payments/internal/payment/razorpay"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var knownGateways = []string{razorpay.Name, payu.Name}

// OpenStore connects the configured backend. Postgres schemas are migrated
// on open. The returned func releases the connection.
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, func() error, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return store.NewMemoryStore(), func() error { return nil }, nil

	case config.StorePostgres:
		db, err := store.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		if err := store.RunMigrations(db); err != nil {
			db.Close()
			return nil, nil, err
		}
		return store.NewPostgresStore(db), db.Close, nil

	case config.StoreDynamo:
		client, err := NewDynamoDBClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return store.NewDynamoStore(client, cfg.OrdersTable, cfg.ProductsTable), func() error { return nil }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// NewDynamoDBClient loads the default AWS credential chain. DYNAMODB_ENDPOINT
// points the client at DynamoDB Local.
func NewDynamoDBClient(ctx context.Context, cfg *config.Config) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	}), nil
}

// NewRegistry builds the enabled gateways. Known gateways left out of
// GATEWAYS_ENABLED answer with a configuration error.
func NewRegistry(cfg *config.Config) (*payment.Registry, error) {
	var gateways []payment.Gateway
	var disabled []string

	for _, name := range knownGateways {
		if !cfg.GatewayEnabled(name) {
			disabled = append(disabled, name)
			continue
		}
		switch name {
		case razorpay.Name:
			gateways = append(gateways, razorpay.New(cfg.Razorpay))
		case payu.Name:
			gw, err := payu.New(cfg.PayU)
			if err != nil {
				return nil, err
			}
			gateways = append(gateways, gw)
		}
	}

	registry := payment.NewRegistry(gateways...)
	registry.Disable(disabled...)
	return registry, nil
}

// NewDeduper returns nil when REDIS_ADDR is unset.
func NewDeduper(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*cache.RedisDeduper, func() error) {
	if cfg.RedisAddr == "" {
		return nil, func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis unavailable, webhook dedup degraded", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	return cache.NewRedisDeduper(client, cfg.WebhookDedupTTL), client.Close
}

// NewDispatcher wires the side-effect dispatcher with the SMTP mailer.
func NewDispatcher(cfg *config.Config, st store.Store, logger *zap.Logger, opts ...notification.DispatcherOption) *notification.Dispatcher {
	opts = append([]notification.DispatcherOption{notification.WithAdminEmail(cfg.AdminEmail)}, opts...)
	return notification.NewDispatcher(st, email.NewSMTPSender(cfg.SMTP), logger, opts...)
}
