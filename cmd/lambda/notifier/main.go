package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/example/ec-payments/internal/app"
	"github.com/example/ec-payments/internal/config"
	"github.com/example/ec-payments/internal/domain/order"
	"github.com/example/ec-payments/internal/infrastructure/kinesis"
	"github.com/example/ec-payments/internal/logging"
	"go.uber.org/zap"
)

type effectRunner interface {
	Run(ctx context.Context, orderID string) error
}

// streamHandler runs side effects for orders whose DynamoDB stream change
// is the pending -> paid transition.
type streamHandler struct {
	runner effectRunner
	logger *zap.Logger
}

func (h *streamHandler) Handle(ctx context.Context, kinesisEvent events.KinesisEvent) (events.KinesisEventResponse, error) {
	orders, failures := kinesis.BatchPaidOrdersFromKinesisEvent(kinesisEvent)
	return h.process(ctx, kinesisEvent.Records, orders, failures), nil
}

func (h *streamHandler) process(ctx context.Context, records []events.KinesisEventRecord, orders map[string]*order.Order, failures map[string]error) events.KinesisEventResponse {
	var batchItemFailures []events.KinesisBatchItemFailure
	fail := func(seq string) {
		batchItemFailures = append(batchItemFailures, events.KinesisBatchItemFailure{ItemIdentifier: seq})
	}

	for _, record := range records {
		seq := record.Kinesis.SequenceNumber
		if err, ok := failures[seq]; ok {
			h.logger.Error("Failed to convert record", zap.String("sequence", seq), zap.Error(err))
			fail(seq)
			continue
		}

		o, ok := orders[seq]
		if !ok {
			continue
		}
		if err := h.runner.Run(ctx, o.ID); err != nil {
			h.logger.Error("Side effects incomplete",
				zap.String("order_id", o.ID),
				zap.String("sequence", seq),
				zap.Error(err))
			fail(seq)
		}
	}

	h.logger.Info("Processed stream batch",
		zap.Int("records", len(records)),
		zap.Int("paid_orders", len(orders)),
		zap.Int("failures", len(batchItemFailures)))

	return events.KinesisEventResponse{BatchItemFailures: batchItemFailures}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Lambda Notifier] %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("[Lambda Notifier] Failed to create logger: %v", err)
	}

	cfg.StoreBackend = config.StoreDynamo
	st, _, err := app.OpenStore(context.Background(), cfg)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}

	h := &streamHandler{
		runner: app.NewDispatcher(cfg, st, logger),
		logger: logger.Named("lambda"),
	}
	logger.Info("Lambda notifier initialized",
		zap.String("orders_table", cfg.OrdersTable),
		zap.String("smtp_host", cfg.SMTP.Host))

	lambda.Start(h.Handle)
}
