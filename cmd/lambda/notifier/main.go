package main

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/example/storefront-orders/internal/config"
	"github.com/example/storefront-orders/internal/email"
	"github.com/example/storefront-orders/internal/infrastructure/kinesis"
	"github.com/example/storefront-orders/internal/logging"
	"github.com/example/storefront-orders/internal/metrics"
	"github.com/example/storefront-orders/internal/notification"
	"go.uber.org/zap"
)

// eventHandler is the part of notification.Handler the function needs.
type eventHandler interface {
	HandleEvent(ctx context.Context, key, value []byte) error
}

type function struct {
	handler eventHandler
	logger  *zap.Logger
}

// handle mails the notifications for each orders-table change. Records that
// fail are reported back so Lambda retries only those.
func (f *function) handle(ctx context.Context, kinesisEvent events.KinesisEvent) (events.KinesisEventResponse, error) {
	f.logger.Info("received records", zap.Int("count", len(kinesisEvent.Records)))

	var batchItemFailures []events.KinesisBatchItemFailure
	fail := func(record events.KinesisEventRecord) {
		batchItemFailures = append(batchItemFailures, events.KinesisBatchItemFailure{
			ItemIdentifier: record.Kinesis.SequenceNumber,
		})
	}

	for _, record := range kinesisEvent.Records {
		change, err := kinesis.ConvertFromKinesisRecord(record)
		if err != nil {
			f.logger.Error("failed to convert record", zap.String("record_id", record.EventID), zap.Error(err))
			fail(record)
			continue
		}
		if change == nil {
			continue
		}

		for _, ev := range change.Events() {
			payload, err := json.Marshal(ev)
			if err != nil {
				f.logger.Error("failed to marshal event", zap.String("event_id", ev.ID), zap.Error(err))
				fail(record)
				break
			}
			if err := f.handler.HandleEvent(ctx, []byte(ev.OrderID), payload); err != nil {
				f.logger.Error("failed to process event", zap.String("event_id", ev.ID), zap.Error(err))
				fail(record)
				break
			}
		}
	}

	f.logger.Info("processed records",
		zap.Int("succeeded", len(kinesisEvent.Records)-len(batchItemFailures)),
		zap.Int("total", len(kinesisEvent.Records)))
	return events.KinesisEventResponse{BatchItemFailures: batchItemFailures}, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	if cfg.SMTP.Host == "" || cfg.SMTP.From == "" {
		logger.Fatal("SMTP_HOST and SMTP_FROM are required")
	}

	emailSvc := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		From:     cfg.SMTP.From,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	})
	f := &function{
		handler: notification.NewHandler(emailSvc, cfg.AdminEmail, logger.Named("notifier"), metrics.New()),
		logger:  logger.Named("lambda"),
	}
	logger.Info("lambda notifier initialized", zap.String("smtp", cfg.SMTP.Host+":"+cfg.SMTP.Port))

	lambda.Start(f.handle)
}
