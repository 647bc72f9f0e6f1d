package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/storefront-orders/internal/config"
	"github.com/example/storefront-orders/internal/email"
	"github.com/example/storefront-orders/internal/infrastructure/kafka"
	"github.com/example/storefront-orders/internal/logging"
	"github.com/example/storefront-orders/internal/metrics"
	"github.com/example/storefront-orders/internal/notification"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.ValidateNotifier(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting order notifier",
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers),
		zap.String("kafka_topic", cfg.Kafka.Topic),
		zap.String("group", cfg.Kafka.GroupID),
		zap.String("smtp", cfg.SMTP.Host+":"+cfg.SMTP.Port),
		zap.String("from", cfg.SMTP.From))
	if cfg.AdminEmail == "" {
		logger.Warn("ADMIN_EMAIL is not set, transfer claims will not be mailed")
	}

	emailSvc := email.NewService(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		From:     cfg.SMTP.From,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	})
	m := metrics.New()
	handler := notification.NewHandler(emailSvc, cfg.AdminEmail, logger.Named("notifier"), m)

	metricsServer := &http.Server{
		Addr:              cfg.NotifierMetricsAddr,
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, logger.Named("kafka"))
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Warn("failed to close kafka consumer", zap.Error(err))
		}
	}()

	logger.Info("listening for order events")
	if err := consumer.Consume(ctx, handler.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}
