package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/storefront-orders/internal/api"
	"github.com/example/storefront-orders/internal/auth"
	"github.com/example/storefront-orders/internal/command"
	"github.com/example/storefront-orders/internal/config"
	"github.com/example/storefront-orders/internal/infrastructure/idempotency"
	"github.com/example/storefront-orders/internal/infrastructure/kafka"
	"github.com/example/storefront-orders/internal/infrastructure/store"
	"github.com/example/storefront-orders/internal/logging"
	"github.com/example/storefront-orders/internal/metrics"
	"github.com/example/storefront-orders/internal/notification"
	"github.com/example/storefront-orders/internal/payment/vietqr"
	"github.com/example/storefront-orders/internal/query"
	"github.com/shopspring/decimal"
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

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	// Money goes over the wire as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting storefront order api",
		zap.String("store", cfg.Store.Driver),
		zap.Strings("kafka_brokers", cfg.Kafka.Brokers),
		zap.String("kafka_topic", cfg.Kafka.Topic),
		zap.Bool("vietqr_sandbox", cfg.VietQR.Sandbox),
		zap.Bool("require_transfer_claim", cfg.Payment.RequireTransferClaim))

	orderStore, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	idem, closeIdem, err := openIdempotencyStore(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer closeIdem()

	m := metrics.New()

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger.Named("kafka"))
	defer func() {
		if err := producer.Close(); err != nil {
			logger.Warn("failed to close kafka producer", zap.Error(err))
		}
	}()
	dispatcher := notification.NewDispatcher(producer, logger.Named("dispatcher"), m)

	var policy vietqr.AmountPolicy = vietqr.ExactPolicy{}
	if cfg.VietQR.Sandbox {
		policy = vietqr.DefaultSandboxPolicy()
	}
	qr := vietqr.NewBuilder(vietqr.Config{
		BankID:       cfg.VietQR.BankID,
		AccountNo:    cfg.VietQR.AccountNo,
		AccountName:  cfg.VietQR.AccountName,
		Template:     cfg.VietQR.Template,
		ImageBaseURL: cfg.VietQR.ImageBaseURL,
	}, policy)

	cmdHandler := command.NewHandler(command.Deps{
		Store:                orderStore,
		Dispatcher:           dispatcher,
		QR:                   qr,
		Metrics:              m,
		Logger:               logger.Named("orders"),
		RequireTransferClaim: cfg.Payment.RequireTransferClaim,
		MaxAttempts:          cfg.Payment.MaxAttempts,
	})
	queryHandler := query.NewHandler(orderStore, logger.Named("queries"))

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Expiry)
	router := api.NewRouter(api.NewHandlers(cmdHandler, queryHandler, logger), api.RouterConfig{
		Tokens:         jwtService,
		Metrics:        m,
		Idempotency:    idem,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Logger:         logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server started", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}

	// Let in-flight notifications reach the producer before it closes.
	dispatcher.Close()
	logger.Info("shutdown complete")
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := store.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		logger.Info("connected to postgres")
		return pg, closeDB(db, logger), nil
	case config.DriverDynamo:
		client, err := store.NewDynamoClient(ctx, cfg.DynamoRegion, cfg.DynamoURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using dynamodb",
			zap.String("region", cfg.DynamoRegion),
			zap.String("products_table", cfg.ProductsTable),
			zap.String("orders_table", cfg.OrdersTable))
		return store.NewDynamoStore(client, cfg.ProductsTable, cfg.OrdersTable), func() {}, nil
	default:
		logger.Warn("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}
}

func closeDB(db *sql.DB, logger *zap.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Warn("failed to close database", zap.Error(err))
		}
	}
}

func openIdempotencyStore(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (idempotency.Store, func(), error) {
	if !cfg.Enabled() {
		logger.Info("idempotency keys kept in memory")
		return idempotency.NewMemoryStore(), func() {}, nil
	}
	client, err := idempotency.NewRedisClient(ctx, cfg.Addr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("idempotency keys kept in redis", zap.String("addr", cfg.Addr))
	return idempotency.NewRedisStore(client, "storefront:idempotency"), func() {
		if err := client.Close(); err != nil {
			logger.Warn("failed to close redis client", zap.Error(err))
		}
	}, nil
}
