package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-core/config"
	"checkout-core/internal/api"
	"checkout-core/internal/broker"
	"checkout-core/internal/fakebackend"
	"checkout-core/internal/redisclient"
	"checkout-core/internal/service"
	"checkout-core/internal/session"
	"checkout-core/internal/store"
	"checkout-core/internal/transport"
	"checkout-core/internal/util"
	"checkout-core/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const sessionSchemaVersion = 1

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout core")

	tp, err := util.InitTracer("checkout-core", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	kv, err := openStore(cfg)
	if err != nil {
		logger.Fatal("Failed to open persistence", zap.String("driver", cfg.Persistence.Driver), zap.Error(err))
	}
	defer kv.Close()
	logger.Info("Persistence ready", zap.String("driver", cfg.Persistence.Driver))

	ctx := context.Background()
	tokens := restoreSession(ctx, kv, logger)

	baseURL := cfg.Backend.BaseURL
	if cfg.Backend.Fake {
		fake := fakebackend.New().Start()
		defer fake.Close()
		baseURL = fake.URL
		logger.Info("Serving fake backend", zap.String("url", baseURL))
	}

	var checkout *service.Checkout
	client, err := transport.NewClient(transport.Options{
		BaseURL:    baseURL,
		Timeout:    cfg.Backend.RequestTimeout,
		Token:      tokens.Token,
		ClearToken: tokens.Clear,
		OnUnauthorized: func() {
			checkout.SessionExpired(context.Background())
		},
	})
	if err != nil {
		logger.Fatal("Failed to create backend client", zap.Error(err))
	}

	bus := broker.NewBus()
	checkout = service.NewCheckout(client, kv, bus, service.Settings{
		HoldDuration:        time.Duration(cfg.Checkout.HoldDurationSeconds) * time.Second,
		AvailabilityRetries: cfg.Checkout.AvailabilityRetries,
		CartTTL:             cfg.Checkout.CartTTL,
		OrderPageSize:       cfg.Checkout.OrderPageSize,
		Poll: service.PollOptions{
			Interval:    cfg.Checkout.PaymentPollInterval,
			MaxAttempts: cfg.Checkout.PaymentPollMaxAttempts,
			Timeout:     cfg.Checkout.PaymentPollTimeout,
		},
	})
	if tokens.SignedIn() {
		checkout.Restore(ctx)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var callbackWorker *worker.CallbackWorker
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		defer producer.Close()
		detach := broker.NewKafkaSink(producer).Attach(bus)
		defer detach()
		logger.Info("Kafka event sink attached", zap.String("topic", cfg.Kafka.TopicEvents))

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicCallbacks, cfg.Kafka.ConsumerGroup)
		callbackWorker = worker.NewCallbackWorker(consumer, checkout.Payments)
		go func() {
			if err := callbackWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Callback worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(checkout, tokens)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	checkout.Payments.Reset()
	workerCancel()
	if callbackWorker != nil {
		callbackWorker.Stop()
	}

	logger.Info("Server exited")
}

func openStore(cfg *config.Config) (store.KV, error) {
	switch cfg.Persistence.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		// DSN doubles as the key namespace when state lives in Redis.
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Persistence.DSN)
		if err != nil {
			return nil, err
		}
		return rc, nil
	default:
		sq, err := store.NewSQLStore(cfg.Persistence.Driver, cfg.Persistence.DSN)
		if err != nil {
			return nil, err
		}
		return sq, nil
	}
}

// restoreSession loads the persisted token and keeps it in sync with later
// sign-ins and expiries.
func restoreSession(ctx context.Context, kv store.KV, logger *zap.Logger) *session.TokenStore {
	persisted := store.NewEntity[string](kv, store.KeySession, sessionSchemaVersion)

	token, ok, err := persisted.Load(ctx)
	if err != nil {
		logger.Warn("Could not restore session, starting signed out", zap.Error(err))
	}
	if !ok {
		token = ""
	}

	tokens := session.NewTokenStore(token)
	tokens.OnChange(func(ctx context.Context, token string) {
		var err error
		if token == "" {
			err = persisted.Clear(ctx)
		} else {
			err = persisted.Save(ctx, token, 0)
		}
		if err != nil {
			util.Warn(ctx, logger, "Could not persist session", zap.Error(err))
		}
	})
	return tokens
}
