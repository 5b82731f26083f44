package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/CrashCraftNetwork/SessionManager/config"
	"github.com/CrashCraftNetwork/SessionManager/events"
	"github.com/CrashCraftNetwork/SessionManager/gateway"
	"github.com/CrashCraftNetwork/SessionManager/metrics"
	"github.com/CrashCraftNetwork/SessionManager/serial"
	"github.com/CrashCraftNetwork/SessionManager/session"
	"github.com/CrashCraftNetwork/SessionManager/services"
	"github.com/CrashCraftNetwork/SessionManager/store"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize config
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.Get()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting session node", zap.String("node", cfg.Node.Name))

	// Persistent session store. A node that cannot reach the store must not
	// join the fleet.
	st, err := store.Open(ctx, store.Options{
		DSN:            cfg.Store.DSN,
		MaxOpenConns:   cfg.Store.MaxOpenConns,
		MaxIdleConns:   cfg.Store.MaxIdleConns,
		ConnectTimeout: time.Duration(cfg.Store.ConnectTimeout) * time.Second,
		ConnectRetries: cfg.Store.ConnectRetries,
	})
	if err != nil {
		logger.Fatal("session store unavailable, shutting down", zap.Error(err))
	}
	defer st.Close()

	if cfg.Store.MigrateOnStart {
		if err := st.Migrate(ctx); err != nil {
			logger.Fatal("store migration failed", zap.Error(err))
		}
	}

	// Redis backs the token revocation list; only needed with auth on.
	var redisClient *redis.Client
	if cfg.Auth.Enabled {
		redisClient, err = services.NewRedisClient(
			cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.PoolTimeout)
		if err != nil {
			logger.Fatal("failed to connect to Redis for the revocation list", zap.Error(err))
		}
		defer services.CloseRedisClient(redisClient)
	}

	// Lifecycle event publisher
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Events.Enabled {
		kafkaPub, err := events.NewKafkaPublisher(cfg.Events.Kafka.Brokers, cfg.Events.Kafka.Topic, logger)
		if err != nil {
			logger.Fatal("failed to create Kafka event publisher", zap.Error(err))
		}
		publisher = kafkaPub
		logger.Info("lifecycle events ENABLED", zap.Strings("brokers", cfg.Events.Kafka.Brokers))
	}
	defer publisher.Close()

	// On-path executor: the single serialized context for cache mutation
	// and forced disconnects.
	exec := serial.NewExecutor(256)
	defer exec.Stop()

	registry := session.NewRegistry(logger)
	clock := clockwork.NewRealClock()

	coordinator, err := session.New(ctx, session.Config{
		NodeName:         cfg.Node.Name,
		PollInterval:     time.Duration(cfg.Coordinator.PollInterval) * time.Millisecond,
		SweepInterval:    time.Duration(cfg.Coordinator.SweepInterval) * time.Millisecond,
		AdmitTimeout:     time.Duration(cfg.Coordinator.AdmitTimeout) * time.Second,
		CloseHookTimeout: time.Duration(cfg.Coordinator.CloseHookTimeout) * time.Second,
	}, st, registry, exec, publisher, logger, clock)
	if err != nil {
		logger.Fatal("coordinator startup failed", zap.Error(err))
	}

	// Auth Initialization
	var jwtValidator *gateway.JWTValidator
	if cfg.Auth.Enabled {
		jwtValidator = gateway.NewJWTValidator(&cfg.Auth, redisClient, logger)
		logger.Info("JWT authentication is ENABLED")
	} else {
		logger.Info("JWT authentication is DISABLED")
	}

	connRegistry := gateway.NewConnRegistry(logger)
	coordinator.SetDisconnector(connRegistry)

	handler := gateway.NewHandler(coordinator, connRegistry, jwtValidator, &cfg.Auth, logger)

	// Background reconciliation loop
	go coordinator.Run(ctx)

	if cfg.Metrics.Enabled {
		metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/session", handler.HandleSession)
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("gateway server failed", zap.Error(err))
		}
	}()
	logger.Info("session node started", zap.String("addr", srv.Addr))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	// Graceful shutdown: stop the sweep, drain every local session, then
	// drop live connections and the HTTP listener.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Coordinator.ShutdownTimeout)*time.Second+5*time.Second)
	defer shutdownCancel()

	coordinator.Shutdown(shutdownCtx, time.Duration(cfg.Coordinator.ShutdownTimeout)*time.Second)
	connRegistry.CloseAll("Server shutting down")
	srv.Shutdown(shutdownCtx)
}
