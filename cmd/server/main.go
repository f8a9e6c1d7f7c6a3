package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/voximind/voice-gateway/internal/config"
	"github.com/voximind/voice-gateway/internal/domain"
	"github.com/voximind/voice-gateway/internal/handler"
	"github.com/voximind/voice-gateway/internal/repository"
	"github.com/voximind/voice-gateway/internal/session"
	"github.com/voximind/voice-gateway/pkg/logger"
	"github.com/voximind/voice-gateway/pkg/redis"
)

func main() {
	// Load .env file if present (development convenience)
	_ = godotenv.Load()

	cfg := config.LoadFromEnv()

	logger.Init(os.Getenv("ENV"))
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Base().Fatal("invalid configuration", zap.Error(err))
	}

	// Persistence is optional: without a DSN the gateway runs calls but
	// keeps no history.
	var calls *repository.CallRepository
	var recorder session.Recorder = session.NopRecorder{}
	if cfg.DatabaseDSN != "" {
		db, err := repository.Open(cfg.DatabaseDSN)
		if err != nil {
			logger.Base().Fatal("failed to connect to database", zap.Error(err))
		}
		calls = repository.NewCallRepository(db)
		recorder = calls
		logger.Base().Info("call logging enabled")
	} else {
		logger.Base().Warn("DATABASE_DSN not set, call logging disabled")
	}
	asyncRec := session.NewAsyncRecorder(recorder, cfg.RecorderQueueDepth, cfg.RecorderPersistTimeout)

	// Redis mirrors live sessions across instances; also optional.
	var monitor *session.Monitor
	if cfg.RedisHost != "" {
		redisSvc, err := redis.NewRedisService(&redis.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Base().Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer redisSvc.Close()
		monitor = session.NewMonitor(redisSvc, cfg.InstanceID)
		logger.Base().Info("session monitoring enabled", zap.String("instance_id", cfg.InstanceID))
	}

	registry := session.NewRegistry(monitor)
	manager, err := session.NewManager(cfg, registry, asyncRec)
	if err != nil {
		logger.Base().Fatal("failed to build session manager", zap.Error(err))
	}

	// Cross-instance terminate requests: whichever instance owns the
	// session acts, the rest ignore the broadcast.
	if monitor != nil {
		err := monitor.SubscribeToTerminate(context.Background(), func(sessionID string) {
			if h, ok := registry.Lookup(sessionID); ok {
				h.Terminate(domain.EndReasonOperatorTerminated)
			}
		})
		if err != nil {
			logger.Base().Warn("failed to subscribe to terminate broadcasts", zap.Error(err))
		}
	}

	router := handler.NewRouter(cfg, manager, calls, monitor)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
		// No blanket read/write timeouts: media-stream websockets stay open
		// for the length of a phone call.
		ReadHeaderTimeout: cfg.SetupTimeout,
	}

	go func() {
		logger.Base().Info("voice gateway listening",
			zap.String("port", cfg.Port),
			zap.String("public_host", cfg.PublicHost),
			zap.String("provider_encoding", cfg.ProviderEncoding))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Base().Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Base().Info("shutdown signal received")

	// Stop accepting new calls, then drain the live ones.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Base().Warn("server shutdown error", zap.Error(err))
	}
	if err := registry.DrainAll(shutdownCtx); err != nil {
		logger.Base().Warn("session drain incomplete", zap.Error(err))
	}

	// Flush queued lifecycle events before exit.
	asyncRec.Close()
	logger.Base().Info("voice gateway stopped")
}
