package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/facevault/internal/auth"
	"github.com/example/facevault/internal/config"
	"github.com/example/facevault/internal/events"
	"github.com/example/facevault/internal/facestore"
	"github.com/example/facevault/internal/grpcclient"
	"github.com/example/facevault/internal/handlers"
	"github.com/example/facevault/internal/logging"
	"github.com/example/facevault/internal/repository"
	"github.com/example/facevault/internal/usecase"
)

const sequenceKeyPrefix = "faces:seq:"

func main() {
	cfg := config.Load()

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := os.MkdirAll(cfg.DatabaseRoot, 0o755); err != nil {
		logger.Fatal("failed to create database root", zap.String("root", cfg.DatabaseRoot), zap.Error(err))
	}

	var (
		verificationDeps usecase.VerificationDeps
		sampleRepo       usecase.SampleRepository
		directoryRepo    usecase.DirectoryRepository
		publisher        events.Publisher    = events.NopPublisher{}
		sequencer        facestore.Sequencer = facestore.NewLocalSequencer()
	)

	if repo := initAuditRepository(ctx, cfg.Audit, logger); repo != nil {
		verificationDeps.Repo = repo
		sampleRepo = repo
		directoryRepo = repo
	}

	if redisClient := initRedis(ctx, cfg.Redis, logger); redisClient != nil {
		defer redisClient.Close()
		verificationDeps.Cache = usecase.NewRedisResultCache(redisClient, cfg.Redis.ResultTTL)
		sequencer = facestore.NewRedisSequencer(redisClient, sequenceKeyPrefix)
	}

	if cfg.Events.AMQPURL != "" {
		rabbit, err := events.NewRabbitPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange)
		if err != nil {
			logger.Fatal("failed to connect to rabbitmq", zap.Error(err))
		}
		defer rabbit.Close()
		publisher = rabbit
	}
	verificationDeps.Publisher = publisher

	client, conn, err := grpcclient.DialFaceMatcher(ctx, cfg.Engine.Addr, cfg.Engine.DialTimeout, cfg.Engine.CallTimeout, logger)
	if err != nil {
		logger.Fatal("failed to connect to face matcher", zap.String("addr", cfg.Engine.Addr), zap.Error(err))
	}
	defer conn.Close()

	store := facestore.NewStore(cfg.DatabaseRoot, sequencer, logger)
	registration := usecase.NewRegistrationUseCase(store, sampleRepo, publisher, logger)
	registration.SetMaxImagePixels(cfg.MaxImagePixels)
	verification := usecase.NewVerificationUseCase(client, cfg.DatabaseRoot, verificationDeps, logger)
	directory := usecase.NewDirectoryUseCase(directoryRepo, registration, verification, logger)

	r := gin.New()
	r.Use(logging.GinMiddleware(logger), gin.Recovery())

	var authMiddleware gin.HandlerFunc
	if cfg.Auth.JWTSecret != "" {
		authMiddleware = auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience)
	} else {
		logger.Warn("JWT_SECRET not set, face endpoints are public")
	}

	handlers.RegisterRoutes(r, handlers.Deps{
		Registration:   registration,
		Verification:   verification,
		Identities:     store,
		Directory:      directory,
		Defaults:       cfg.Defaults,
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxImagePixels: cfg.MaxImagePixels,
		Logger:         logger,
	}, authMiddleware)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("face API listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("database_root", cfg.DatabaseRoot),
		zap.String("engine_addr", cfg.Engine.Addr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// initAuditRepository returns nil when no DSN is configured.
func initAuditRepository(ctx context.Context, cfg config.AuditConfig, zapLogger *zap.Logger) *repository.AuditRepository {
	if cfg.DSN == "" {
		zapLogger.Info("DATABASE_DSN not set, verification audit and user directory disabled")
		return nil
	}

	db, err := repository.Open(cfg.DSN, cfg.MaxOpenConns, cfg.MaxIdleConns, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	repo := repository.NewAuditRepository(db, zapLogger)
	if err := repo.AutoMigrate(ctx); err != nil {
		zapLogger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

// initRedis returns nil when no address is configured.
func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	if cfg.Addr == "" {
		zapLogger.Info("REDIS_ADDR not set, using in-process sequencer without result cache")
		return nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
