package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/camoverride/emotion-detector/internal/config"
	"github.com/camoverride/emotion-detector/internal/face"
	"github.com/camoverride/emotion-detector/internal/grpcserver"
	"github.com/camoverride/emotion-detector/internal/handlers"
	"github.com/camoverride/emotion-detector/internal/logging"
	"github.com/camoverride/emotion-detector/internal/pipeline"
	"github.com/camoverride/emotion-detector/internal/predict"
	"github.com/camoverride/emotion-detector/internal/repository"
	"github.com/camoverride/emotion-detector/internal/socket"
	"github.com/camoverride/emotion-detector/internal/usecase"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "emotion-detector",
		Short:        "Live webcam face emotion, age and gender service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, websocket and gRPC health servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	root.RunE = serve.RunE

	root.AddCommand(serve, newAnalyzeCmd(loadConfig), newHealthcheckCmd(loadConfig))
	return root
}

// buildCoordinator wires the locator, prediction client and coordinator from cfg.
func buildCoordinator(cfg *config.Config, logger *zap.Logger) (*pipeline.Coordinator, *predict.Client, error) {
	locator, err := face.NewLocator(cfg.Detector.Backend, cfg.Detector.Cascade, cfg.DetectorParams())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build face locator: %w", err)
	}
	client := predict.NewClient(cfg.Registry(), cfg.Predict.Timeout, logger)
	coordinator, err := pipeline.New(locator, client, cfg.PipelineModels(), cfg.RequestTypes(), logger, cfg.PipelineOptions())
	if err != nil {
		return nil, nil, err
	}
	return coordinator, client, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger, err := logging.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	coordinator, client, err := buildCoordinator(cfg, logger)
	if err != nil {
		return err
	}

	var runRepo usecase.RunRepository
	if cfg.DatabaseDSN != "" {
		initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
		db, err := initDatabase(initCtx, cfg.DatabaseDSN, logger)
		initCancel()
		if err != nil {
			return err
		}
		repo := repository.NewRunRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			return fmt.Errorf("auto migrate failed: %w", err)
		}
		runRepo = repo
	}

	var counter usecase.Counter
	if cfg.RedisAddr != "" && cfg.Throttle.FramesPerSecond > 0 {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient, err := initRedis(redisCtx, cfg.RedisAddr)
		redisCancel()
		if err != nil {
			return err
		}
		defer redisClient.Close()
		counter = usecase.NewRedisCounter(redisClient)
	}

	uc := usecase.NewFrameUseCase(coordinator, runRepo, counter, logger, usecase.Options{
		FramesPerSecond: cfg.Throttle.FramesPerSecond,
		RunTimeout:      cfg.RunTimeout,
	})
	sockets := socket.NewServer(uc, logger, socket.Options{
		MaxInflight:     cfg.MaxInflight,
		MaxMessageBytes: int64(cfg.MaxFrameBytes) + handlers.EnvelopeBytes,
	})

	hs := health.NewServer()
	endpoints := make([]predict.Endpoint, 0, len(cfg.Models))
	for _, m := range cfg.PipelineModels() {
		endpoints = append(endpoints, m.Endpoint)
	}
	prober := grpcserver.NewProber(client, endpoints, hs, cfg.Predict.ProbeInterval, logger)
	go prober.Run(ctx)

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
		}
		grpcServer := grpcserver.NewServer(hs)
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("grpc server stopped", zap.Error(err))
			}
		}()
		defer grpcServer.GracefulStop()
		defer hs.Shutdown()
		logger.Info("gRPC health listening", zap.String("addr", cfg.GRPCAddr))
	}

	r := gin.Default()
	handlers.RegisterRoutes(r, uc, sockets, coordinator, prober, cfg.MaxFrameBytes, logger)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}
	server.RegisterOnShutdown(sockets.Close)

	logger.Info("emotion detector listening", zap.String("addr", cfg.HTTPAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access db handle: %w", err)
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	zapLogger.Info("run accounting enabled")
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
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
