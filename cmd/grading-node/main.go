package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gradingnode/internal/common/cache"
	commonmw "gradingnode/internal/common/http/middleware"
	"gradingnode/internal/common/mq"
	"gradingnode/internal/common/storage"
	"gradingnode/internal/grading/artifact"
	"gradingnode/internal/grading/controller"
	"gradingnode/internal/grading/executor"
	"gradingnode/internal/grading/facade"
	"gradingnode/internal/grading/judge"
	"gradingnode/internal/grading/repository"
	"gradingnode/internal/grading/rpc"
	"gradingnode/internal/grading/sandbox/config"
	"gradingnode/internal/grading/sandbox/engine"
	"gradingnode/internal/grading/sandbox/observer"
	"gradingnode/internal/grading/sandbox/runner"
	"gradingnode/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grading_node.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(appCfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Close()
	}()

	if err := run(appCfg, log); err != nil {
		log.Error(context.Background(), "grading node stopped", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig, log *logger.Logger) error {
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observer.NewPrometheusRecorder(registry)

	localRepo := config.NewLocalRepository(appCfg.Language.Languages, appCfg.Language.Profiles)
	eng, err := engine.NewEngine(appCfg.Sandbox.toEngineConfig(), localRepo, log.Named("engine"))
	if err != nil {
		return fmt.Errorf("init sandbox engine failed: %w", err)
	}
	sandboxRunner := runner.New(eng, localRepo, appCfg.Runner.toRunnerConfig(), metrics, log.Named("runner"))
	verdictJudge := judge.New(sandboxRunner, log.Named("judge"))
	exec := executor.New(sandboxRunner, verdictJudge, localRepo, appCfg.Grading.toExecutorConfig(), metrics, log.Named("executor"))

	var publisher repository.StatusEventPublisher
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka)
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = producer.Close()
		}()
		publisher = repository.NewMQStatusEventPublisher(producer, appCfg.Status.FinalTopic)
	}

	var statuses repository.StatusStore
	if appCfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCacheWithConfig(appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer func() {
			_ = redisCache.Close()
		}()
		statuses = repository.NewStatusRepository(redisCache, appCfg.Status.TTL, publisher, log.Named("status"))
	} else {
		log.Warn(ctx, "redis is not configured, keeping statuses in memory")
		statuses = repository.NewMemoryStatusRepository(appCfg.Status.TTL, publisher)
	}
	exec.SetStatusReporter(statuses)

	var objects storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		objects, err = storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return fmt.Errorf("init minio failed: %w", err)
		}
	}
	artifacts := artifact.NewStore(appCfg.Artifacts, objects)

	manager := executor.NewManager(exec, appCfg.Worker.toManagerConfig(), log.Named("manager"))
	svc, err := facade.NewService(facade.Config{
		Submitter: manager,
		Statuses:  statuses,
		Artifacts: artifacts,
		Logger:    log.Named("facade"),
	})
	if err != nil {
		return fmt.Errorf("init grading service failed: %w", err)
	}

	grpcServer := rpc.NewServer(log.Named("rpc"))
	rpc.RegisterGradingService(grpcServer, svc)
	grpcListener, err := net.Listen("tcp", appCfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("init grpc listener failed: %w", err)
	}

	httpServer := buildHTTPServer(appCfg.Server, svc, registry, log)
	httpListener, err := net.Listen("tcp", appCfg.Server.HTTPAddr)
	if err != nil {
		_ = grpcListener.Close()
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info(ctx, "grading grpc server started", zap.String("addr", appCfg.Server.GRPCAddr))
		errCh <- grpcServer.Serve(grpcListener)
	}()
	go func() {
		log.Info(ctx, "grading http server started", zap.String("addr", appCfg.Server.HTTPAddr))
		errCh <- httpServer.Serve(httpListener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-shutdownCtx.Done():
		log.Info(ctx, "shutdown signal received")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		log.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	grpcServer.GracefulStop()
	return serveErr
}

func buildHTTPServer(cfg ServerConfig, svc facade.GradingService, registry *prometheus.Registry, log *logger.Logger) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.AccessLogMiddleware(log.Named("http")))

	controller.NewGradingController(svc).Register(router)
	router.GET("/healthz", controller.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
