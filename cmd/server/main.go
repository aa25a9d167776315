package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirephil/sf-async-callout/internal/capture"
	"github.com/sirephil/sf-async-callout/internal/config"
	"github.com/sirephil/sf-async-callout/internal/container"
	"github.com/sirephil/sf-async-callout/internal/logger"
	"github.com/sirephil/sf-async-callout/internal/model"
	"github.com/sirephil/sf-async-callout/internal/pipeline"
	"github.com/sirephil/sf-async-callout/internal/repo"
	"github.com/sirephil/sf-async-callout/internal/service"
	httptransport "github.com/sirephil/sf-async-callout/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Deal{}, &model.Callout{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer, keyed by record so one record's callouts share a partition
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}

	// 6. repo
	repository := repo.NewRepository(gdb, rdb, kw, log)

	// 7. dispatch pipeline
	reg := container.New()
	bus := pipeline.NewBus(reg, cfg.Pipeline.RetriggerDelay(), log)
	runner := pipeline.NewRunner(cfg.Pipeline.SenderWorkers, log)
	reg.Register(pipeline.CalloutProcessorType, func() any {
		return pipeline.NewCalloutProcessor(repository, repository, bus, runner, cfg.Pipeline.BatchSize, log)
	})
	bus.Subscribe(pipeline.CalloutProcessorType)

	// 8. capture & service
	capturer := capture.NewCapturer(repository, bus, pipeline.CalloutProcessorType, log)
	svc := service.NewDealService(repository, capturer, log)

	// 9. gin router
	router := httptransport.NewRouter(svc, cfg.RateLimit, log)

	// rows left pending by a previous run will not republish themselves
	bus.Publish(pipeline.CalloutProcessorType)

	// 10. serve until signalled, then drain the pipeline
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		log.Infof("callout-server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("http shutdown: %v", err)
	}
	bus.Stop()
	runner.Wait()
	if err := kw.Close(); err != nil {
		log.Errorf("kafka close: %v", err)
	}
}
