// Command drain runs the dispatch pipeline without the HTTP server until
// the callout queue is empty. Operators use it after incidents that left
// rows behind, or to flush a stopped environment before maintenance.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/sirephil/sf-async-callout/internal/config"
	"github.com/sirephil/sf-async-callout/internal/container"
	"github.com/sirephil/sf-async-callout/internal/logger"
	"github.com/sirephil/sf-async-callout/internal/pipeline"
	"github.com/sirephil/sf-async-callout/internal/repo"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
)

func main() {
	timeout := flag.Duration("timeout", 5*time.Minute, "give up after this long")
	flag.Parse()

	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{},
	}

	repository := repo.NewRepository(gdb, rdb, kw, log)

	reg := container.New()
	bus := pipeline.NewBus(reg, cfg.Pipeline.RetriggerDelay(), log)
	runner := pipeline.NewRunner(cfg.Pipeline.SenderWorkers, log)
	reg.Register(pipeline.CalloutProcessorType, func() any {
		return pipeline.NewCalloutProcessor(repository, repository, bus, runner, cfg.Pipeline.BatchSize, log)
	})
	bus.Subscribe(pipeline.CalloutProcessorType)

	log.Info("drain started")
	bus.Publish(pipeline.CalloutProcessorType)

	deadline := time.Now().Add(*timeout)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx := context.Background()
		pending, err := repository.CountPendingCallouts(ctx)
		if err != nil {
			log.Errorf("count pending: %v", err)
			continue
		}
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			log.Errorf("gave up with %d callouts still pending", pending)
			break
		}
		log.Infof("%d callouts pending", pending)
		// nudge again in case a processor round ended between our checks
		bus.Publish(pipeline.CalloutProcessorType)
	}

	bus.Stop()
	runner.Wait()
	if err := kw.Close(); err != nil {
		log.Errorf("kafka close: %v", err)
	}
	log.Info("drain finished")
}
