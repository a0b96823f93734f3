package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/llmrouter/internal/config"
	"github.com/amerfu/llmrouter/internal/logger"
	redisStore "github.com/amerfu/llmrouter/internal/services/data/redis"
	"github.com/amerfu/llmrouter/internal/services/worker"
)

func main() {
	var (
		configPath         = flag.String("config", "", "Path to config file")
		batchSize          = flag.Int("batch-size", 100, "Batch size for processing")
		processingInterval = flag.Duration("interval", 30*time.Second, "Processing interval")
		once               = flag.Bool("once", false, "Drain the queue once and exit")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if !cfg.Redis.Enabled() {
		log.Fatal("Usage worker needs redis.url")
	}

	log.Info("Starting usage worker",
		zap.Int("batch_size", *batchSize),
		zap.Duration("processing_interval", *processingInterval))

	redisClient, err := initRedis(cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	defer func() { _ = redisClient.Close() }()

	queue := redisStore.NewUsageQueue(&redisStore.UsageQueueConfig{
		Client:    redisClient,
		Logger:    log,
		QueueName: cfg.Usage.QueueName,
		BatchSize: *batchSize,
	})
	processor := worker.NewUsageProcessor(&worker.UsageProcessorConfig{
		Queue:              queue,
		Locker:             redisStore.NewLockManager(redisClient, log),
		Logger:             log,
		ProcessingInterval: *processingInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		n, err := processor.Drain(ctx)
		if err != nil {
			log.Error("Drain stopped early", zap.Error(err))
		}
		log.Info("Queue drained", zap.Int("events", n))
		processor.LogTotals()
		return
	}

	processor.Start(ctx)
	log.Info("Usage worker started successfully")

	<-ctx.Done()
	log.Info("Shutdown signal received, stopping worker...")
	processor.Stop()

	if pending, err := queue.Length(context.Background()); err == nil {
		log.Info("Events left in queue", zap.Int64("pending", pending))
	}
	processor.LogTotals()
	log.Info("Usage worker shutdown complete")
}

func initRedis(cfg config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opt.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opt.DB = cfg.DB
	}
	if cfg.PoolSize != 0 {
		opt.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	log.Info("Redis connection established", zap.String("addr", opt.Addr))
	return client, nil
}
