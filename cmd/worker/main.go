package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/hlsworker/internal/cache"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/config"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/connect"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/database"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/logging"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/metrics"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/queue"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/storage"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/tracing"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/hlsworker/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Worker exited with error")
	}
	logger.Info("Worker stopped")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_, tracerCloser, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		return err
	}
	defer tracerCloser.Close()

	m := metrics.New()
	connector := connect.New(logger)
	maxWait := cfg.Worker.ConnectMaxWait

	// Object store
	if err := connector.WaitURL(ctx, cfg.Storage.Endpoint, maxWait); err != nil {
		return err
	}
	store, err := storage.NewFromConfig(ctx, cfg.Storage, m, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := connector.Retry(ctx, "storage", maxWait, func(ctx context.Context) error {
		return store.EnsureBucket(ctx, cfg.Storage.VODBucket)
	}); err != nil {
		return err
	}

	// Broker
	if err := connector.WaitURL(ctx, cfg.AMQP.URL, maxWait); err != nil {
		return err
	}
	q, err := queue.New(ctx, cfg.AMQP, connector, maxWait, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	// Optional distributed lock and job state
	var redisCache *cache.Cache
	if cfg.Redis.Addr != "" {
		err := connector.Retry(ctx, "redis", maxWait, func(ctx context.Context) error {
			c, err := cache.NewCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return err
			}
			redisCache = c
			return nil
		})
		if err != nil {
			return err
		}
		defer redisCache.Close()
		logger.WithField("addr", cfg.Redis.Addr).Info("Distributed video lock enabled")
	}

	opts := []worker.Option{}
	if redisCache != nil {
		opts = append(opts, worker.WithStateCache(redisCache))
	}

	// Optional job ledger
	var db *database.DB
	if cfg.Database.URL != "" {
		err := connector.Retry(ctx, "postgres", maxWait, func(ctx context.Context) error {
			d, err := database.New(ctx, cfg.Database)
			if err != nil {
				return err
			}
			db = d
			return nil
		})
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			return err
		}
		opts = append(opts, worker.WithLedger(database.NewJobRepository(db.Pool)))
		logger.Info("Job ledger enabled")
	}

	if err := os.MkdirAll(cfg.Transcoder.WorkDir, 0755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}

	engine := transcoder.NewFFmpeg(cfg.Transcoder, m, logger)
	publisher := q.Publisher(queue.WithPublisherMetrics(m), queue.WithPublisherLogger(logger))
	lock := cache.NewVideoLock(redisCache, cfg.Worker.LockTTL, logger)

	processor := worker.NewProcessor(worker.ProcessorConfigFrom(cfg), store, engine, publisher, lock, m, logger, opts...)
	consumer := queue.NewConsumer(processor.Handle, cfg.Worker.Concurrency, cfg.Worker.ShutdownTimeout, m, logger)

	// Metrics and health
	server := metrics.NewServer(cfg.Metrics.Port, m, readiness(q, redisCache, db), logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.ErrorWithErr("Metrics server failed", err)
		}
	}()
	defer server.Stop(5 * time.Second)

	deliveries, err := q.Consume()
	if err != nil {
		return err
	}

	// Connection loss ends the process so the supervisor restarts it
	connClosed := q.NotifyClose()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	connErrs := make(chan error, 1)
	go func() {
		select {
		case amqpErr, ok := <-connClosed:
			if ok && amqpErr != nil {
				logger.WithError(amqpErr).Error("Broker connection lost")
				connErrs <- fmt.Errorf("broker connection lost: %w", amqpErr)
			}
			cancelRun()
		case <-ctx.Done():
			logger.Info("Shutting down worker gracefully...")
			if err := q.CancelConsumer(); err != nil {
				logger.WithError(err).Warn("Failed to cancel consumer")
			}
		case <-runCtx.Done():
		}
	}()

	logger.WithFields(map[string]interface{}{
		"queue":       cfg.AMQP.Queue,
		"concurrency": cfg.Worker.Concurrency,
		"prefetch":    cfg.AMQP.Prefetch,
	}).Info("Worker started, waiting for upload events")

	err = consumer.Run(runCtx, deliveries)
	select {
	case connErr := <-connErrs:
		return connErr
	default:
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func readiness(q *queue.Queue, c *cache.Cache, db *database.DB) metrics.ReadinessFunc {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := q.Health(ctx); err != nil {
			return err
		}
		if c != nil {
			if err := c.Ping(ctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		if db != nil {
			if err := db.Health(ctx); err != nil {
				return fmt.Errorf("postgres: %w", err)
			}
		}
		return nil
	}
}
