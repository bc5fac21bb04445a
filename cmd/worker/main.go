package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/beesbook/bb-ingest-service/internal/infra/bbrepo"
	"github.com/beesbook/bb-ingest-service/internal/infra/config"
	"github.com/beesbook/bb-ingest-service/internal/infra/detector"
	"github.com/beesbook/bb-ingest-service/internal/infra/email"
	"github.com/beesbook/bb-ingest-service/internal/infra/ffmpeg"
	"github.com/beesbook/bb-ingest-service/internal/infra/filelist"
	"github.com/beesbook/bb-ingest-service/internal/infra/metrics"
	miniostorage "github.com/beesbook/bb-ingest-service/internal/infra/minio"
	"github.com/beesbook/bb-ingest-service/internal/infra/postgres"
	"github.com/beesbook/bb-ingest-service/internal/infra/rabbitmq"
	"github.com/beesbook/bb-ingest-service/internal/infra/tracing"
	"github.com/beesbook/bb-ingest-service/internal/usecase"
	"github.com/beesbook/bb-ingest-service/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting bb-ingest-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ready atomic.Bool

	// Tracing (non-fatal if the collector is unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	fatalOnErr(postgres.RunMigrations(ctx, pool), "run migrations")

	// MinIO
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:        cfg.MinIOEndpoint,
		AccessKey:       cfg.MinIOAccessKey,
		SecretKey:       cfg.MinIOSecretKey,
		UseSSL:          cfg.MinIOUseSSL,
		VideoBucket:     cfg.MinIOVideoBucket,
		ContainerBucket: cfg.MinIOContainerBucket,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(storage.EnsureBuckets(ctx), "ensure minio buckets")

	// RabbitMQ publisher connection
	rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
	fatalOnErr(err, "connect to rabbitmq for publisher")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
	fatalOnErr(err, "create rabbitmq publisher")
	defer pub.Close()

	statusPub := rabbitmq.NewStatusPublisher(pub)
	dlqPub := rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQDLQ)
	eventPub := rabbitmq.NewContainerEventPublisher(pub)

	// Repository
	repo := bbrepo.New(storage, postgres.NewContainerIndex(pool), eventPub, log)

	// Pipeline adapters
	scheme, err := filelist.ParseNamingScheme(cfg.TimestampLogScheme)
	fatalOnErr(err, "parse timestamp log scheme")
	loc, err := cfg.Location()
	fatalOnErr(err, "load timestamp log timezone")

	reader := ffmpeg.NewReader(cfg.FFmpegBin, cfg.FFprobeBin, log)
	aligner := filelist.NewAligner(cfg.TimestampLogRoot, scheme, loc, log)

	det, err := detector.Start(cfg.DetectorCommand, log)
	fatalOnErr(err, "start detector")
	defer det.Close()

	notifier := email.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.NotificationTo, log)

	// Use case
	uc := usecase.NewProcessSegmentUseCase(
		storage, reader, aligner, det, repo,
		statusPub, dlqPub, notifier,
		log,
		usecase.ProcessSegmentConfig{
			TempDir:        cfg.TempDir,
			RepositoryLock: &sync.Mutex{},
		},
	)

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, ready.Load, log)

	// Consumer (worker pool)
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitMQURL,
		Queue:       cfg.RabbitMQSegmentQueue,
		Exchange:    cfg.RabbitMQExchange,
		DLQ:         cfg.RabbitMQDLQ,
		StatusQueue: cfg.RabbitMQStatusQueue,
		StoredQueue: cfg.RabbitMQStoredQueue,
		Prefetch:    cfg.RabbitMQPrefetch,
		WorkerCount: cfg.WorkerCount,
	}, uc.Execute, log)
	fatalOnErr(err, "create consumer")

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		ready.Store(false)
		cancel()
	}()

	log.Info("bb-ingest-service started, consuming segments")
	ready.Store(true)

	if err := consumer.Start(ctx); err != nil {
		log.Error("consumer error", zap.Error(err))
	}

	// Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	consumer.Close()
	log.Info("bb-ingest-service stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
