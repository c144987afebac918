package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"

	"github.com/clearcard/sqljobs/internal/blob"
	"github.com/clearcard/sqljobs/internal/cache"
	"github.com/clearcard/sqljobs/internal/config"
	"github.com/clearcard/sqljobs/internal/platform/logger"
	"github.com/clearcard/sqljobs/internal/queue"
	"github.com/clearcard/sqljobs/internal/store/sqlstore"
	"github.com/clearcard/sqljobs/internal/worker"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		l := logger.New("job-worker")
		l.Fatal().Err(err).Msg("config")
	}
	log := logger.NewWithLevel("job-worker", cfg.LogLevel)

	db, err := sqlstore.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("database open")
	}
	defer func() { _ = db.Close() }()
	if err := sqlstore.EnsureSchema(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("schema")
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis url")
	}
	rdb := redis.NewClient(opts)
	defer func() { _ = rdb.Close() }()

	gcs, err := storage.NewClient(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("gcs client")
	}
	defer func() { _ = gcs.Close() }()

	w := worker.New(
		queue.NewRedis(rdb),
		cache.NewRedis(rdb),
		sqlstore.New(db),
		db,
		blob.NewGCS(gcs),
		worker.Config{
			Bucket:        cfg.GCSBucket,
			ChunkMaxBytes: cfg.ChunkMaxBytes(),
			QueryTimeout:  cfg.QueryTimeout(),
		},
		log,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker exit")
		os.Exit(1)
	}
}
