package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearcard/sqljobs/internal/api"
	"github.com/clearcard/sqljobs/internal/broker"
	"github.com/clearcard/sqljobs/internal/cache"
	"github.com/clearcard/sqljobs/internal/config"
	"github.com/clearcard/sqljobs/internal/platform/logger"
	"github.com/clearcard/sqljobs/internal/queue"
	"github.com/clearcard/sqljobs/internal/store/sqlstore"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		l := logger.New("job-broker")
		l.Fatal().Err(err).Msg("config")
	}
	log := logger.NewWithLevel("job-broker", cfg.LogLevel)

	// -------- Metadata store --------------
	db, err := sqlstore.Open(cfg.DBDriver, cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("database open")
	}
	defer func() { _ = db.Close() }()
	if err := sqlstore.EnsureSchema(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("schema")
	}
	metaStore := sqlstore.New(db)

	// -------- Status cache & queue --------
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis url")
	}
	rdb := redis.NewClient(opts)
	defer func() { _ = rdb.Close() }()
	statusCache := cache.NewRedis(rdb)
	jobQueue := queue.NewRedis(rdb)

	// -------- Router & Server -------------
	svc := broker.New(metaStore, statusCache, jobQueue, cfg.GCSBucket, log)
	health := api.NewHealthHandler(map[string]api.Pinger{
		"database": api.PingerFunc(db.PingContext),
		"redis":    api.PingerFunc(statusCache.Ping),
	})
	router := api.NewRouter(svc, health)
	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited")
}
