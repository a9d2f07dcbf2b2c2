package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"morada/internal/config"
	"morada/internal/extract"
	server "morada/internal/http"
	"morada/internal/jobs"
	"morada/internal/mappings"
	"morada/internal/migrate"
	"morada/internal/normalize"
	"morada/internal/store"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	role := flag.String("role", "all", "process role: api|worker|all")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Create a shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	maxOpen := cfg.Database.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	maxIdle := cfg.Database.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 10
	}
	lifetime := cfg.Database.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(time.Duration(lifetime) * time.Minute)

	st := store.New(db)

	// Set up logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	rootCtx := context.Background()

	// Mapping cache warms at boot so the first crawl does not pay the
	// load; a failed preload just falls back to the defaults.
	cache := mappings.NewCache(st, cfg.Mappings.TTL(), logger)
	cache.Preload(rootCtx)

	extractor := extract.New(cache)
	registry := normalize.NewRegistry(cache)

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		if opt, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			rdb = redis.NewClient(opt)
		} else {
			logger.Warn("redis url invalid, rate limiting disabled", "error", err)
		}
	}

	startWorker := func() {
		runner := jobs.NewRunner(st, extractor, registry, cfg.Scraper, logger)
		worker := jobs.NewWorker(st, runner, cfg.Worker, logger)
		worker.Start(rootCtx)
	}
	startAPI := func() {
		s := server.NewServer(server.Deps{
			Config:    cfg,
			Store:     st,
			Cache:     cache,
			Extractor: extractor,
			Registry:  registry,
			Logger:    logger,
			Redis:     rdb,
		})
		if err := s.Listen(); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	}

	switch *role {
	case "api":
		startAPI()
	case "worker":
		startWorker()
		select {}
	case "all":
		startWorker()
		startAPI()
	default:
		log.Fatalf("invalid role: %s (expected api|worker|all)", *role)
	}
}
