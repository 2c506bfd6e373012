package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/backend/memory"
	"anoa.com/communityforum/internal/backend/postgres"
	"anoa.com/communityforum/internal/bootstrap"
	"anoa.com/communityforum/internal/config"
	"anoa.com/communityforum/internal/logger"
	"anoa.com/communityforum/internal/modules/search"
	"anoa.com/communityforum/internal/server"
	"anoa.com/communityforum/pkg/database"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logOutput, err := logger.Setup(cfg)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer logOutput.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := server.Deps{LogOutput: logOutput}

	switch cfg.Backend {
	case config.BackendMemory:
		mem := memory.New()
		if err := bootstrap.SeedMemory(mem); err != nil {
			log.Fatalf("failed to seed memory backend: %v", err)
		}
		deps.Backend = mem
	default:
		deps.Backend, deps.Redis = connectPostgres(ctx, cfg)
	}

	if cfg.MeiliSearchHost != "" {
		meili := search.NewMeili(cfg.MeiliSearchHost, cfg.MeiliMasterKey)
		defer meili.Close()
		deps.Index = meili
	}

	srv, err := server.NewServer(cfg, deps)
	if err != nil {
		log.Fatalf("failed to build server: %v", err)
	}
	defer srv.Close()

	if err := srv.Run(ctx, ":"+cfg.Port); err != nil {
		log.Fatalf("server exited with error: %v", err)
	}
}

func connectPostgres(ctx context.Context, cfg *config.Config) (backend.Backend, *redis.Client) {
	db, err := database.Connect(cfg.DSN(), cfg.IsDevelopment())
	if err != nil {
		log.Fatal(err)
	}
	if err := postgres.Migrate(db); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	if err := bootstrap.SeedCategories(db); err != nil {
		log.Fatalf("failed to seed categories: %v", err)
	}
	if cfg.IsDevelopment() {
		if err := bootstrap.SeedAdminUser(db); err != nil {
			log.Fatalf("failed to seed admin user: %v", err)
		}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}

	b := postgres.New(db, rdb, postgres.Options{JWTSecret: cfg.JWTSecret, TokenTTL: cfg.JWTTTL})
	go func() {
		if err := b.WatchSessions(ctx); err != nil {
			log.Printf("sessions: watcher stopped: %v", err)
		}
	}()
	return b, rdb
}
