package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/api"
	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/config"
	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/resolution"
	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/snowflake"
)

func main() {
	log.Println("Starting resolution API server...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Warehouse.URL)
	if err != nil {
		log.Fatalf("Failed to open warehouse connection: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Warehouse.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Warehouse.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("Failed to ping warehouse: %v", err)
	}
	cancel()
	log.Println("Connected to warehouse")

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			log.Printf("Redis unreachable, progress and locking fall back to the warehouse: %v", err)
			redisClient = nil
		}
	}

	var sink resolution.RunSink
	if cfg.Snowflake.Enabled {
		sfClient, err := snowflake.NewClient(cfg.Snowflake)
		if err != nil {
			log.Fatalf("Failed to initialize Snowflake mirror: %v", err)
		}
		defer sfClient.Close()
		sink = sfClient
		log.Println("Snowflake run mirror enabled")
	}

	store := resolution.NewStore(db, cfg.Warehouse.QueryTimeout())
	executor := resolution.NewExecutor(db, cfg.Warehouse.QueryTimeout())
	progress := resolution.NewProgressTracker(redisClient)
	job := resolution.NewJob(store, executor, progress, redisClient, sink, resolution.JobConfig{
		DefaultRegion: cfg.Resolution.DefaultRegion,
		LockTTL:       cfg.Resolution.LockTTL(),
	})

	router := api.SetupRoutes(api.NewHandlers(store, job, progress, cfg.Resolution.RunHistoryLimit))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // run triggers block until the run finishes
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
