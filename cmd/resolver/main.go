package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/config"
	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/mapping"
	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/resolution"
	"github.com/AI-God-Dev/Sales-Intelligence-Automation-System-sub002/internal/snowflake"
)

func main() {
	var (
		configPath     = flag.String("config", "config/config.yaml", "path to the YAML config file")
		entityType     = flag.String("entity-type", "all", "entities to resolve: email, phone, or all")
		mode           = flag.String("mode", "incremental", "run mode: incremental or full_reconciliation")
		batchSize      = flag.Int("batch-size", 0, "participants per batch (0 uses the configured default)")
		importMappings = flag.String("import-mappings", "", "import manual mappings from a CSV file or s3://bucket/key, then exit")
	)
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
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

	// SIGINT/SIGTERM cancel the run; in-flight batches finish and the run
	// record closes as partial.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("Failed to ping warehouse: %v", err)
	}
	cancel()

	if *importMappings != "" {
		runImport(ctx, db, cfg, *importMappings)
		return
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Printf("Redis unreachable, falling back to warehouse locking: %v", err)
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
	}

	store := resolution.NewStore(db, cfg.Warehouse.QueryTimeout())
	executor := resolution.NewExecutor(db, cfg.Warehouse.QueryTimeout())
	progress := resolution.NewProgressTracker(redisClient)
	job := resolution.NewJob(store, executor, progress, redisClient, sink, resolution.JobConfig{
		DefaultRegion: cfg.Resolution.DefaultRegion,
		LockTTL:       cfg.Resolution.LockTTL(),
	})

	opts := resolution.Options{
		EntityType: *entityType,
		Mode:       resolution.Mode(*mode),
		BatchSize:  *batchSize,
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = cfg.Resolution.BatchSize
	}

	result, err := job.Run(ctx, opts)
	if err != nil {
		log.Printf("Run ended with error: %v", err)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	os.Stdout.Write(append(out, '\n'))

	if err != nil {
		os.Exit(1)
	}
}

func runImport(ctx context.Context, db *sql.DB, cfg *config.Config, source string) {
	rc, err := mapping.Open(ctx, source, cfg.Mapping)
	if err != nil {
		log.Fatalf("Failed to open mapping source %s: %v", source, err)
	}
	defer rc.Close()

	importer := mapping.NewImporter(db, cfg.Resolution.DefaultRegion)
	imported, errCount, err := importer.ImportFromReader(ctx, rc, source)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	log.Printf("Import complete: %d mappings upserted, %d rows rejected", imported, errCount)
	if errCount > 0 {
		os.Exit(1)
	}
}
