package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audiopaste/cfg"
	"audiopaste/metrics"
	"audiopaste/svc/api"
	"audiopaste/svc/blob"
	"audiopaste/svc/cache"
	"audiopaste/svc/db"
	"audiopaste/svc/gc"
	"audiopaste/svc/hash"
	"audiopaste/svc/life"
	"audiopaste/svc/lim"
	"audiopaste/svc/svc"
	"audiopaste/svc/util"

	"github.com/joho/godotenv"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		dbPath := os.Getenv("DATABASE_PATH")
		if dbPath == "" {
			dbPath = "audiopaste.db"
		}
		sqlDB, err := db.NewSQLite(dbPath)
		if err != nil {
			os.Exit(1)
		}
		defer sqlDB.Close()
		pingCtx, pingCancel := context.WithTimeout(ctx, 1*time.Second)
		defer pingCancel()
		if err := sqlDB.DB().PingContext(pingCtx); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		util.Warn().Err(err).Msg("failed to load .env file")
	}

	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting audiopaste API")
	metrics.Init()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
		os.Exit(1)
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	blobs, err := blob.New(c.BlobDir, c.BlobSuffix)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize blob store")
		os.Exit(1)
	}
	util.Info().Str("root", blobs.Root()).Str("suffix", c.BlobSuffix).Msg("blob store initialized")

	collector := gc.NewCollector(sqlDB, blobs, c.GCGracePeriod, c.GCBatchSize)

	// One-shot offline collection pass for cron use.
	if len(os.Args) > 1 && os.Args[1] == "-gc" {
		res, err := collector.RunOnce(ctx)
		if err != nil {
			util.Fatal().Err(err).Msg("gc pass failed")
			os.Exit(1)
		}
		util.Info().
			Int("records", res.RecordsDeleted).
			Int("blobs", res.BlobsDeleted).
			Int("orphans", res.OrphansDeleted).
			Msg("offline gc pass complete")
		os.Exit(0)
	}

	var rdb *db.Redis
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(db.RedisOptions{
			URL:      c.RedisURL,
			TLS:      c.RedisTLS,
			Username: c.RedisUsername,
			Password: c.RedisPassword.Value(),
			Timeout:  c.RedisTimeout,
		})
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
				os.Exit(1)
			}
			util.Warn().Err(err).Msg("redis unavailable (dev mode)")
		} else {
			util.Info().Msg("redis connected")
		}
	}
	if rdb != nil {
		defer rdb.Close()
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
		os.Exit(1)
	}
	util.Info().Int("size", c.LRUCacheSize).Msg("LRU cache initialized")

	hasher, err := hash.New(c.KeyPrefixLen)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize hasher")
		os.Exit(1)
	}
	util.Info().Int("prefix_len", c.KeyPrefixLen).Msg("hasher initialized")

	lifecycle := life.NewManager(sqlDB, blobs)
	pasteSvc := svc.NewPaste(sqlDB, blobs, lruCache, rdb, hasher, lifecycle, c)
	util.Info().Msg("paste service initialized")

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pasteSvc, limiter, sqlDB, rdb)

	quitWAL := make(chan struct{})
	go db.StartWALMaintenance(sqlDB.DB(), quitWAL)
	util.Info().Msg("WAL maintenance worker started")

	collector.Start(ctx, c.GCInterval)

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
			os.Exit(1)
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	collector.Stop()
	close(quitWAL)
	cancel()
	pasteSvc.Shutdown()
	util.Info().Msg("Shutdown complete")
}
