package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/skyvoyage/pagecache/pkg/config"
	"github.com/skyvoyage/pagecache/pkg/entities"
	"github.com/skyvoyage/pagecache/pkg/invalidation"
	"github.com/skyvoyage/pagecache/pkg/logging"
	"github.com/skyvoyage/pagecache/pkg/normalize"
	"github.com/skyvoyage/pagecache/pkg/origin"
	"github.com/skyvoyage/pagecache/pkg/page"
	"github.com/skyvoyage/pagecache/pkg/policy"
	"github.com/skyvoyage/pagecache/pkg/rendercache"
	"github.com/skyvoyage/pagecache/pkg/timestamp"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("PAGECACHE_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LoggingConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	store := timestamp.NewRedisStore(redisClient, cfg.TimestampOptions(), logger)
	renders := rendercache.NewManager(redisClient, cfg.Caching.RenderKeyPrefix)
	layers := rendercache.Layers{renders}

	var og *rendercache.OGCache
	if cfg.OGImage.Dir != "" {
		var err error
		og, err = rendercache.OpenOGCache(cfg.OGImage.Dir, cfg.OGImage.KeyPrefix)
		if err != nil {
			return err
		}
		defer og.Close()
		layers = append(layers, og)
		logger.Info().Str("dir", cfg.OGImage.Dir).Msg("OG image cache opened")
	}

	var source entities.Source
	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()

		pg := entities.NewPostgresSource(pool, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		source = pg
		logger.Info().Msg("Entity change scan enabled")
	} else {
		logger.Warn().Msg("No postgres DSN configured, scheduled runs only drain deferred invalidations")
	}

	engine := invalidation.New(
		store,
		layers,
		source,
		invalidation.NewRedisWatermark(redisClient, cfg.Invalidation.WatermarkKey),
		cfg.InvalidationOptions(),
		logger,
	)
	if cfg.Caching.Enabled {
		go engine.Start(ctx)
	}

	router := page.NewRouter(cfg.Locales.Default, cfg.Locales.Supported)
	normalizer := normalize.New(router, policy.DefaultRegistry(), store, cfg.NormalizeOptions(), logger)

	// Renders are only cached while caching is enabled.
	var cache *rendercache.Manager
	if cfg.Caching.Enabled {
		cache = renders
	}
	originClient, err := origin.New(cfg.OriginConfig(), cache, logger)
	if err != nil {
		return err
	}

	srv := &server{
		redis:      redisClient,
		store:      store,
		engine:     engine,
		normalizer: normalizer,
		router:     router,
		origin:     originClient,
		og:         og,
		logger:     logger.With().Str("component", "server").Logger(),
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.Server.Address).
			Str("origin", cfg.Server.Origin).
			Bool("caching", cfg.Caching.Enabled).
			Msg("Starting page cache server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
