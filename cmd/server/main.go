package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-pool/internal/config"
	httpapi "github.com/example/campus-pool/internal/http"
	"github.com/example/campus-pool/internal/ingest"
	"github.com/example/campus-pool/internal/logging"
	"github.com/example/campus-pool/internal/models"
	"github.com/example/campus-pool/internal/registry"
	"github.com/example/campus-pool/internal/reputation"
	"github.com/example/campus-pool/internal/storage"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, logFile := logging.NewLoggerWithFile(cfg.LogLevel, logging.FileOptions{
		Path:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAgeDays: cfg.LogMaxAgeDays,
	})
	defer logFile.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Warn("close store", "error", err)
		}
	}()

	var tally reputation.TallyStore
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, rating tallies fall back to the store", "addr", cfg.RedisAddr, "error", err)
			tally = reputation.NewGatewayTally(store)
		} else {
			tally = reputation.NewRedisTallyFromClient(rc, cfg.RedisTallyKey)
			logger.Info("rating tallies in redis", "addr", cfg.RedisAddr)
		}
	} else {
		tally = reputation.NewGatewayTally(store)
	}

	var events ingest.Publisher = ingest.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
		events = kp
		logger.Info("publishing ride events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	reg := registry.New(logger, registry.Options{SendBuffer: cfg.WSSendBuffer, WriteTimeout: cfg.WSWriteTimeout})
	defer reg.Close()

	srv := httpapi.NewServer(httpapi.Deps{Store: store, Tally: tally, Events: events, Registry: reg}, logger, httpapi.Options{CORSOrigins: cfg.CORSOrigins})
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("campus-pool listening", "addr", cfg.HTTPAddr, "store", cfg.Store)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	reg.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (storage.Gateway, error) {
	switch cfg.Store {
	case config.StoreMongo:
		ms, err := storage.NewMongoStore(ctx, cfg.MongoURL, cfg.DBName)
		if err != nil {
			return nil, err
		}
		collections := []string{
			models.UsersCollection, models.RoutesCollection, models.RideRequestsCollection,
			models.RideMatchesCollection, models.RatingsCollection, models.SubscriptionsCollection,
			models.RatingTalliesCollection,
		}
		if err := ms.EnsureIndexes(ctx, collections...); err != nil {
			_ = ms.Close(context.Background())
			return nil, err
		}
		if err := ms.EnsureUnique(ctx, models.RatingsCollection, "ride_id", "rider_id"); err != nil {
			_ = ms.Close(context.Background())
			return nil, err
		}
		logger.Info("using mongo store", "db", cfg.DBName)
		return ms, nil
	case config.StorePostgres:
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				_ = ps.Close(context.Background())
				return nil, err
			}
			logger.Info("migration applied")
		}
		logger.Info("using postgres store")
		return ps, nil
	default:
		logger.Warn("using in-memory store; data is lost on restart")
		return storage.NewMemoryStore(), nil
	}
}
