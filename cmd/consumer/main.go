package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/campus-pool/internal/config"
	"github.com/example/campus-pool/internal/ingest"
	"github.com/example/campus-pool/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ride event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// allow some flags for local runs
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	radapter := &redisAdapter{c: rc}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		ev, err := decodeEvent(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		// Try updating Redis with retries and small backoff
		if err := updateRedisWithRetry(ctx, radapter, cfg.StatsKey, ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "type", ev.Type, "request_id", ev.RequestID, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func decodeEvent(b []byte) (ingest.Event, error) {
	var ev ingest.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return ingest.Event{}, err
	}
	if ev.Type == "" {
		return ingest.Event{}, fmt.Errorf("event has no type")
	}
	return ev, nil
}

// RedisUpdater defines the small subset of redis operations we need for tests and production.
type RedisUpdater interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) error
	HIncrByFloat(ctx context.Context, key, field string, incr float64) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	return r.c.HIncrBy(ctx, key, field, incr).Err()
}

func (r *redisAdapter) HIncrByFloat(ctx context.Context, key, field string, incr float64) error {
	return r.c.HIncrByFloat(ctx, key, field, incr).Err()
}

// updateRedisWithRetry folds one ride event into the stats hash at key:
// a per-type counter, plus the carbon saved by accepted rides.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, key string, ev ingest.Event, attempts int, delay time.Duration) error {
	counted := false
	for i := 0; i < attempts; i++ {
		if !counted {
			if err := rc.HIncrBy(ctx, key, "events:"+ev.Type, 1); err != nil {
				if i == attempts-1 {
					return err
				}
				time.Sleep(delay)
				delay *= 2
				continue
			}
			counted = true
		}
		if ev.Type == ingest.RequestAccepted && ev.CarbonSaved > 0 {
			if err := rc.HIncrByFloat(ctx, key, "carbon_saved", ev.CarbonSaved); err != nil {
				if i == attempts-1 {
					return err
				}
				time.Sleep(delay)
				delay *= 2
				continue
			}
		}
		return nil
	}
	return nil
}
