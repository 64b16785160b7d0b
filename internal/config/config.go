package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends the server can persist through.
const (
	StoreMemory   = "memory"
	StoreMongo    = "mongo"
	StorePostgres = "postgres"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Store         string
	MongoURL      string
	DBName        string
	PGDSN         string
	RunMigrations bool

	RedisAddr     string
	RedisPassword string
	RedisTallyKey string

	KafkaBrokers []string
	KafkaTopic   string

	CORSOrigins    []string
	WSSendBuffer   int
	WSWriteTimeout time.Duration

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		DBName:          "campus_pool",
		RedisTallyKey:   "rating:tally:",
		KafkaTopic:      "ride-events",
		CORSOrigins:     []string{"*"},
		WSSendBuffer:    32,
		WSWriteTimeout:  10 * time.Second,
		LogLevel:        "info",
		LogMaxSizeMB:    100,
		LogMaxBackups:   3,
		LogMaxAgeDays:   28,
	}
}

// LoadDotEnv reads .env (or the given files) into the process environment.
// Variables that are already set win; a missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.MongoURL = strings.TrimSpace(os.Getenv("MONGO_URL"))
	setStringFromEnv(&cfg.DBName, "DB_NAME")
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.Store = strings.ToLower(strings.TrimSpace(os.Getenv("STORE")))
	if cfg.Store == "" {
		cfg.Store = inferStore(cfg)
	}
	switch cfg.Store {
	case StoreMemory:
	case StoreMongo:
		if cfg.MongoURL == "" {
			errs = append(errs, fmt.Errorf("STORE=mongo requires MONGO_URL"))
		}
	case StorePostgres:
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("STORE=postgres requires PG_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE %q: want memory, mongo or postgres", cfg.Store))
	}

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisTallyKey, "REDIS_TALLY_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitAndTrim(origins)
	}
	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setDurationFromEnv(&cfg.WSWriteTimeout, "WS_WRITE_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	cfg.LogFile = strings.TrimSpace(os.Getenv("LOG_FILE"))
	setIntFromEnv(&cfg.LogMaxSizeMB, "LOG_MAX_SIZE_MB", &errs)
	setIntFromEnv(&cfg.LogMaxBackups, "LOG_MAX_BACKUPS", &errs)
	setIntFromEnv(&cfg.LogMaxAgeDays, "LOG_MAX_AGE_DAYS", &errs)

	if cfg.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func inferStore(cfg ServerConfig) string {
	switch {
	case cfg.MongoURL != "":
		return StoreMongo
	case cfg.PGDSN != "":
		return StorePostgres
	default:
		return StoreMemory
	}
}

// ConsumerConfig configures the ride event consumer.
type ConsumerConfig struct {
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	StatsKey      string
	MetricsAddr   string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "ride-events",
		KafkaGroup:   "campus-pool-consumer",
		RedisAddr:    "localhost:6379",
		StatsKey:     "ride:stats",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.StatsKey, "REDIS_STATS_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
