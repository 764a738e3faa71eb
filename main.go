package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	apihttp "evcc-ingest/internal/api/http"
	"evcc-ingest/internal/audit"
	"evcc-ingest/internal/auth"
	"evcc-ingest/internal/cache"
	memorycache "evcc-ingest/internal/cache/infrastructure/memory"
	postgrescache "evcc-ingest/internal/cache/infrastructure/postgres"
	rediscache "evcc-ingest/internal/cache/infrastructure/redis"
	"evcc-ingest/internal/observability/metrics"
	"evcc-ingest/internal/telemetry/application"
	telemetry "evcc-ingest/internal/telemetry/domain"
	"evcc-ingest/internal/telemetry/infrastructure/influx"
	mqttsub "evcc-ingest/internal/telemetry/interfaces/mqtt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ns, db, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		logger.Fatalf("cache open error: %v", err)
	}
	defer closeCache()
	metrics.Init(db, cfg.CacheTable, logger)

	patterns, err := application.LoadPatterns(cfg.PatternsFile)
	if err != nil {
		logger.Fatalf("topic patterns error: %v", err)
	}
	router, err := telemetry.NewRouter(patterns)
	if err != nil {
		logger.Fatalf("topic router error: %v", err)
	}

	writer, err := influx.NewWriter(influx.Config{
		URL:       cfg.InfluxURL,
		Token:     cfg.InfluxToken,
		Org:       cfg.InfluxOrg,
		Bucket:    cfg.InfluxBucket,
		Precision: cfg.InfluxPrecision,
		Timeout:   cfg.InfluxTimeout,
	},
		influx.WithRetryDelay(cfg.InfluxRetryDelay),
		influx.WithRetryHook(func(error) { metrics.IncWriteRetry() }),
		influx.WithLogger(logger),
	)
	if err != nil {
		logger.Fatalf("influx writer error: %v", err)
	}

	flusher, err := application.NewFlusher(ns.Write, router, writer,
		application.WithFlushRoot(cfg.TopicRoot),
		application.WithValueCoercion(cfg.CoerceValues),
		application.WithFlushLogger(logger),
	)
	if err != nil {
		logger.Fatalf("flusher error: %v", err)
	}
	scheduler, err := application.NewFlushScheduler(flusher,
		application.WithSettleDelay(cfg.SettleDelay),
		application.WithSchedulerLogger(logger),
	)
	if err != nil {
		logger.Fatalf("flush scheduler error: %v", err)
	}

	guard := telemetry.NewInstanceGuard(cfg.InstanceFilter, logger)
	ingestor, err := application.NewIngestor(ns, router,
		application.WithGuard(guard),
		application.WithFlushTrigger(scheduler),
		application.WithTopicRoot(cfg.TopicRoot),
		application.WithStaleWindow(cfg.StaleWindow),
		application.WithIngestLogger(logger),
	)
	if err != nil {
		logger.Fatalf("ingestor error: %v", err)
	}

	subscriber, err := mqttsub.NewSubscriber(mqttsub.Config{
		Host:      cfg.MQTTHost,
		Port:      cfg.MQTTPort,
		Protocol:  cfg.MQTTProtocol,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		ClientID:  cfg.MQTTClientID,
		TopicRoot: cfg.TopicRoot,
	}, ingestor, logger)
	if err != nil {
		logger.Fatalf("mqtt subscriber error: %v", err)
	}
	if err := subscriber.Start(ctx); err != nil {
		logger.Fatalf("mqtt connect error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", apihttp.HealthHandler{})

	var handler http.Handler = mux
	if cfg.JWTSecret != "" {
		var auditLog audit.Logger
		if db != nil {
			repo := audit.NewRepository(db)
			if err := repo.EnsureSchema(ctx); err != nil {
				logger.Fatalf("audit schema error: %v", err)
			}
			auditLog = repo
		}
		mux.Handle("/api/v1/admin/status", apihttp.NewStatusHandler(scheduler, guard.Suppressed, router.Len()))
		mux.Handle("/api/v1/admin/delete-range", apihttp.NewDeleteRangeHandler(writer, auditLog, logger))
		mux.Handle("/api/v1/admin/flush/", apihttp.NewFlushHandler(scheduler, auditLog, logger))
		handler = auth.NewGuard([]byte(cfg.JWTSecret), "/healthz", "/metrics").Wrap(mux)
	} else {
		logger.Printf("AUTH_JWT_SECRET not set, admin api disabled")
	}

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(handler, logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")
	subscriber.Stop()
	scheduler.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
}

type config struct {
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string
	InfluxPrecision  string
	InfluxTimeout    time.Duration
	InfluxRetryDelay time.Duration
	CoerceValues     bool
	MQTTHost         string
	MQTTPort         int
	MQTTProtocol     string
	MQTTUsername     string
	MQTTPassword     string
	MQTTClientID     string
	TopicRoot        string
	InstanceFilter   bool
	PatternsFile     string
	CacheDriver      string
	DatabaseURL      string
	CacheTable       string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	SettleDelay      time.Duration
	StaleWindow      time.Duration
	HTTPAddr         string
	JWTSecret        string
}

func loadConfig() config {
	cfg := config{
		InfluxURL:        getenvDefault("INFLUX_URL", ""),
		InfluxToken:      getenvDefault("INFLUX_TOKEN", ""),
		InfluxOrg:        getenvDefault("INFLUX_ORG", ""),
		InfluxBucket:     getenvDefault("INFLUX_BUCKET", ""),
		InfluxPrecision:  getenvDefault("INFLUX_PRECISION", "s"),
		InfluxTimeout:    getenvDuration("INFLUX_TIMEOUT", 10*time.Second),
		InfluxRetryDelay: getenvDuration("INFLUX_RETRY_DELAY", time.Second),
		CoerceValues:     getenvBoolDefault("INFLUX_COERCE_VALUES", false),
		MQTTHost:         getenvDefault("MQTT_HOST", "localhost"),
		MQTTPort:         getenvIntDefault("MQTT_PORT", 1883),
		MQTTProtocol:     getenvDefault("MQTT_PROTOCOL", "tcp"),
		MQTTUsername:     getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword:     getenvDefault("MQTT_PASSWORD", ""),
		MQTTClientID:     getenvDefault("MQTT_CLIENT_ID", "evcc-ingest"),
		TopicRoot:        getenvDefault("MQTT_TOPIC_ROOT", application.DefaultTopicRoot),
		InstanceFilter:   getenvBoolDefault("INSTANCE_ID_FILTER", true),
		PatternsFile:     getenvDefault("TOPIC_PATTERNS_FILE", ""),
		CacheDriver:      strings.ToLower(getenvDefault("CACHE_DRIVER", "memory")),
		DatabaseURL:      getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		CacheTable:       getenvDefault("CACHE_TABLE", postgrescache.DefaultTable),
		RedisAddr:        getenvDefault("REDIS_ADDR", ""),
		RedisPassword:    getenvDefault("REDIS_PASSWORD", ""),
		RedisDB:          getenvIntDefault("REDIS_DB", 0),
		SettleDelay:      getenvDuration("FLUSH_SETTLE_DELAY", application.DefaultSettleDelay),
		StaleWindow:      getenvDuration("STALE_WINDOW", application.DefaultStaleWindow),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:        getenvDefault("AUTH_JWT_SECRET", ""),
	}
	if cfg.InfluxURL == "" {
		log.Fatal("INFLUX_URL is required")
	}
	if cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		log.Fatal("INFLUX_ORG and INFLUX_BUCKET are required")
	}
	switch cfg.CacheDriver {
	case "memory":
	case "postgres":
		if cfg.DatabaseURL == "" {
			log.Fatal("DATABASE_URL or PG_DSN is required for the postgres cache")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			log.Fatal("REDIS_ADDR is required for the redis cache")
		}
	default:
		log.Fatalf("unknown CACHE_DRIVER %q", cfg.CacheDriver)
	}
	return cfg
}

// openCache mounts the configured cache driver. The returned db is non-nil
// only for the postgres driver.
func openCache(ctx context.Context, cfg config) (cache.Namespaces, *sql.DB, func(), error) {
	switch cfg.CacheDriver {
	case "postgres":
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return cache.Namespaces{}, nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return cache.Namespaces{}, nil, nil, err
		}
		cacheStore, err := postgrescache.NewStore(db, cache.NamespaceCache, postgrescache.WithTable(cfg.CacheTable))
		if err != nil {
			db.Close()
			return cache.Namespaces{}, nil, nil, err
		}
		if err := cacheStore.EnsureSchema(ctx); err != nil {
			db.Close()
			return cache.Namespaces{}, nil, nil, err
		}
		writeStore, err := postgrescache.NewStore(db, cache.NamespaceWrite, postgrescache.WithTable(cfg.CacheTable))
		if err != nil {
			db.Close()
			return cache.Namespaces{}, nil, nil, err
		}
		return cache.Namespaces{Cache: cacheStore, Write: writeStore}, db, func() { db.Close() }, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return cache.Namespaces{}, nil, nil, err
		}
		ns, err := rediscache.NewNamespaces(client)
		if err != nil {
			client.Close()
			return cache.Namespaces{}, nil, nil, err
		}
		return ns, nil, func() { client.Close() }, nil
	default:
		return memorycache.NewNamespaces(), nil, func() {}, nil
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		if r.URL.Path == "/metrics" || r.URL.Path == "/healthz" {
			return
		}
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
