package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"

	"postdeck/internal/credentials"
	"postdeck/internal/models"
	"postdeck/internal/platform"
	"postdeck/internal/platform/facebook"
	"postdeck/internal/platform/instagram"
	"postdeck/internal/platform/linkedin"
	"postdeck/internal/platform/tiktok"
	"postdeck/internal/platform/twitter"
	"postdeck/internal/processor"
	"postdeck/internal/ratelimit"
	"postdeck/internal/store"
	"postdeck/internal/worker"
	"postdeck/pkg/config"
	"postdeck/pkg/crypto"
	"postdeck/pkg/database"
	"postdeck/pkg/kafka"
	"postdeck/pkg/logging"
	"postdeck/pkg/monitoring"
	"postdeck/pkg/server"
	"postdeck/pkg/version"
)

// herald is the multi-platform publishing scheduler: it claims scheduled
// posts as they come due and publishes them through the platform adapters.
func main() {
	logger := logging.NewLoggerWithService("herald")
	config.LoadEnv(logger)

	logger.WithField("version", version.GetInfo()).Info("Starting publishing scheduler")

	// Database
	dbCfg := database.DefaultConfig()
	dbCfg.URL = config.RequireEnv("DATABASE_URL")
	db := database.MustConnect(dbCfg, logger)
	defer db.Close()

	// Field encryption for stored tokens
	masterSecret := config.RequireEnv("TOKEN_ENCRYPTION_SECRET")
	accessCrypt, err := crypto.DeriveFieldEncryptor([]byte(masterSecret), "social-access-token")
	if err != nil {
		logger.WithError(err).Fatal("Failed to derive access token encryptor")
	}
	refreshCrypt, err := crypto.DeriveFieldEncryptor([]byte(masterSecret), "social-refresh-token")
	if err != nil {
		logger.WithError(err).Fatal("Failed to derive refresh token encryptor")
	}

	st := store.NewStore(db, accessCrypt, refreshCrypt, logger)

	// Rate limiting: Redis-backed so every instance shares one budget;
	// in-memory when Redis is not configured (single instance only).
	var limiter ratelimit.Limiter
	var redisClient goredis.UniversalClient
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		opts, err := goredis.ParseURL(redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Invalid REDIS_URL")
		}
		redisClient = goredis.NewClient(opts)
		limiter = ratelimit.NewRedisLimiter(redisClient, ratelimit.DefaultRules())
		logger.Info("Rate limiting backed by Redis")
	} else {
		limiter = ratelimit.NewMemoryLimiter(ratelimit.DefaultRules())
		logger.Warn("REDIS_URL not set; rate limit windows are process-local")
	}

	registry := buildRegistry(logger)
	credManager := credentials.NewManager(st,
		config.GetEnvDuration("TOKEN_EXPIRY_BUFFER", credentials.DefaultExpiryBuffer), logger)

	procCfg := processor.DefaultConfig()
	procCfg.Lookahead = config.GetEnvDuration("PUBLISH_LOOKAHEAD", procCfg.Lookahead)
	procCfg.ClaimBatch = config.GetEnvInt("PUBLISH_CLAIM_BATCH", procCfg.ClaimBatch)
	procCfg.MaxConcurrency = config.GetEnvInt("PUBLISH_MAX_CONCURRENCY", procCfg.MaxConcurrency)
	procCfg.EventTopic = config.GetEnv("KAFKA_EVENT_TOPIC", procCfg.EventTopic)
	proc := processor.New(procCfg, st, credManager, registry, limiter, logger)

	// Outcome events
	var producer *kafka.Producer
	if brokers := config.GetEnvList("KAFKA_BROKERS"); len(brokers) > 0 {
		producer, err = kafka.NewProducer(brokers, "herald", logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer producer.Close()
		proc.SetEvents(producer)
	} else {
		logger.Warn("KAFKA_BROKERS not set; outcome events disabled")
	}

	// Monitoring
	metrics := monitoring.NewMetricsCollector("herald", version.Version, version.GitCommit)
	procMetrics := processor.NewMetrics(metrics)
	proc.SetMetrics(procMetrics)
	healthChecker := monitoring.NewHealthChecker("herald", version.Version)
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	if redisClient != nil {
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	}
	if producer != nil {
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.Client()))
	}

	// Workers
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	w := worker.New(proc, worker.IntervalsFromEnv(), logger)
	go w.Start(workerCtx)
	go reportQueueDepth(workerCtx, st, procMetrics, logger)

	// HTTP surface: health, metrics, queue status
	router := server.SetupServiceRouter(logger, "herald", healthChecker, metrics)
	router.GET("/status", statusHandler(st, registry))

	srvCfg := server.DefaultConfig("herald", "18090")
	if err := server.StartWithShutdown(srvCfg, router, logger, func(ctx context.Context) {
		stopWorkers()
	}); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
}

// buildRegistry wires one adapter factory per platform. A platform whose
// application credentials are missing is skipped with a warning so the
// rest keep publishing.
func buildRegistry(logger logging.Logger) *platform.Registry {
	registry := platform.NewRegistry()

	if cfg, err := twitter.LoadConfig(); err != nil {
		logger.WithError(err).Warn("Twitter disabled")
	} else {
		registry.Register(models.PlatformTwitter, func(account models.SocialAccount, creds models.PlatformCredentials) (platform.Adapter, error) {
			return twitter.NewAdapter(cfg, account, creds), nil
		})
	}

	if cfg, err := instagram.LoadConfig(); err != nil {
		logger.WithError(err).Warn("Instagram disabled")
	} else {
		registry.Register(models.PlatformInstagram, func(account models.SocialAccount, creds models.PlatformCredentials) (platform.Adapter, error) {
			return instagram.NewAdapter(cfg, account, creds), nil
		})
	}

	if cfg, err := linkedin.LoadConfig(); err != nil {
		logger.WithError(err).Warn("LinkedIn disabled")
	} else {
		registry.Register(models.PlatformLinkedIn, func(account models.SocialAccount, creds models.PlatformCredentials) (platform.Adapter, error) {
			return linkedin.NewAdapter(cfg, account, creds), nil
		})
	}

	if cfg, err := tiktok.LoadConfig(); err != nil {
		logger.WithError(err).Warn("TikTok disabled")
	} else {
		registry.Register(models.PlatformTikTok, func(account models.SocialAccount, creds models.PlatformCredentials) (platform.Adapter, error) {
			return tiktok.NewAdapter(cfg, account, creds), nil
		})
	}

	registry.Register(models.PlatformFacebook, func(account models.SocialAccount, creds models.PlatformCredentials) (platform.Adapter, error) {
		return facebook.NewAdapter(account, creds), nil
	})

	return registry
}

// reportQueueDepth refreshes the per-status queue depth gauges.
func reportQueueDepth(ctx context.Context, st *store.Store, m *processor.Metrics, logger logging.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := st.StatusCounts(ctx)
			if err != nil {
				logger.WithError(err).Warn("Queue depth refresh failed")
				continue
			}
			for status, count := range counts {
				m.QueueDepth.WithLabelValues(string(status)).Set(float64(count))
			}
		}
	}
}

func statusHandler(st *store.Store, registry *platform.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		counts, err := st.StatusCounts(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "status counts unavailable"})
			return
		}

		platforms := make([]string, 0)
		for _, p := range registry.Platforms() {
			platforms = append(platforms, string(p))
		}

		c.JSON(http.StatusOK, gin.H{
			"service":         "herald",
			"version":         version.Version,
			"posts":           counts,
			"platforms":       platforms,
			"cached_adapters": registry.Size(),
		})
	}
}
