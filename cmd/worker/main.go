package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/basketsync/internal/auth"
	"github.com/austindbirch/basketsync/internal/config"
	"github.com/austindbirch/basketsync/internal/db"
	"github.com/austindbirch/basketsync/internal/health"
	"github.com/austindbirch/basketsync/internal/jobs"
	"github.com/austindbirch/basketsync/internal/logging"
	"github.com/austindbirch/basketsync/internal/maintenance"
	"github.com/austindbirch/basketsync/internal/metrics"
	"github.com/austindbirch/basketsync/internal/msgcache"
	"github.com/austindbirch/basketsync/internal/news"
	"github.com/austindbirch/basketsync/internal/queue"
	"github.com/austindbirch/basketsync/internal/sfdc"
	"github.com/austindbirch/basketsync/internal/sfmc"
	"github.com/austindbirch/basketsync/internal/tracing"
)

const serviceName = "basket-worker"

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize structured logging
	logger := logging.New(serviceName)
	logging.SetDefaultService(serviceName)

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// DB connect and schema
	pool, err := db.Connect(ctx, cfg.DSN(), int32(cfg.NSQ.Concurrency+2))
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}
	checks := []health.Check{{Name: "database", Pinger: pool}}

	cache, redisCheck := newMessageCache(cfg.Redis, logger)
	if redisCheck != nil {
		checks = append(checks, *redisCheck)
	}

	// Upstream clients
	httpClient := &http.Client{Timeout: 30 * time.Second}
	key, err := sfdc.LoadPrivateKey(cfg.SFDC.PrivateKeyPath)
	if err != nil {
		logger.Plain().WithError(err).Fatal("load sfdc key failed")
	}
	sfdcClient := sfdc.NewClient(&sfdc.JWTBearer{
		LoginURL:   cfg.SFDC.LoginURL,
		ClientID:   cfg.SFDC.ClientID,
		Username:   cfg.SFDC.Username,
		Key:        key,
		HTTPClient: httpClient,
	}, cfg.SFDC.APIVersion, httpClient)
	catalog := news.NewPGCatalog(pool)
	contacts := sfdc.NewContacts(sfdcClient, catalog)
	sfmcClient := sfmc.NewClient(cfg.SFMC.AuthURL, cfg.SFMC.ClientID, cfg.SFMC.ClientSecret, httpClient)

	// Job producer
	producer, err := queue.NewProducer(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.JobsTopic, cfg.NSQ.MaxDefer)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()
	checks = append(checks, health.Check{Name: "nsqd", Pinger: health.PingFunc(func(context.Context) error {
		return producer.Ping()
	})})

	// Jobs
	registry := jobs.NewRegistry()
	news.NewTasks(news.Deps{
		Store:     contacts,
		Backend:   sfmcClient,
		Catalog:   catalog,
		Cache:     cache,
		Submitter: producer,
		Config: news.Config{
			ContactsDE:        cfg.SFMC.ContactsDE,
			RecoveryLanguages: cfg.News.RecoveryLanguages,
			SMSMessages:       cfg.News.SMSMessages,
		},
		Logger: logger,
	}).Register(registry)

	gate := maintenance.New(cfg.Worker.MaintenanceMode, nil)
	policy := jobs.DefaultPolicy()
	policy.MaxRetries = cfg.Worker.MaxRetries
	policy.BaseDelay = cfg.Worker.RetryBaseDelay
	runner := jobs.NewRunner(jobs.RunnerConfig{
		Registry:      registry,
		Gate:          gate,
		Scheduler:     producer,
		Log:           jobs.NewPGJobLog(pool),
		Policy:        policy,
		StoreFailures: cfg.Worker.StoreFailures,
		Logger:        logger,
	})

	// HTTP health/metrics/admin
	validator := loadValidator(cfg.Admin, logger)
	httpSrv := &http.Server{
		Addr:              cfg.Worker.HTTPPort,
		Handler:           newRouter(reg, gate, validator, logger, checks...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	// NSQ consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.NSQ.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.NSQ.JobsTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.AddConcurrentHandlers(queue.NewHandler(ctx, runner, producer, logger), cfg.NSQ.Concurrency)

	// Start backlog monitoring
	monitor := queue.NewMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.JobsTopic, cfg.NSQ.WorkerChannel, 15*time.Second, logger)
	go monitor.Run(ctx)

	// Connecting directly to NSQD forces channel creation, instead of the channel being lazily created on first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	logger.Plain().WithFields(map[string]any{
		"jobs":        len(registry.Names()),
		"maintenance": gate.Enabled(),
	}).Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("worker service stopped")
}

// newMessageCache returns the shared Redis cache, or an in-process cache when
// Redis is not configured
func newMessageCache(cfg config.Redis, logger *logging.Logger) (msgcache.Cache, *health.Check) {
	if cfg.Addr == "" {
		logger.Plain().Warn("REDIS_ADDR not set, bad message ids are cached per process")
		return msgcache.NewMemory(cfg.BadIDTTL), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	cache := msgcache.NewRedis(client, cfg.KeyPrefix, cfg.BadIDTTL)
	return cache, &health.Check{Name: "redis", Pinger: cache}
}

// loadValidator returns nil, disabling the admin API, when no key is configured
func loadValidator(cfg config.Admin, logger *logging.Logger) *auth.JWTValidator {
	if cfg.JWTPublicKeyPath == "" {
		logger.Plain().Warn("ADMIN_JWT_PUBLIC_KEY_PATH not set, admin API disabled")
		return nil
	}
	v, err := auth.LoadJWTValidator(cfg.JWTPublicKeyPath, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		logger.Plain().WithError(err).Fatal("load admin key failed")
	}
	return v
}
