package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/claimdocs-api/internal/handler"
	"github.com/noah-isme/claimdocs-api/internal/repository"
	"github.com/noah-isme/claimdocs-api/internal/service"
	"github.com/noah-isme/claimdocs-api/pkg/cache"
	"github.com/noah-isme/claimdocs-api/pkg/config"
	"github.com/noah-isme/claimdocs-api/pkg/database"
	"github.com/noah-isme/claimdocs-api/pkg/downloadlink"
	"github.com/noah-isme/claimdocs-api/pkg/events"
	"github.com/noah-isme/claimdocs-api/pkg/jobs"
	"github.com/noah-isme/claimdocs-api/pkg/objectstore"
	"github.com/noah-isme/claimdocs-api/pkg/vault"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the document event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logr, err := bootstrap()
			if err != nil {
				return err
			}
			defer logr.Sync() //nolint:errcheck
			return serve(cmd.Context(), cfg, logr, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Apply pending migrations before serving")
	return cmd
}

// app holds the long-lived collaborators of a running instance.
type app struct {
	db        *sqlx.DB
	redis     *redis.Client
	gateway   *objectstore.Gateway
	engine    *vault.Engine
	publisher events.Publisher
	metrics   *service.MetricsService
	policies  *service.PolicyService
	channel   *repository.PolicyChannel
	cleaner   *service.OrphanCleaner
	relay     *service.EventRelay
	handlers  routeHandlers
}

func (a *app) close(logr *zap.Logger) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			logr.Warn("close event publisher", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

func serve(ctx context.Context, cfg *config.Config, logr *zap.Logger, migrate bool) error {
	a, err := buildApp(ctx, cfg, logr)
	if a != nil {
		defer a.close(logr)
	}
	if err != nil {
		return err
	}

	if migrate {
		if err := database.Migrate(ctx, a.db, "up"); err != nil {
			return err
		}
	}
	if err := seedPolicies(ctx, cfg, a.policies, logr); err != nil {
		return err
	}
	if err := a.policies.Reload(ctx); err != nil {
		return err
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}
	router := newRouter(cfg, logr, a.metrics, service.NewTokenService(cfg.JWT.Secret), a.handlers)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.cleaner.Start(ctx)
	defer a.cleaner.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := a.relay.Run(ctx); err != nil {
			logr.Error("event relay stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := a.policies.Watch(ctx, a.channel); err != nil {
			logr.Error("policy reload subscription stopped", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logr.Warn("http shutdown", zap.Error(err))
		}
	}()

	logr.Info("server starting",
		zap.String("addr", httpServer.Addr),
		zap.String("env", cfg.Env),
		zap.String("storage", a.gateway.Backend()),
		zap.String("events", cfg.Events.Driver),
	)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	wg.Wait()
	logr.Info("server stopped")
	return nil
}

// buildApp connects every dependency. The returned app is non-nil whenever
// something was opened so the caller can release it on error.
func buildApp(ctx context.Context, cfg *config.Config, logr *zap.Logger) (*app, error) {
	a := &app{metrics: service.NewMetricsService()}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return a, fmt.Errorf("connect database: %w", err)
	}
	a.db = db

	rdb, err := cache.NewRedis(ctx, cfg.Redis)
	switch {
	case err == nil:
		a.redis = rdb
	case cfg.Encryption.KeyStoreDriver == "redis":
		return a, fmt.Errorf("connect redis: %w", err)
	default:
		logr.Warn("redis unavailable, policy reloads stay local to this instance", zap.Error(err))
	}

	backend, err := newStorageBackend(ctx, cfg.Storage)
	if err != nil {
		return a, err
	}
	a.gateway = objectstore.NewGateway(backend, objectstore.RetryPolicy{
		MaxRetries:     cfg.Storage.MaxRetries,
		InitialBackoff: cfg.Storage.InitialBackoff,
		MaxBackoff:     cfg.Storage.MaxBackoff,
		AttemptTimeout: cfg.Storage.AttemptTimeout,
	}, logr.Named("objectstore"), a.metrics)

	var keys vault.KeyStore
	if cfg.Encryption.KeyStoreDriver == "memory" {
		logr.Warn("data keys are kept in memory and lost on restart")
		keys = vault.NewMemoryKeyStore()
	} else {
		keys = repository.NewKeyRepository(a.redis, cfg.Encryption.KeyPrefix, logr)
	}
	a.engine, err = vault.NewEngine(cfg.Encryption.MasterKey, keys)
	if err != nil {
		return a, fmt.Errorf("init encryption engine: %w", err)
	}

	a.publisher, err = newPublisher(cfg, logr)
	if err != nil {
		return a, err
	}

	validate := validator.New()
	documents := repository.NewDocumentRepository(db)
	accessLog := repository.NewAccessLogRepository(db)
	eventsRepo := repository.NewEventRepository(db)

	a.channel = repository.NewPolicyChannel(a.redis, cfg.Policy.ReloadChannel, logr)
	a.policies = service.NewPolicyService(repository.NewValidationRuleRepository(db), a.channel, validate, logr.Named("policy"))

	owners := service.NewOwnershipResolver(repository.NewClaimRepository(db), cfg.Ownership.CacheSize, cfg.Ownership.CacheTTL, a.metrics)
	a.cleaner = service.NewOrphanCleaner(a.gateway, a.engine, 2*a.gateway.Budget(), jobs.QueueConfig{
		Workers:    1,
		BufferSize: 256,
		MaxRetries: 5,
		RetryDelay: 5 * time.Second,
		Logger:     logr.Named("orphans"),
	})

	var scanner service.Scanner = service.NoopScanner{}
	if cfg.Scan.Endpoint != "" {
		scanner = service.NewHTTPScanner(cfg.Scan.Endpoint, cfg.Scan.Timeout, logr.Named("scanner"))
	}

	documentSvc := service.NewDocumentService(service.DocumentServiceConfig{
		Documents: documents,
		AccessLog: accessLog,
		Storage:   a.gateway,
		Cipher:    a.engine,
		Owners:    owners,
		Validator: service.NewContentValidator(a.policies),
		Scanner:   scanner,
		Cleaner:   a.cleaner,
		Metrics:   a.metrics,
		Logger:    logr.Named("documents"),
	})
	reviewSvc := service.NewReviewService(documents, accessLog, validate, a.metrics, logr.Named("review"))
	accessLogSvc := service.NewAccessLogService(accessLog, documents, a.metrics, logr.Named("access_log"))

	a.relay = service.NewEventRelay(eventsRepo, a.publisher, a.metrics, service.EventRelayConfig{
		Interval:     cfg.Events.RelayInterval,
		BatchSize:    cfg.Events.BatchSize,
		Lease:        cfg.Events.Lease,
		Workers:      cfg.Events.Workers,
		Retries:      cfg.Events.MaxRetries,
		RetryBackoff: cfg.Events.RetryBackoff,
		MaxBackoff:   cfg.Events.MaxBackoff,
		StallAfter:   cfg.Events.StallAfter,
		Logger:       logr.Named("relay"),
	})

	uploadTimeout := 2*a.gateway.Budget() + cfg.Upload.TimeoutMargin
	if cfg.Scan.Endpoint != "" {
		uploadTimeout += cfg.Scan.Timeout
	}
	checks := map[string]handler.Pinger{"database": db}
	if a.redis != nil {
		checks["redis"] = handler.PingerFunc(func(ctx context.Context) error { return a.redis.Ping(ctx).Err() })
	}
	docCfg := handler.DocumentHandlerConfig{
		MaxRequestBytes: cfg.Upload.MaxRequestBytes,
		UploadTimeout:   uploadTimeout,
	}
	if cfg.Download.LinkTTL > 0 {
		docCfg.Links = downloadlink.NewSigner(cfg.JWT.Secret, cfg.Download.LinkTTL)
		docCfg.LinkBasePath = cfg.APIPrefix + "/downloads/"
	}
	a.handlers = routeHandlers{
		documents:  handler.NewDocumentHandler(documentSvc, reviewSvc, docCfg),
		accessLogs: handler.NewAccessLogHandler(accessLogSvc),
		rules:      handler.NewValidationRuleHandler(a.policies),
		system:     handler.NewMetricsHandler(a.metrics, checks),
	}
	return a, nil
}

func newStorageBackend(ctx context.Context, cfg config.StorageConfig) (objectstore.Backend, error) {
	switch cfg.Driver {
	case "minio":
		backend, err := objectstore.NewMinIOBackend(ctx, objectstore.MinIOConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("init minio backend: %w", err)
		}
		return backend, nil
	case "s3":
		backend, err := objectstore.NewS3Backend(ctx, objectstore.S3Config{
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Endpoint:  cfg.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("init s3 backend: %w", err)
		}
		return backend, nil
	case "filesystem":
		backend, err := objectstore.NewFilesystemBackend(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("init filesystem backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func newPublisher(cfg *config.Config, logr *zap.Logger) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "kafka":
		return events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic), nil
	case "asynq":
		return events.NewAsynqPublisher(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Events.MaxRetries), nil
	case "log", "":
		return events.NewLogPublisher(logr.Named("events")), nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Events.Driver)
	}
}

// seedPolicies imports the seed file into an empty rule table.
func seedPolicies(ctx context.Context, cfg *config.Config, policies *service.PolicyService, logr *zap.Logger) error {
	if cfg.Policy.SeedFile == "" {
		return nil
	}
	rules, err := config.LoadPolicyFile(cfg.Policy.SeedFile)
	if err != nil {
		logr.Warn("policy seed file not loaded", zap.String("file", cfg.Policy.SeedFile), zap.Error(err))
		return nil
	}
	written, err := policies.Import(ctx, rules, "", false)
	if err != nil {
		return fmt.Errorf("seed validation rules: %w", err)
	}
	if written > 0 {
		logr.Info("validation rules seeded", zap.Int("rules", written), zap.String("file", cfg.Policy.SeedFile))
	}
	return nil
}
