package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"orbit/api/internal/app"
	"orbit/api/internal/blob"
	"orbit/api/internal/bounded"
	"orbit/api/internal/config"
	"orbit/api/internal/email"
	"orbit/api/internal/inference"
	"orbit/api/internal/logging"
	"orbit/api/internal/metrics"
	"orbit/api/internal/plans"
	"orbit/api/internal/ratelimit"
	"orbit/api/internal/rbac"
	"orbit/api/internal/store"
	"orbit/api/internal/usage"
)

func main() {
	cfg := config.Load()
	logger := logging.New("orbit-api", logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger hclog.Logger) error {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.MigrateOnStart {
		if err := store.MigrateUp(db); err != nil {
			return err
		}
	}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err = ratelimit.OpenRedis(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == "redis" && redisClient != nil {
		logger.Info("using redis rate limiter")
		limiter = ratelimit.NewRedis(redisClient)
	} else {
		if cfg.RateLimitBackend == "redis" {
			logger.Warn("RATE_LIMIT_BACKEND=redis without REDIS_URL, falling back to memory")
		}
		limiter = ratelimit.NewMemory()
	}

	var usageStore usage.Store
	if redisClient != nil {
		usageStore = usage.NewRedisStore(redisClient)
	} else {
		usageStore = usage.NewPostgresStore(db)
	}

	blobs, err := blob.NewMinioStore(blob.Options{
		Endpoint:       cfg.S3Endpoint,
		AccessKey:      cfg.S3AccessKey,
		SecretKey:      cfg.S3SecretKey,
		Bucket:         cfg.S3Bucket,
		Region:         cfg.S3Region,
		UseSSL:         cfg.S3UseSSL,
		UploadURLTTL:   cfg.UploadURLTTL,
		DownloadURLTTL: cfg.DownloadURLTTL,
	})
	if err != nil {
		return err
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		// Storage may come up after the API; readiness reports it meanwhile.
		logger.Warn("object storage bucket check failed", "bucket", cfg.S3Bucket, "error", err)
	}

	mailer := email.NewService(email.Config{
		Host:         cfg.SMTPHost,
		Port:         cfg.SMTPPort,
		Username:     cfg.SMTPUsername,
		Password:     cfg.SMTPPassword,
		From:         cfg.SMTPFrom,
		FromName:     cfg.SMTPFromName,
		ContactInbox: cfg.ContactInbox,
		AppName:      "Orbit",
	})
	if !mailer.IsConfigured() {
		logger.Info("smtp not configured, email routes will answer 503")
	}

	resolver := plans.NewResolver(cfg.LimitsFile, logger)
	if err := resolver.Watch(ctx); err != nil {
		logger.Warn("limits file will not be reloaded", "path", cfg.LimitsFile, "error", err)
	}

	service := app.New(app.Deps{
		Store:     store.NewPostgresStore(db),
		Blobs:     blobs,
		Usage:     usageStore,
		Limiter:   limiter,
		Plans:     resolver,
		Evaluator: rbac.ClaimsEvaluator{},
		Completer: inference.New(inference.Options{
			BaseURL: cfg.InferenceBaseURL,
			APIKey:  cfg.InferenceAPIKey,
			Model:   cfg.InferenceModel,
		}),
		Mailer:    mailer,
		Metrics:   metrics.New(),
		Logger:    logger,
		Enforcer:  bounded.Enforcer{MaxPasses: bounded.DefaultMaxPasses},
		ChatTools: cfg.ChatTools,
	})

	httpServer := app.NewHTTPServer(service, app.HTTPConfig{
		CORSOrigin:  cfg.CORSOrigin,
		JWTSecret:   []byte(cfg.JWTSecret),
		JWTIssuer:   cfg.JWTIssuer,
		Limiter:     limiter,
		EmailLimit:  ratelimit.Rule{Interval: cfg.EmailRateLimit.Interval, Limit: cfg.EmailRateLimit.Max},
		HealthLimit: ratelimit.Rule{Interval: cfg.HealthRateLimit.Interval, Limit: cfg.HealthRateLimit.Max},
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Orbit API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}
