// Command server runs the contex context-routing engine: publishers write
// structured data under project namespaces, agents register their needs
// and receive matched context plus live updates.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/contexhq/contex/pkg/common/config"
	"github.com/contexhq/contex/pkg/degradation"
	"github.com/contexhq/contex/pkg/dispatcher"
	"github.com/contexhq/contex/pkg/embedding"
	"github.com/contexhq/contex/pkg/engine"
	"github.com/contexhq/contex/pkg/eventlog"
	"github.com/contexhq/contex/pkg/keyword"
	"github.com/contexhq/contex/pkg/models"
	"github.com/contexhq/contex/pkg/observability"
	"github.com/contexhq/contex/pkg/registry"
	"github.com/contexhq/contex/pkg/retention"
	"github.com/contexhq/contex/pkg/vectorstore"
)

const probeInterval = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "contex: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewStandardLogger("contex")
	metrics := observability.NewMetricsClient()
	defer func() { _ = metrics.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	redisOpts.PoolSize = cfg.Redis.MaxConnections
	redisOpts.DialTimeout = cfg.Redis.DialTimeout
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	provider, err := embedding.NewCachedProvider(embedding.NewLocalProvider(), embedding.CacheConfig{
		Size:    cfg.Embedding.CacheSize,
		Workers: cfg.Embedding.WorkerPool,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to build embedding provider: %w", err)
	}

	eventLog, err := eventlog.NewPostgresStore(ctx, db, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	vectors, err := vectorstore.NewPostgresStore(ctx, db, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open vector store: %w", err)
	}
	agents, err := registry.NewPostgresStore(ctx, db, logger, metrics)
	if err != nil {
		return fmt.Errorf("failed to open agent registry: %w", err)
	}
	keywords := keyword.NewIndex()

	redisPub := dispatcher.NewRedisPublisher(redisClient, logger, metrics)
	webhooks := dispatcher.NewWebhookSender(dispatcher.WebhookConfig{
		MaxAttempts:             cfg.Delivery.WebhookMaxAttempts,
		Timeout:                 cfg.Delivery.WebhookTimeout,
		RetryBaseDelay:          cfg.Delivery.RetryBaseDelay,
		RetryMaxDelay:           cfg.Delivery.RetryMaxDelay,
		CircuitFailureThreshold: cfg.Delivery.CircuitFailureThreshold,
		CircuitCooldown:         cfg.Delivery.CircuitCooldown,
		MaxConnsPerHost:         cfg.Delivery.MaxConnsPerHost,
	}, logger, metrics)

	controller := degradation.NewController(probeInterval, logger, metrics)

	disp := dispatcher.New(provider, agents, map[models.DeliveryMode]dispatcher.Sender{
		models.DeliveryPubSub:  redisPub,
		models.DeliveryWebhook: webhooks,
	}, controller.Mode, dispatcher.Config{
		QueueCapacity:       cfg.Delivery.QueueCapacity,
		SimilarityThreshold: cfg.Matching.SimilarityThreshold,
	}, logger, metrics)
	defer disp.Close()

	controller.RegisterProbe("postgres", true, db.PingContext)
	controller.RegisterProbe("redis", false, redisPub.Ping)
	controller.RegisterProbe("embedding", false, func(ctx context.Context) error {
		_, err := provider.Embed(ctx, "healthcheck")
		return err
	})
	controller.OnChange(func(from, to degradation.Mode) {
		if to == degradation.ModeNormal {
			disp.DrainOutbox()
		}
	})

	eng := engine.New(cfg.Matching, provider, eventLog, vectors, keywords, agents, disp, controller.Mode, logger, metrics)

	// The keyword index lives in memory; replay the log to warm it and to
	// reconcile the vector projection after a crash.
	if err := eng.Rebuild(ctx); err != nil {
		return fmt.Errorf("failed to rebuild indexes: %w", err)
	}

	sweeper := retention.NewSweeper(eventLog, agents, cfg.Retention, logger, metrics)
	go controller.Run(ctx)
	go sweeper.Run(ctx)

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      opsRouter(controller, db, redisPub),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", map[string]interface{}{
			"address": cfg.Server.ListenAddress,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnWaitTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return db, nil
}

// opsRouter serves the operational surface: liveness, readiness and the
// current operating mode with per-dependency status.
func opsRouter(controller *degradation.Controller, db *sqlx.DB, redisPub *dispatcher.RedisPublisher) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/readyz", func(c *gin.Context) {
		mode := controller.Mode()
		if mode != degradation.ModeNormal {
			c.Header("Retry-After", "10")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": mode.String()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": mode.String()})
	})

	router.GET("/statusz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"mode":     controller.Mode().String(),
			"postgres": checkStatus(db.PingContext(c.Request.Context())),
			"redis":    checkStatus(redisPub.Ping(c.Request.Context())),
		})
	})
	return router
}

func checkStatus(err error) string {
	if err != nil {
		return "down"
	}
	return "up"
}
