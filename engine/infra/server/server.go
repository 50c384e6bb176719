package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/flopods/engine/engine/execution"
	execrouter "github.com/flopods/engine/engine/execution/router"
	"github.com/flopods/engine/engine/infra/cache"
	"github.com/flopods/engine/engine/infra/monitoring"
	"github.com/flopods/engine/engine/infra/postgres"
	"github.com/flopods/engine/engine/infra/pubsub"
	"github.com/flopods/engine/engine/infra/queue"
	"github.com/flopods/engine/engine/infra/store"
	"github.com/flopods/engine/engine/llm"
	"github.com/flopods/engine/engine/streaming"
	"github.com/flopods/engine/pkg/config"
	"github.com/flopods/engine/pkg/logger"
	"github.com/gin-gonic/gin"
)

const (
	httpReadTimeout       = 15 * time.Second
	httpIdleTimeout       = 60 * time.Second
	serverShutdownTimeout = 10 * time.Second
	healthCheckTimeout    = 2 * time.Second
)

// Server assembles the execution engine: queue backend, execution store,
// lifecycle broadcaster, LLM service and the HTTP surface over all of them.
type Server struct {
	cfg    *config.Config
	router *gin.Engine
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(ctx context.Context, cfg *config.Config) *Server {
	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{cfg: cfg, ctx: serverCtx, cancel: cancel}
}

type dependencies struct {
	svc         *execution.Service
	broadcaster *streaming.Broadcaster
	metrics     *monitoring.Metrics
	redis       *cache.Redis
	pg          *postgres.Store
}

// Run blocks until the process receives a shutdown signal or the parent
// context is cancelled.
func (s *Server) Run() error {
	deps, cleanups, err := s.setupDependencies()
	defer s.cleanup(cleanups)
	if err != nil {
		return err
	}
	s.buildRouter(deps)
	return s.startAndRunServer()
}

func (s *Server) setupDependencies() (*dependencies, []func(), error) {
	var cleanups []func()
	log := logger.FromContext(s.ctx)

	redisConn, err := cache.NewRedis(s.ctx, &cache.Config{
		URL:      s.cfg.Redis.URL,
		Host:     s.cfg.Redis.Host,
		Port:     s.cfg.Redis.Port,
		Password: s.cfg.Redis.Password.Value(),
		DB:       s.cfg.Redis.DB,
		PoolSize: s.cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, cleanups, fmt.Errorf("failed to connect to redis: %w", err)
	}
	cleanups = append(cleanups, func() { redisConn.Close() })

	repo, pgStore, err := s.setupRepository()
	if err != nil {
		return nil, cleanups, err
	}
	if pgStore != nil {
		cleanups = append(cleanups, func() { pgStore.Close(s.ctx) })
	}

	provider, err := pubsub.NewRedisProvider(redisConn.Client())
	if err != nil {
		return nil, cleanups, fmt.Errorf("failed to create pubsub provider: %w", err)
	}
	broadcaster, err := streaming.NewBroadcaster(provider)
	if err != nil {
		return nil, cleanups, fmt.Errorf("failed to create broadcaster: %w", err)
	}

	q, err := queue.New(s.ctx, &queue.Config{
		Driver:            s.cfg.Queue.Driver,
		Name:              s.cfg.Queue.Name,
		Concurrency:       s.cfg.Queue.Concurrency,
		RedisClient:       redisConn.Client(),
		SQSQueueURL:       s.cfg.SQS.QueueURL,
		SQSRegion:         s.cfg.SQS.Region,
		SQSEndpoint:       s.cfg.SQS.Endpoint,
		SQSWaitTime:       s.cfg.SQS.WaitTimeSeconds,
		SQSReceiveBackoff: s.cfg.SQS.ReceiveBackoff,
	})
	if err != nil {
		return nil, cleanups, fmt.Errorf("failed to create queue: %w", err)
	}

	metrics := monitoring.New()
	svc, err := execution.NewService(&execution.Options{
		Queue:       q,
		Repo:        repo,
		Broadcaster: broadcaster,
		LLM:         llm.NewService(),
		Metrics:     metrics,
		Driver:      s.cfg.Queue.Driver,
		DefaultModel: llm.Config{
			Provider: llm.ProviderName(s.cfg.LLM.Provider),
			Model:    s.cfg.LLM.Model,
			APIKey:   s.cfg.LLM.APIKey.Value(),
			APIURL:   s.cfg.LLM.APIURL,
			Params: llm.Params{
				Temperature: s.cfg.LLM.Temperature,
				MaxTokens:   s.cfg.LLM.MaxTokens,
			},
		},
		MaxAttempts: s.cfg.Queue.MaxAttempts,
		BackoffBase: s.cfg.Queue.BackoffBase,
	})
	if err != nil {
		q.Close(s.ctx)
		return nil, cleanups, fmt.Errorf("failed to create execution service: %w", err)
	}
	cleanups = append(cleanups, func() { svc.Close(s.ctx) })

	log.Info("Execution engine ready",
		"queue_driver", s.cfg.Queue.Driver,
		"queue_name", s.cfg.Queue.Name,
		"store_driver", storeDriverLabel(pgStore),
	)
	return &dependencies{
		svc:         svc,
		broadcaster: broadcaster,
		metrics:     metrics,
		redis:       redisConn,
		pg:          pgStore,
	}, cleanups, nil
}

// setupRepository chooses the execution store. Without database configuration
// the engine runs on the in-memory store, which is development mode: records
// do not survive a restart.
func (s *Server) setupRepository() (execution.Repository, *postgres.Store, error) {
	if !s.cfg.Database.Enabled() {
		logger.FromContext(s.ctx).Info("No database configured, using in-memory execution store")
		return store.NewMemoryRepo(), nil, nil
	}
	pgCfg := &postgres.Config{
		ConnString: s.cfg.Database.ConnString,
		Host:       s.cfg.Database.Host,
		Port:       s.cfg.Database.Port,
		User:       s.cfg.Database.User,
		Password:   s.cfg.Database.Password.Value(),
		DBName:     s.cfg.Database.DBName,
		SSLMode:    s.cfg.Database.SSLMode,
	}
	if s.cfg.Database.AutoMigrate {
		if err := postgres.ApplyMigrationsWithLock(s.ctx, pgCfg.DSN()); err != nil {
			return nil, nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
	}
	pgStore, err := postgres.NewStore(s.ctx, pgCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return postgres.NewExecutionRepo(pgStore.Pool()), pgStore, nil
}

func storeDriverLabel(pg *postgres.Store) string {
	if pg != nil {
		return "postgres"
	}
	return "memory"
}

func (s *Server) buildRouter(deps *dependencies) {
	if s.cfg.Runtime.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger.FromContext(s.ctx)))
	if s.cfg.Server.CORSEnabled {
		r.Use(CORSMiddleware())
	}
	api := r.Group("/api/v1")
	execrouter.Register(api, deps.svc, deps.broadcaster, deps.metrics)
	r.GET("/healthz", healthHandler(deps))
	r.GET("/metrics", gin.WrapH(deps.metrics.Handler()))
	s.router = r
}

func healthHandler(deps *dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		components := gin.H{"redis": "ok"}
		healthy := true
		if err := deps.redis.Ping(ctx); err != nil {
			components["redis"] = err.Error()
			healthy = false
		}
		if deps.pg != nil {
			components["postgres"] = "ok"
			if err := deps.pg.HealthCheck(ctx); err != nil {
				components["postgres"] = err.Error()
				healthy = false
			}
		}
		status := http.StatusOK
		overall := "ok"
		if !healthy {
			status = http.StatusServiceUnavailable
			overall = "degraded"
		}
		c.JSON(status, gin.H{"status": overall, "components": components})
	}
}

func (s *Server) cleanup(cleanups []func()) {
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

func (s *Server) startAndRunServer() error {
	log := logger.FromContext(s.ctx)
	addr := net.JoinHostPort(s.cfg.Server.Host, strconv.Itoa(s.cfg.Server.Port))
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: httpReadTimeout,
		IdleTimeout: httpIdleTimeout,
		// No WriteTimeout: SSE responses outlive any fixed deadline.
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("Starting HTTP server", "address", fmt.Sprintf("http://%s", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.Info("Received shutdown signal", "signal", sig.String())
	case <-s.ctx.Done():
		log.Info("Server context cancelled")
	}
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	log.Info("Server shutdown completed")
	return nil
}
