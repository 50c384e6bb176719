package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/flopods/engine/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns           = 20
	defaultPingTimeout        = 3 * time.Second
	defaultHealthCheckTimeout = time.Second
)

// Store is the PostgreSQL driver backed by pgxpool.Pool. pgx types stay
// local to this package; higher layers see the execution.Repository.
type Store struct {
	pool               *pgxpool.Pool
	healthCheckTimeout time.Duration
}

// NewStore initializes the pool from cfg and verifies the connection.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres: config is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	} else {
		poolCfg.MaxConns = defaultMaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	healthCheckTimeout := cfg.HealthCheckTimeout
	if healthCheckTimeout <= 0 {
		healthCheckTimeout = defaultHealthCheckTimeout
	}
	logger.FromContext(ctx).With(
		"store_driver", "postgres",
		"host", cfg.Host,
		"db_name", cfg.DBName,
		"max_conns", poolCfg.MaxConns,
	).Info("Store initialized")
	return &Store{pool: pool, healthCheckTimeout: healthCheckTimeout}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	logger.FromContext(ctx).Info("Postgres store closed")
	return nil
}

// Pool exposes the pool for driver-local usage.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// HealthCheck verifies the connection is alive.
func (s *Store) HealthCheck(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(ctx, s.healthCheckTimeout)
	defer cancel()
	if err := s.pool.Ping(hctx); err != nil {
		return fmt.Errorf("postgres: health check failed: %w", err)
	}
	return nil
}
