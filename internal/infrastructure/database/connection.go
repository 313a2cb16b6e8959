package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/opsledger/opsledger/internal/infrastructure/config"
)

// ConnectionPool wraps the pgx pool with health checking used by the
// engine's readiness endpoint.
type ConnectionPool struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewConnectionPool parses the database config and establishes the pool.
func NewConnectionPool(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*ConnectionPool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	logger.Info("database pool established",
		zap.Int32("max_conns", poolCfg.MaxConns),
		zap.Int32("min_conns", poolCfg.MinConns))

	return &ConnectionPool{pool: pool, logger: logger}, nil
}

// Pool exposes the underlying pgx pool to repositories.
func (p *ConnectionPool) Pool() *pgxpool.Pool {
	return p.pool
}

// HealthCheck pings the database and reports pool saturation.
func (p *ConnectionPool) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	stat := p.pool.Stat()
	if stat.AcquiredConns() == stat.MaxConns() {
		p.logger.Warn("connection pool saturated",
			zap.Int32("acquired", stat.AcquiredConns()),
			zap.Int32("max", stat.MaxConns()))
	}
	return nil
}

// Close drains the pool.
func (p *ConnectionPool) Close() {
	p.pool.Close()
}
