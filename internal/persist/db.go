// Package persist stores sticky partition ownership in Postgres.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/l1jgo/worldshard/internal/config"
	"go.uber.org/zap"
)

const (
	connectTimeout  = 5 * time.Second
	applicationName = "worldshard"
)

// DB is the ownership store's handle on Postgres.
type DB struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

// poolConfig turns the database section into pgxpool settings. Idle
// connections never exceed the pool size.
func poolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		pc.MaxConns = int32(cfg.MaxOpenConns)
	}
	pc.MinConns = min(int32(max(cfg.MaxIdleConns, 0)), pc.MaxConns)
	if cfg.ConnMaxLifetime > 0 {
		pc.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if _, set := pc.ConnConfig.RuntimeParams["application_name"]; !set {
		pc.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return pc, nil
}

// NewDB opens the pool and fails unless the server answers a ping within
// connectTimeout.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*DB, error) {
	pc, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s/%s: %w", pc.ConnConfig.Host, pc.ConnConfig.Database, err)
	}

	log.Info("ownership store connected",
		zap.String("host", pc.ConnConfig.Host),
		zap.String("database", pc.ConnConfig.Database),
		zap.Int32("max_conns", pc.MaxConns),
		zap.Int32("min_conns", pc.MinConns))
	return &DB{Pool: pool, log: log}, nil
}

// Close waits for borrowed connections to return and closes the pool.
func (db *DB) Close() {
	stat := db.Pool.Stat()
	db.Pool.Close()
	db.log.Info("ownership store closed",
		zap.Int64("acquires", stat.AcquireCount()),
		zap.Duration("acquire_wait", stat.AcquireDuration()))
}
