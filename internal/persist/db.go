package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/l1jgo/engine/internal/config"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	connectAttempts = 5
	connectBackoff  = 250 * time.Millisecond
	pingTimeout     = 5 * time.Second
)

// DB wraps the pgx pool behind the PostgreSQL scene repository.
type DB struct {
	Pool *pgxpool.Pool
	log  *zap.Logger
}

// NewDB opens the pool and waits for the server to answer a ping, retrying
// with exponential backoff so the engine can start alongside its database.
func NewDB(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	db := &DB{Pool: pool, log: log}
	if err := db.waitReady(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("database ready",
		zap.String("host", poolCfg.ConnConfig.Host),
		zap.String("database", poolCfg.ConnConfig.Database),
		zap.Int32("max_conns", poolCfg.MaxConns))
	return db, nil
}

func (db *DB) waitReady(ctx context.Context) error {
	backoff := retry.WithMaxRetries(connectAttempts-1,
		retry.WithCappedDuration(2*time.Second, retry.NewExponential(connectBackoff)))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.Pool.Ping(pingCtx); err != nil {
			db.log.Warn("database not ready", zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ping db after %d attempts: %w", attempt, err)
	}
	return nil
}

// Close logs the pool's lifetime usage and closes it.
func (db *DB) Close() {
	st := db.Pool.Stat()
	db.log.Info("database pool closed",
		zap.Int64("acquires", st.AcquireCount()),
		zap.Duration("acquire_wait", st.AcquireDuration()),
		zap.Int32("total_conns", st.TotalConns()))
	db.Pool.Close()
}
