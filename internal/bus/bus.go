// Package bus wraps the shared Redis instance every service talks to:
// connection presence, sliding-window rate limits, cross-instance broadcast,
// token revocation state and the cluster-wide kill switch flag.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mlukyanov/tradecore/internal/config"
	"github.com/mlukyanov/tradecore/internal/metrics"
)

// Bus is a thin facade over go-redis scoped to the keyspace this system
// owns. One instance is shared by every component of a binary.
type Bus struct {
	rdb      *redis.Client
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// New connects to the bus and verifies the connection before returning.
func New(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping bus: %w", err)
	}

	return &Bus{
		rdb:      rdb,
		recorder: metrics.NewRecorder(),
		logger:   logger.With("component", "bus"),
	}, nil
}

// Close releases the underlying connection pool.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
