// Package redisclient wraps the go-redis client with the connection
// defaults and startup diagnostics the orchestrator needs everywhere it
// touches Redis.
package redisclient

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps *redis.Client with a named logger and a bounded-timeout Ping.
type Client struct {
	*redis.Client
	log *zap.Logger
}

// New creates a Redis client bound to addr/db with conservative pool and
// retry defaults, and probes connectivity once (non-fatal; logged).
func New(addr string, db int, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}

	opts := &redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
		MaxRetries:   3,
	}

	c := &Client{
		Client: redis.NewClient(opts),
		log:    log.Named("redis"),
	}

	c.log.Info("redis client initialized", zap.String("addr", addr), zap.Int("db", db))
	c.Ping(context.Background())

	return c
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.Client.Close()
}

// Ping probes connectivity with a bounded timeout and logs the result; it
// never returns an error since callers treat connectivity as advisory at
// startup (reconcile on first real use surfaces hard failures).
func (c *Client) Ping(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	opts := c.Options()
	log := c.log.With(
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int("max_retries", opts.MaxRetries),
	)

	start := time.Now()
	err := c.Client.Ping(ctx).Err()
	elapsed := time.Since(start)

	if err != nil {
		log.Warn("connection failed", zap.Error(err), zap.Duration("ping_rtt", elapsed))
		return
	}
	log.Info("connection established", zap.Duration("ping_rtt", elapsed))
}
