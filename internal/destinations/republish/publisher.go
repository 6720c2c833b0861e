package republish

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"fleetrelay/internal/types"
)

// ErrNotConnected is returned by Publish while the broker connection is
// down.
var ErrNotConnected = errors.New("republish: broker not connected")

// Publisher sends one message to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// redisClient is the subset of *redis.Client the publisher uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisPublisher publishes with Redis PUBLISH. Connection state is tracked
// by Monitor; until the first successful ping the publisher reports
// ErrNotConnected.
type RedisPublisher struct {
	rdb         redisClient
	connected   atomic.Bool
	pingTimeout time.Duration
	logger      types.Logger
}

// NewRedisPublisher parses url and creates a publisher. The connection is
// not checked here; call Check or run Monitor.
func NewRedisPublisher(url string, logger types.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("republish: invalid redis url: %w", err)
	}
	return newRedisPublisher(redis.NewClient(opts), logger), nil
}

func newRedisPublisher(rdb redisClient, logger types.Logger) *RedisPublisher {
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &RedisPublisher{
		rdb:         rdb,
		pingTimeout: 2 * time.Second,
		logger:      logger,
	}
}

// Publish sends payload to topic.
func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if !p.connected.Load() {
		return ErrNotConnected
	}
	if err := p.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("republish: publish to %q: %w", topic, err)
	}
	return nil
}

// Check pings the broker once and updates the connection state.
func (p *RedisPublisher) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	defer cancel()

	err := p.rdb.Ping(ctx).Err()
	was := p.connected.Swap(err == nil)
	switch {
	case err != nil && was:
		p.logger.Error("broker connection lost", "error", err.Error())
	case err == nil && !was:
		p.logger.Info("broker connected")
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Monitor checks the connection immediately and then every interval until
// ctx is done.
func (p *RedisPublisher) Monitor(ctx context.Context, interval time.Duration) {
	_ = p.Check(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.Check(ctx)
		}
	}
}

// Ready reports the last observed connection state without network I/O.
func (p *RedisPublisher) Ready(context.Context) error {
	if !p.connected.Load() {
		return ErrNotConnected
	}
	return nil
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
