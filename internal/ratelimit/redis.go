package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kelmah/gateway/internal/config"
	"github.com/kelmah/gateway/internal/logging"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// incrementScript atomically increments a counter and starts its expiry on
// the first hit of a window. A key left without TTL is repaired.
// KEYS[1] = key, ARGV[1] = window in milliseconds.
// Returns {count, remaining ttl in ms}.
var incrementScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if current == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// decrementScript decrements a live positive counter without touching its TTL.
var decrementScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v > 0 then
  return redis.call('DECR', KEYS[1])
end
return 0
`)

const redisOpTimeout = 100 * time.Millisecond

// RedisStore is the shared counter store. Calls go through a breaker so a
// dead Redis costs one fast error per request instead of a dial timeout.
type RedisStore struct {
	client *redis.Client
	prefix string
	cb     *gobreaker.CircuitBreaker[Window]
}

// NewRedisClient builds a client from config. URL takes precedence over
// the discrete address fields.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	opts.MaxRetries = 1
	return redis.NewClient(opts), nil
}

// NewRedisStore wraps an already connected client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		cb: gobreaker.NewCircuitBreaker[Window](gobreaker.Settings{
			Name:        "redis-counter-store",
			MaxRequests: 1,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// A caller giving up says nothing about Redis.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn("shared counter store breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

// ConnectRedis pings Redis with exponential backoff until it answers or the
// configured connect budget is spent.
func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client, err := NewRedisClient(cfg)
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = cfg.ConnectTimeout
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 5 * time.Second
	}

	ping := func() error {
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return client.Ping(pctx).Err()
	}
	notify := func(err error, next time.Duration) {
		logging.Debug("redis not reachable yet", zap.Error(err), zap.Duration("retry_in", next))
	}

	if err := backoff.RetryNotify(ping, backoff.WithContext(bo, ctx), notify); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// Increment implements Store.
func (s *RedisStore) Increment(ctx context.Context, key string, window time.Duration) (Window, error) {
	return s.cb.Execute(func() (Window, error) {
		ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()

		res, err := incrementScript.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Int64Slice()
		if err != nil {
			return Window{}, err
		}
		if len(res) != 2 {
			return Window{}, fmt.Errorf("unexpected increment reply length %d", len(res))
		}
		return Window{Count: res[0], TTL: time.Duration(res[1]) * time.Millisecond}, nil
	})
}

// Decrement implements Store.
func (s *RedisStore) Decrement(ctx context.Context, key string) error {
	_, err := s.cb.Execute(func() (Window, error) {
		ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
		defer cancel()
		return Window{}, decrementScript.Run(ctx, s.client, []string{s.prefix + key}).Err()
	})
	return err
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
