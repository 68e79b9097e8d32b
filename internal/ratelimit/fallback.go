package ratelimit

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/kelmah/gateway/internal/config"
	"github.com/kelmah/gateway/internal/logging"
	"github.com/kelmah/gateway/internal/metrics"
	"go.uber.org/zap"
)

// FallbackStore serves from the shared store and falls back to a local one
// whenever the shared store errors. Limits become per-instance while
// degraded; the transition is logged once in each direction.
type FallbackStore struct {
	primary  Store
	local    Store
	metrics  *metrics.Collector
	degraded atomic.Bool
}

// NewFallbackStore combines a shared and a local store.
func NewFallbackStore(primary, local Store, m *metrics.Collector) *FallbackStore {
	return &FallbackStore{primary: primary, local: local, metrics: m}
}

// Degraded reports whether the last operation was served locally.
func (f *FallbackStore) Degraded() bool {
	return f.degraded.Load()
}

func (f *FallbackStore) fail(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	f.metrics.RecordStoreFallback()
	if f.degraded.CompareAndSwap(false, true) {
		logging.Warn("shared counter store unavailable, admission limits are now per-instance",
			zap.Error(err))
	}
}

func (f *FallbackStore) ok() {
	if f.degraded.CompareAndSwap(true, false) {
		logging.Info("shared counter store recovered, admission limits are cluster-wide again")
	}
}

// Increment implements Store.
func (f *FallbackStore) Increment(ctx context.Context, key string, window time.Duration) (Window, error) {
	w, err := f.primary.Increment(ctx, key, window)
	if err != nil {
		f.fail(err)
		return f.local.Increment(ctx, key, window)
	}
	f.ok()
	return w, nil
}

// Decrement implements Store.
func (f *FallbackStore) Decrement(ctx context.Context, key string) error {
	if f.degraded.Load() {
		return f.local.Decrement(ctx, key)
	}
	if err := f.primary.Decrement(ctx, key); err != nil {
		f.fail(err)
		return f.local.Decrement(ctx, key)
	}
	return nil
}

// Close implements Store.
func (f *FallbackStore) Close() error {
	return errors.Join(f.primary.Close(), f.local.Close())
}

// NewStore picks the counter store for cfg. Without Redis configured, or
// when Redis cannot be reached at startup, it returns a process-local store
// and logs the degradation. It never fails.
func NewStore(ctx context.Context, cfg config.RedisConfig, m *metrics.Collector) Store {
	local := NewMemoryStore(time.Minute)
	if !cfg.Enabled() {
		logging.Info("no shared counter store configured, admission limits are per-instance")
		return local
	}

	client, err := ConnectRedis(ctx, cfg)
	if err != nil {
		logging.Warn("shared counter store unavailable at startup, falling back to in-process counters; admission limits are per-instance",
			zap.Error(err))
		return local
	}

	logging.Info("using shared counter store for admission limits", zap.String("addr", client.Options().Addr))
	return NewFallbackStore(NewRedisStore(client, cfg.KeyPrefix), local, m)
}
