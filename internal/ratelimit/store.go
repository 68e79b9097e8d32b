package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreClosed is returned by stores after Close.
var ErrStoreClosed = errors.New("ratelimit: store closed")

// Window is the state of one admission window after an increment.
type Window struct {
	Count int64         // requests observed in the window, including this one
	TTL   time.Duration // time left until the window resets
}

// Store is a counter store with per-key expiry. Increment must be atomic:
// the window starts on the first increment of a key and the key expires
// when the window does.
type Store interface {
	Increment(ctx context.Context, key string, window time.Duration) (Window, error)
	// Decrement undoes one increment within the current window. Missing or
	// expired keys are left alone.
	Decrement(ctx context.Context, key string) error
	Close() error
}
