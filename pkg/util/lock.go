package util

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WindowLock admits one holder per fixed time window across all processes
// sharing a redis. A claim is never released: it expires with its window, so
// the guarded work runs at most once per window however the callers' tickers
// are offset.
type WindowLock struct {
	rdb    redis.Cmdable
	key    string
	window time.Duration
	holder string
}

func NewWindowLock(rdb redis.Cmdable, key string, window time.Duration) *WindowLock {
	if window <= 0 {
		window = time.Minute
	}
	return &WindowLock{
		rdb:    rdb,
		key:    fmt.Sprintf("lock:%s", key),
		window: window,
		holder: uuid.NewString(),
	}
}

// windowKey is the redis key for the window containing now.
func (l *WindowLock) windowKey(now time.Time) string {
	return fmt.Sprintf("%s:%d", l.key, now.Truncate(l.window).Unix())
}

// ClaimWindow reports whether the caller won the window containing now.
func (l *WindowLock) ClaimWindow(ctx context.Context, now time.Time) (bool, error) {
	won, err := l.rdb.SetNX(ctx, l.windowKey(now), l.holder, l.window).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", l.key, err)
	}
	return won, nil
}
