// Package ratelimit enforces a minimum interval between requests per wallet.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"gasless-relayer/kvstore"
)

// Limiter admits one request per key per interval. The per-key timestamp
// lives in the injected store so instances can share it.
type Limiter struct {
	store    kvstore.Store
	prefix   string
	interval time.Duration
	now      func() time.Time
}

// New creates a limiter; prefix namespaces its keys in the store.
func New(store kvstore.Store, prefix string, interval time.Duration) *Limiter {
	return &Limiter{store: store, prefix: prefix, interval: interval, now: time.Now}
}

// WithClock overrides the time source (tests).
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Interval returns the configured minimum interval.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Allow records a request for key and reports whether it may proceed. When it
// may not, retryAfter is the time left until lastRequest+interval.
func (l *Limiter) Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error) {
	if l == nil || l.interval <= 0 {
		return true, 0, nil
	}
	now := l.now()
	stamp := []byte(strconv.FormatInt(now.UnixNano(), 10))

	stored, err := l.store.SetNX(ctx, l.key(key), stamp, l.interval)
	if err != nil {
		return false, 0, err
	}
	if stored {
		return true, 0, nil
	}

	raw, err := l.store.Get(ctx, l.key(key))
	if errors.Is(err, kvstore.ErrNotFound) {
		// expired between the two calls; next attempt will win
		return false, time.Millisecond, nil
	}
	if err != nil {
		return false, 0, err
	}
	last, perr := strconv.ParseInt(string(raw), 10, 64)
	if perr != nil {
		return false, l.interval, nil
	}
	retryAfter = time.Unix(0, last).Add(l.interval).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter, nil
}

// Reset forgets the last request for key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, l.key(key))
}

func (l *Limiter) key(k string) string {
	return l.prefix + ":" + strings.ToLower(k)
}

// RetryAfterSeconds rounds a retry hint up to whole seconds, minimum 1.
func RetryAfterSeconds(d time.Duration) int {
	s := int((d + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
