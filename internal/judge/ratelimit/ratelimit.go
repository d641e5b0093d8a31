// Package ratelimit gates submission intake with a per-user sliding window.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"fuzoj/internal/common/cache"
	pkgerrors "fuzoj/pkg/errors"
)

const (
	defaultWindow      = 60 * time.Second
	defaultMaxPerWindow = 3
	defaultLockTTL      = 2 * time.Second
	defaultLockWait     = 500 * time.Millisecond
	timestampKeyPrefix  = "user_submission_timestamp:"
	lockKeyPrefix       = "user_submission_timestamp_lock:"
)

// Limiter implements the sliding-window submission rate check described
// for user_submission_timestamp: at most MaxPerWindow successful
// submissions per user per Window.
type Limiter struct {
	cache         cache.Cache
	window        time.Duration
	maxPerWindow  int
	lockTTL       time.Duration
	lockRetryWait time.Duration
}

// Config controls the limiter's window and capacity.
type Config struct {
	Window       time.Duration
	MaxPerWindow int
	LockTTL      time.Duration
}

// New creates a Limiter backed by the given cache client.
func New(cacheClient cache.Cache, cfg Config) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = defaultMaxPerWindow
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	return &Limiter{
		cache:         cacheClient,
		window:        cfg.Window,
		maxPerWindow:  cfg.MaxPerWindow,
		lockTTL:       cfg.LockTTL,
		lockRetryWait: defaultLockRetryWait(),
	}
}

func defaultLockRetryWait() time.Duration {
	return defaultLockWait
}

// AllowToSubmit reports whether the user may submit right now, without
// recording the attempt. Callers that act on a true answer use Reserve
// instead, which checks and records under one lock.
func (l *Limiter) AllowToSubmit(ctx context.Context, userID int64) (bool, error) {
	allowed, release, err := l.reserve(ctx, userID, false)
	if release != nil {
		release()
	}
	return allowed, err
}

// Reserve performs the read-purge-check-append sequence atomically per
// user: it acquires a per-user lock, purges stale timestamps, checks the
// limit, and if allowed, prepends now() before releasing the lock. It
// returns whether the submission is allowed; the lock is released before
// Reserve returns.
func (l *Limiter) Reserve(ctx context.Context, userID int64) (bool, error) {
	allowed, release, err := l.reserve(ctx, userID, true)
	if release != nil {
		release()
	}
	return allowed, err
}

func (l *Limiter) reserve(ctx context.Context, userID int64, record bool) (bool, func(), error) {
	if l.cache == nil {
		return false, nil, pkgerrors.New(pkgerrors.ServiceUnavailable).WithMessage("rate limit store is unavailable")
	}
	lockKey := lockKeyPrefix + strconv.FormatInt(userID, 10)
	listKey := timestampKeyPrefix + strconv.FormatInt(userID, 10)

	locked, err := l.acquireLock(ctx, lockKey)
	if err != nil {
		return false, nil, err
	}
	if !locked {
		return false, nil, pkgerrors.New(pkgerrors.LockFailed).WithMessage("rate limit lock contended, try again")
	}
	release := func() { _ = l.cache.Unlock(ctx, lockKey) }

	if err := l.purgeStale(ctx, listKey); err != nil {
		return false, release, err
	}
	count, err := l.cache.LLen(ctx, listKey)
	if err != nil {
		return false, release, pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit length check failed")
	}
	allowed := int(count) < l.maxPerWindow
	if allowed && record {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		if err := l.cache.LPush(ctx, listKey, now); err != nil {
			return false, release, pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit record failed")
		}
	}
	return allowed, release, nil
}

// purgeStale pops entries from the tail of the list while the oldest
// timestamp is older than now - window. The list is kept most-recent-first
// (LPush at the head), so stale entries accumulate at the tail.
func (l *Limiter) purgeStale(ctx context.Context, listKey string) error {
	cutoff := time.Now().Add(-l.window)
	for {
		length, err := l.cache.LLen(ctx, listKey)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit length check failed")
		}
		if length == 0 {
			return nil
		}
		tail, err := l.cache.LRange(ctx, listKey, length-1, length-1)
		if err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit tail read failed")
		}
		if len(tail) == 0 {
			return nil
		}
		ts, err := time.Parse(time.RFC3339Nano, tail[0])
		if err != nil {
			// Malformed entries are pruned rather than blocking the window forever.
			if _, err := l.cache.RPop(ctx, listKey); err != nil {
				return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit prune failed")
			}
			continue
		}
		if ts.After(cutoff) {
			return nil
		}
		if _, err := l.cache.RPop(ctx, listKey); err != nil {
			return pkgerrors.Wrapf(err, pkgerrors.CacheError, "rate limit prune failed")
		}
	}
}

func (l *Limiter) acquireLock(ctx context.Context, lockKey string) (bool, error) {
	deadline := time.Now().Add(5 * l.lockRetryWait)
	for {
		ok, err := l.cache.TryLock(ctx, lockKey, l.lockTTL)
		if err != nil {
			return false, pkgerrors.Wrapf(err, pkgerrors.LockFailed, "acquire rate limit lock failed")
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.lockRetryWait):
		}
	}
}

// Key returns the timestamp list key for a user, exported for callers
// (e.g. admin tooling) that need to inspect or reset the window directly.
func Key(userID int64) string {
	return fmt.Sprintf("%s%d", timestampKeyPrefix, userID)
}
