package service

import (
	"context"
	"time"

	"github.com/datatrac/datatrac-sync/internal/platform/cache"
)

// startLockTTL bounds how long a start-race lock survives if its holder
// crashes before releasing it.
const startLockTTL = 10 * time.Second

// StartLock is a best-effort cross-process advisory lock guarding the
// start() race window (spec.md §4.1 Open Question: two concurrent start
// calls both observing status=configured before either sets is_running).
// A nil StartLock on Controller disables this check entirely, which is the
// source repo's original single-process behavior.
type StartLock interface {
	// Acquire attempts to claim taskID's start lock. acquired is false if
	// another holder has it. release must be called once the critical
	// section finishes, regardless of outcome.
	Acquire(ctx context.Context, taskID string) (release func(context.Context), acquired bool, err error)
}

// RedisStartLock implements StartLock on top of the platform Redis cache's
// existing token-based distributed lock (platform/cache.RedisCache.NewLock).
type RedisStartLock struct {
	redis *cache.RedisCache
}

// NewRedisStartLock builds a StartLock backed by redis.
func NewRedisStartLock(redis *cache.RedisCache) *RedisStartLock {
	return &RedisStartLock{redis: redis}
}

func (l *RedisStartLock) Acquire(ctx context.Context, taskID string) (func(context.Context), bool, error) {
	lock := l.redis.NewLock("sync-start:"+taskID, startLockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil || !acquired {
		return func(context.Context) {}, acquired, err
	}
	return func(releaseCtx context.Context) { _ = lock.Release(releaseCtx) }, true, nil
}
