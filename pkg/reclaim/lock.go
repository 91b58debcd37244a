package reclaim

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// ErrLockHeld is returned by a Locker when another holder has the lock.
var ErrLockHeld = errors.New("lock held")

// Locker hands out a mutually exclusive lease on key for ttl.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, err error)
}

// RedisLocker implements Locker with redislock.
type RedisLocker struct {
	client *redislock.Client
}

func NewRedisLocker(client redislock.RedisClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(client)}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) error {
		err := lock.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			// lease expired before the cycle finished
			return nil
		}
		return err
	}, nil
}
