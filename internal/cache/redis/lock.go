package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/sitegraph/backend/internal/suggest"
)

var ErrLockNotHeld = errors.New("lock not held")

// compareAndDelete removes KEYS[1] only while it still holds ARGV[1].
var compareAndDelete = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Locker hands out token-guarded SET NX locks.
type Locker struct {
	client *Client
}

func NewLocker(client *Client) *Locker {
	return &Locker{client: client}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (suggest.Lock, bool, error) {
	token := uuid.New().String()
	var ok bool
	err := l.client.executeWithRetry(ctx, func(ctx context.Context) error {
		var err error
		ok, err = l.client.client.SetNX(ctx, key, token, ttl).Result()
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &DistributedLock{client: l.client, key: key, token: token}, true, nil
}

type DistributedLock struct {
	client *Client
	key    string
	token  string
}

// Unlock releases the lock if this holder still owns it. An expired lock
// taken over by someone else yields ErrLockNotHeld.
func (d *DistributedLock) Unlock(ctx context.Context) error {
	var n int
	err := d.client.executeWithRetry(ctx, func(ctx context.Context) error {
		var err error
		n, err = compareAndDelete.Run(ctx, d.client.client, []string{d.key}, d.token).Int()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}
