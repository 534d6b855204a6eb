package suggest

import (
	"context"
	"sync"
	"time"
)

// Lock is a held per-site generation lock.
type Lock interface {
	Unlock(ctx context.Context) error
}

// Locker hands out at most one Lock per key at a time. TryLock never blocks;
// it reports false when another holder owns the key.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error)
}

// LocalLocker is an in-process Locker used when Redis is not configured.
// The ttl is ignored.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, _ time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	return &localLock{owner: l, key: key}, true, nil
}

type localLock struct {
	owner *LocalLocker
	key   string
	once  sync.Once
}

func (l *localLock) Unlock(_ context.Context) error {
	l.once.Do(func() {
		l.owner.mu.Lock()
		delete(l.owner.held, l.key)
		l.owner.mu.Unlock()
	})
	return nil
}
