// Package lock provides a best-effort TTL lock used to serialize history
// captures across editor sessions that share one store.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotHeld = errors.New("lock not held by this owner")

const (
	DefaultTTL         = 3 * time.Second
	DefaultMaxAttempts = 5
	DefaultBackoff     = 25 * time.Millisecond
	DefaultMaxBackoff  = 200 * time.Millisecond
)

// KV is the atomic storage a lock needs. SetIfAbsent must treat an expired
// record as absent.
type KV interface {
	SetIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
}

// Notifier is implemented by KVs that can wake waiters when a lock is
// released. Waiters fall back to polling without it.
type Notifier interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (<-chan struct{}, func())
}

// Record is the persisted lock value.
type Record struct {
	Token     string
	ExpiresAt time.Time
}

type Options struct {
	TTL         time.Duration
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func DefaultOptions() Options {
	return Options{
		TTL:         DefaultTTL,
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     DefaultBackoff,
		MaxBackoff:  DefaultMaxBackoff,
	}
}

func (o Options) normalize() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.MaxBackoff < o.Backoff {
		o.MaxBackoff = o.Backoff
	}
	return o
}

// Locker guards one key. A Locker holds at most one token at a time.
type Locker struct {
	kv   KV
	key  string
	opts Options

	mu    sync.Mutex
	token string
}

func New(kv KV, key string, opts Options) *Locker {
	return &Locker{kv: kv, key: key, opts: opts.normalize()}
}

func (l *Locker) Key() string {
	return l.key
}

// Acquire tries to take the lock, retrying with doubling backoff. It returns
// false with a nil error when every attempt found the lock held; callers
// decide whether to proceed without it. A cancelled context stops waiting
// and returns the context error.
func (l *Locker) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	backoff := l.opts.Backoff

	var (
		notices <-chan struct{}
		cancel  func()
	)
	defer func() {
		if cancel != nil {
			cancel()
		}
	}()

	for attempt := 1; ; attempt++ {
		ok, err := l.kv.SetIfAbsent(ctx, l.key, token, l.opts.TTL)
		if err != nil {
			return false, err
		}
		if ok {
			l.mu.Lock()
			l.token = token
			l.mu.Unlock()
			return true, nil
		}
		if attempt >= l.opts.MaxAttempts {
			return false, nil
		}

		if notifier, ok := l.kv.(Notifier); ok && notices == nil {
			notices, cancel = notifier.Subscribe(ctx, l.key)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-notices:
			timer.Stop()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > l.opts.MaxBackoff {
			backoff = l.opts.MaxBackoff
		}
	}
}

// Release deletes the lock if this Locker still owns it and notifies
// waiters. Returns ErrNotHeld when the lock expired or was never taken.
func (l *Locker) Release(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()

	if token == "" {
		return ErrNotHeld
	}
	deleted, err := l.kv.CompareAndDelete(ctx, l.key, token)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotHeld
	}
	if notifier, ok := l.kv.(Notifier); ok {
		_ = notifier.Publish(ctx, l.key)
	}
	return nil
}

func (l *Locker) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.token != ""
}
