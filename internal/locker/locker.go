// Package locker serializes work per key. Each expense is mutated under the
// lock "lock:expense:<id>" so that concurrent operations on one expense run
// one at a time while different expenses proceed in parallel.
package locker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"expense-backend/internal/apperr"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/google/uuid"
	goredislib "github.com/redis/go-redis/v9"
)

var ErrEmptyKey = errors.New("lock key cannot be empty")

type Locker interface {
	// WithLock runs fn while holding key. fn's error is returned unchanged.
	WithLock(ctx context.Context, key string, fn func(context.Context) error) error
}

// ExpenseKey is the lock key for one expense.
func ExpenseKey(id uuid.UUID) string {
	return "lock:expense:" + id.String()
}

// Local locks within a single process.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		s.refs--
		if s.refs == 0 {
			delete(l.slots, key)
		}
		l.mu.Unlock()
	}()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		return busy(key, ctx.Err())
	}
	defer func() { <-s.ch }()

	return fn(ctx)
}

// Options tune the Redis lock.
type Options struct {
	// Expiry bounds how long a crashed holder can block the key.
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

// DefaultOptions waits up to roughly wait for the lock.
func DefaultOptions(wait time.Duration) Options {
	delay := 100 * time.Millisecond
	tries := int(wait / delay)
	if tries < 1 {
		tries = 1
	}
	if tries > 1000 {
		tries = 1000
	}
	return Options{
		Expiry:      2 * wait,
		Tries:       tries,
		RetryDelay:  delay,
		DriftFactor: 0.01,
	}
}

// Redis locks across processes with redsync.
type Redis struct {
	rs   *redsync.Redsync
	opts Options
}

func NewRedis(client goredislib.UniversalClient, opts Options) *Redis {
	return &Redis{
		rs:   redsync.New(goredis.NewPool(client)),
		opts: opts,
	}
}

func (r *Redis) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}

	mutex := r.rs.NewMutex(
		key,
		redsync.WithExpiry(r.opts.Expiry),
		redsync.WithTries(r.opts.Tries),
		redsync.WithRetryDelay(r.opts.RetryDelay),
		redsync.WithDriftFactor(r.opts.DriftFactor),
	)
	if err := mutex.LockContext(ctx); err != nil {
		return busy(key, err)
	}
	defer func() {
		// The holder's context may already be done; release on a fresh one.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = mutex.UnlockContext(unlockCtx)
	}()

	return fn(ctx)
}

func busy(key string, err error) error {
	msg := err.Error()
	contended := errors.Is(err, redsync.ErrFailed) ||
		strings.Contains(msg, "lock already taken") ||
		strings.Contains(msg, "failed to acquire lock") ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
	if contended {
		return &apperr.Error{
			Kind:      apperr.KindConflict,
			Op:        "locker.WithLock",
			EntityID:  strings.TrimPrefix(key, "lock:expense:"),
			Message:   "expense is busy, try again",
			Temporary: true,
			Err:       err,
		}
	}
	return apperr.External("locker.WithLock", key, fmt.Errorf("acquire %s: %w", key, err))
}
