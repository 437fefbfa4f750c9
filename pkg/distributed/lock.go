package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotHeld        = errors.New("lock was not held by this owner")
	ErrAcquireTimeout = errors.New("lock acquisition timeout")
)

const defaultPollInterval = 25 * time.Millisecond

// Store is the subset of the shared store locks need. SetNX must set the
// value and expiry in one atomic step; CompareAndDelete must only delete
// while the key still holds expected.
type Store interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)
}

// LockManager hands out owner-tagged, TTL-bounded locks over a shared store.
// There is no renewal: the TTL is the upper bound on how long a crashed
// holder can block others, so size it above the critical section.
type LockManager struct {
	store        Store
	prefix       string
	pollInterval time.Duration
}

// NewLockManager creates a new lock manager
func NewLockManager(store Store, prefix string) *LockManager {
	return &LockManager{
		store:        store,
		prefix:       prefix,
		pollInterval: defaultPollInterval,
	}
}

// Acquire makes one attempt to take key for owner.
func (lm *LockManager) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := lm.store.SetNX(ctx, lm.prefix+key, owner, ttl)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// AcquireWithWait retries Acquire until it succeeds, wait elapses or ctx ends.
// A zero wait is a single attempt.
func (lm *LockManager) AcquireWithWait(ctx context.Context, key, owner string, ttl, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := lm.Acquire(ctx, key, owner, ttl)
		if err != nil || ok {
			return ok, err
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(lm.pollInterval):
		}
	}
}

// Release deletes key only if owner still holds it.
func (lm *LockManager) Release(ctx context.Context, key, owner string) (bool, error) {
	ok, err := lm.store.CompareAndDelete(ctx, lm.prefix+key, owner)
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return ok, nil
}

// NewLock binds key to a freshly generated owner token.
func (lm *LockManager) NewLock(key string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		manager: lm,
		key:     key,
		owner:   uuid.NewString(),
		ttl:     ttl,
	}
}

// DistributedLock is a single-use handle on one key. It is not safe for
// concurrent use by multiple goroutines.
type DistributedLock struct {
	manager *LockManager
	key     string
	owner   string
	ttl     time.Duration
	held    bool
}

func (l *DistributedLock) Key() string   { return l.key }
func (l *DistributedLock) Owner() string { return l.owner }
func (l *DistributedLock) Held() bool    { return l.held }

// TryLock attempts the lock once without blocking.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.manager.Acquire(ctx, l.key, l.owner, l.ttl)
	l.held = ok
	return ok, err
}

// Lock waits up to wait for the lock.
func (l *DistributedLock) Lock(ctx context.Context, wait time.Duration) error {
	ok, err := l.manager.AcquireWithWait(ctx, l.key, l.owner, l.ttl, wait)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAcquireTimeout
	}
	l.held = true
	return nil
}

// Unlock releases the lock. ErrNotHeld means it expired and may now belong
// to someone else; nothing was deleted in that case.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	if !l.held {
		return ErrNotHeld
	}
	l.held = false

	ok, err := l.manager.Release(ctx, l.key, l.owner)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotHeld
	}
	return nil
}
