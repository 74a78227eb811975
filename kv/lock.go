// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package kv

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
)

const (
	// lockTTL bounds how long a crashed holder can wedge a group. It
	// must exceed the longest critical section, which stays well under
	// 200ms in practice.
	lockTTL = 5 * time.Second

	// lockRetryWait is the delay between acquisition attempts.
	lockRetryWait = 120 * time.Millisecond

	// lockMaxAttempts is how many times WithLock tries before falling
	// back to running the critical section without the lock.
	lockMaxAttempts = 8
)

// Lock is a short-TTL advisory mutex built on SetNX. Contention is rare
// and the critical sections it guards are idempotent and monotonic, so
// after exhausting its retries WithLock runs the section anyway rather
// than failing the caller's event.
type Lock struct {
	store  *Store
	logger hclog.Logger
}

func NewLock(store *Store, logger hclog.Logger) *Lock {
	return &Lock{store: store, logger: logger.Named("lock")}
}

// WithLock runs fn while holding the named lock. The lock is released
// on return; if the TTL already expired and another holder took over,
// the release leaves the newer holder untouched.
func (l *Lock) WithLock(ctx context.Context, key string, fn func() error) error {
	nonce, err := uuid.GenerateUUID()
	if err != nil {
		return err
	}

	for attempt := 0; attempt < lockMaxAttempts; attempt++ {
		acquired, err := l.store.SetNX(ctx, key, nonce, lockTTL)
		if err != nil {
			l.logger.Warn("lock attempt failed", "key", key, "error", err)
		} else if acquired {
			defer l.release(ctx, key, nonce)
			return fn()
		}

		select {
		case <-time.After(lockRetryWait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Best-effort fallback: the lock is advisory and the operations
	// inside are safe to interleave in the worst case.
	l.logger.Warn("lock retries exhausted, proceeding without lock", "key", key)
	return fn()
}

// release deletes the lock only if we still own it.
func (l *Lock) release(ctx context.Context, key, nonce string) {
	val, ok, err := l.store.Get(ctx, key)
	if err != nil || !ok || val != nonce {
		return
	}
	if err := l.store.Del(ctx, key); err != nil {
		l.logger.Warn("lock release failed", "key", key, "error", err)
	}
}
