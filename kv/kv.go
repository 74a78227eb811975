// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package kv is a thin adapter over the shared redis store. It exposes
// only the primitives the dispatch core needs and classifies failures
// so that callers can decide between retrying and surfacing.
//
// No cross-key atomicity is assumed anywhere; the advisory Lock in this
// package is the only coordination primitive built on top.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
)

// ErrFatal marks errors that must surface instead of being retried.
// Everything else coming out of the store is considered transient: the
// sweepers and TTLs reconverge the system after a dropped event.
var ErrFatal = errors.New("kv: fatal")

// IsTransient reports whether an error from the store may be retried
// one level up.
func IsTransient(err error) bool {
	return err != nil && !errors.Is(err, ErrFatal)
}

// Store wraps a redis client with the primitive set used by the core:
// get/set-with-TTL, conditional set, list push/pop/range/remove, scan.
type Store struct {
	rdb    *redis.Client
	logger hclog.Logger
}

// Open parses a redis URL (redis://host:port/db) and returns a Store.
// The connection is verified lazily; use Ping for a health probe.
func Open(url string, logger hclog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %v", ErrFatal, err)
	}
	return &Store{
		rdb:    redis.NewClient(opts),
		logger: logger.Named("kv"),
	}, nil
}

// NewStoreFromClient wraps an existing client. Used by tests to point
// the adapter at an in-process redis.
func NewStoreFromClient(client *redis.Client, logger hclog.Logger) *Store {
	return &Store{rdb: client, logger: logger.Named("kv")}
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get returns the value and whether the key exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetTTL writes the value with an expiry. A ttl of zero persists the key.
func (s *Store) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// SetNX writes the value only if the key is absent, returning whether
// the write happened.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

// Expire refreshes the TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.rdb.RPush(ctx, key, args...).Err()
}

func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

// LRem removes count occurrences of value from the list. count follows
// redis semantics; the core only uses 0 (all occurrences).
func (s *Store) LRem(ctx context.Context, key string, count int64, value string) error {
	return s.rdb.LRem(ctx, key, count, value).Err()
}

// LPop pops the list head, reporting whether an element existed.
func (s *Store) LPop(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// LTrim keeps only the given range of the list.
func (s *Store) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.rdb.LTrim(ctx, key, start, stop).Err()
}

// Scan walks all keys matching the pattern. The core only scans small,
// bounded namespaces so the full walk is collected.
func (s *Store) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
