// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kv is a thin adapter over the Redis-style key-value store
// holding maintenance state. One logical database is selected at
// construction; keys are not namespaced further.
package kv

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound reports an absent key or hash field.
var ErrNotFound = errors.New("kv: not found")

// Store wraps a Redis client. All methods are safe for concurrent use.
type Store struct {
	client *redis.Client
}

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Dial builds a client for the given address and logical database.
// The connection is verified lazily; call Ping to verify eagerly.
func Dial(addr, password string, db int) *Store {
	return New(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}))
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.client.Close() }

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "kv ping")
}

// HGet returns one hash field, or ErrNotFound.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "kv hget %s %s", key, field)
	}
	return v, nil
}

// HGetAll returns all fields of a hash. An absent key yields an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "kv hgetall %s", key)
	}
	return m, nil
}

// HIncrBy atomically increments a hash field and returns the new value.
// An absent field counts from zero.
func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "kv hincrby %s %s", key, field)
	}
	return n, nil
}

// SMembers returns all members of a set. An absent key yields nil.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	ms, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "kv smembers %s", key)
	}
	return ms, nil
}

// Scored is one sorted-set member with its score.
type Scored struct {
	Member string
	Score  float64
}

// ZRangeWithScores returns the full sorted set in ascending score order.
func (s *Store) ZRangeWithScores(ctx context.Context, key string) ([]Scored, error) {
	zs, err := s.client.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "kv zrange %s", key)
	}
	out := make([]Scored, 0, len(zs))
	for _, z := range zs {
		m, _ := z.Member.(string)
		out = append(out, Scored{Member: m, Score: z.Score})
	}
	return out, nil
}

// Tx queues the commands issued through the passed Tx and applies them
// atomically. Either all commands apply or none do.
func (s *Store) Tx(ctx context.Context, fn func(tx Tx) error) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return fn(Tx{ctx: ctx, p: p})
	})
	return errors.Wrap(err, "kv tx")
}

// Tx queues commands inside an atomic multi-operation. Command results
// are not observable until the transaction commits.
type Tx struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (t Tx) HSet(key string, fields map[string]string) {
	t.p.HSet(t.ctx, key, fields)
}

func (t Tx) SAdd(key, member string) {
	t.p.SAdd(t.ctx, key, member)
}

func (t Tx) SRem(key, member string) {
	t.p.SRem(t.ctx, key, member)
}

func (t Tx) ZAdd(key string, score float64, member string) {
	t.p.ZAdd(t.ctx, key, redis.Z{Score: score, Member: member})
}

func (t Tx) ZRem(key, member string) {
	t.p.ZRem(t.ctx, key, member)
}

func (t Tx) Del(key string) {
	t.p.Del(t.ctx, key)
}
