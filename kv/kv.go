// Package kv abstracts the atomic counter store the relay core keeps its
// volatile state in: cost counters with period TTLs, budget limits,
// leaderboards, experiment metrics, and workflow version records.
//
// The interface mirrors the Redis command surface the core needs:
// counters, sets, sorted sets, hashes, HyperLogLog, MULTI/EXEC pipelines
// and WATCH-based optimistic transactions. kv/redis adapts a real Redis
// via go-redis; kv/memory is a process-local implementation for tests
// and single-node development.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNil is returned by Get/HGet when the key or field does not exist,
// mirroring redis.Nil.
var ErrNil = errors.New("kv: nil")

// ErrTxConflict aborts a Watch transaction whose watched key was
// modified concurrently. Callers retry the whole watch loop.
var ErrTxConflict = errors.New("kv: transaction conflict")

// Z is a sorted-set member with its score.
type Z struct {
	Score  float64
	Member string
}

// Pipeline queues commands for atomic execution. Queued commands produce
// ordered results: float64 for IncrByFloat and ZIncrBy, bool for
// ExpireNX and PFAdd, nil for Set and ZAdd.
type Pipeline interface {
	Set(key, value string, ttl time.Duration)
	IncrByFloat(key string, delta float64)
	ExpireNX(key string, ttl time.Duration)
	ZAdd(key string, members ...Z)
	ZIncrBy(key string, delta float64, member string)
	PFAdd(key string, members ...string)
}

// Tx is the body of an optimistic transaction: reads observe a
// consistent snapshot, and Exec commits atomically unless a watched key
// changed, in which case it returns ErrTxConflict.
type Tx interface {
	Get(ctx context.Context, key string) (string, error)
	Exec(ctx context.Context, fn func(Pipeline)) ([]any, error)
}

// Store is the minimum command surface required by the relay core.
type Store interface {
	// Strings / counters.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// ExpireNX sets the TTL only when the key has none; used to arm
	// period expiries exactly once per fresh counter.
	ExpireNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, keys ...string) (int64, error)

	// TxPipelined executes queued commands atomically (MULTI/EXEC) and
	// returns their ordered results.
	TxPipelined(ctx context.Context, fn func(Pipeline)) ([]any, error)

	// Watch runs fn with keys under optimistic watch. fn's Tx.Exec
	// returns ErrTxConflict when a watched key was concurrently
	// modified; Watch propagates fn's error unchanged.
	Watch(ctx context.Context, fn func(Tx) error, keys ...string) error

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SMembers(ctx context.Context, key string) ([]string, error)

	// Scan iterates keys matching pattern. A returned cursor of 0 ends
	// the iteration.
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error)

	// Sorted sets.
	ZAdd(ctx context.Context, key string, members ...Z) (int64, error)
	ZIncrBy(ctx context.Context, key string, delta float64, member string) (float64, error)
	ZRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Z, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Hashes.
	HSet(ctx context.Context, key string, fieldValues ...string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)

	// HyperLogLog (approximate cardinality).
	PFAdd(ctx context.Context, key string, members ...string) (bool, error)
	PFCount(ctx context.Context, keys ...string) (int64, error)
	PFMerge(ctx context.Context, dst string, srcs ...string) error

	Close() error
}
