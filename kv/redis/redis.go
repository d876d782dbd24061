// Package redis adapts go-redis to the kv.Store interface.
package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaylabs/relay/kv"
)

// Store wraps a go-redis client as a kv.Store.
type Store struct {
	client *redis.Client
}

var _ kv.Store = (*Store)(nil)

// New wraps an existing client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Open connects to the Redis at url ("redis://host:port/db").
func Open(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return New(redis.NewClient(opts)), nil
}

// Client exposes the underlying go-redis client for commands outside the
// kv surface.
func (s *Store) Client() *redis.Client { return s.client }

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", kv.ErrNil
	}
	return v, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *Store) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	return s.client.IncrByFloat(ctx, key, delta).Result()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.Expire(ctx, key, ttl).Result()
}

func (s *Store) ExpireNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.ExpireNX(ctx, key, ttl).Result()
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	return s.client.Exists(ctx, keys...).Result()
}

// pipe queues commands on a go-redis pipeliner and records how to
// convert each command's reply to the kv result shape.
type pipe struct {
	p    redis.Pipeliner
	cmds []func() any
}

var _ kv.Pipeline = (*pipe)(nil)

func (p *pipe) Set(key, value string, ttl time.Duration) {
	p.p.Set(context.Background(), key, value, ttl)
	p.cmds = append(p.cmds, func() any { return nil })
}

func (p *pipe) IncrByFloat(key string, delta float64) {
	cmd := p.p.IncrByFloat(context.Background(), key, delta)
	p.cmds = append(p.cmds, func() any { return cmd.Val() })
}

func (p *pipe) ExpireNX(key string, ttl time.Duration) {
	cmd := p.p.ExpireNX(context.Background(), key, ttl)
	p.cmds = append(p.cmds, func() any { return cmd.Val() })
}

func (p *pipe) ZAdd(key string, members ...kv.Z) {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	p.p.ZAdd(context.Background(), key, zs...)
	p.cmds = append(p.cmds, func() any { return nil })
}

func (p *pipe) ZIncrBy(key string, delta float64, member string) {
	cmd := p.p.ZIncrBy(context.Background(), key, delta, member)
	p.cmds = append(p.cmds, func() any { return cmd.Val() })
}

func (p *pipe) PFAdd(key string, members ...string) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	cmd := p.p.PFAdd(context.Background(), key, args...)
	p.cmds = append(p.cmds, func() any { return cmd.Val() > 0 })
}

func (p *pipe) results() []any {
	out := make([]any, len(p.cmds))
	for i, fn := range p.cmds {
		out[i] = fn()
	}
	return out
}

func (s *Store) TxPipelined(ctx context.Context, fn func(kv.Pipeline)) ([]any, error) {
	var p *pipe
	_, err := s.client.TxPipelined(ctx, func(rp redis.Pipeliner) error {
		p = &pipe{p: rp}
		fn(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p.results(), nil
}

// tx adapts redis.Tx to kv.Tx.
type tx struct {
	rtx *redis.Tx
}

func (t *tx) Get(ctx context.Context, key string) (string, error) {
	v, err := t.rtx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", kv.ErrNil
	}
	return v, err
}

func (t *tx) Exec(ctx context.Context, fn func(kv.Pipeline)) ([]any, error) {
	var p *pipe
	_, err := t.rtx.TxPipelined(ctx, func(rp redis.Pipeliner) error {
		p = &pipe{p: rp}
		fn(p)
		return nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		return nil, kv.ErrTxConflict
	}
	if err != nil {
		return nil, err
	}
	return p.results(), nil
}

func (s *Store) Watch(ctx context.Context, fn func(kv.Tx) error, keys ...string) error {
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		return fn(&tx{rtx: rtx})
	}, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return kv.ErrTxConflict
	}
	return err
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Result()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *Store) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	return s.client.Scan(ctx, cursor, pattern, count).Result()
}

func (s *Store) ZAdd(ctx context.Context, key string, members ...kv.Z) (int64, error) {
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	return s.client.ZAdd(ctx, key, zs...).Result()
}

func (s *Store) ZIncrBy(ctx context.Context, key string, delta float64, member string) (float64, error) {
	return s.client.ZIncrBy(ctx, key, delta, member).Result()
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.ZRange(ctx, key, start, stop).Result()
}

func (s *Store) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]kv.Z, error) {
	zs, err := s.client.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]kv.Z, len(zs))
	for i, z := range zs {
		member, _ := z.Member.(string)
		out[i] = kv.Z{Score: z.Score, Member: member}
	}
	return out, nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *Store) HSet(ctx context.Context, key string, fieldValues ...string) error {
	args := make([]interface{}, len(fieldValues))
	for i, v := range fieldValues {
		args[i] = v
	}
	return s.client.HSet(ctx, key, args...).Err()
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", kv.ErrNil
	}
	return v, err
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return s.client.HIncrBy(ctx, key, field, delta).Result()
}

func (s *Store) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	return s.client.HIncrByFloat(ctx, key, field, delta).Result()
}

func (s *Store) PFAdd(ctx context.Context, key string, members ...string) (bool, error) {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	n, err := s.client.PFAdd(ctx, key, args...).Result()
	return n > 0, err
}

func (s *Store) PFCount(ctx context.Context, keys ...string) (int64, error) {
	return s.client.PFCount(ctx, keys...).Result()
}

func (s *Store) PFMerge(ctx context.Context, dst string, srcs ...string) error {
	return s.client.PFMerge(ctx, dst, srcs...).Err()
}

func (s *Store) Close() error { return s.client.Close() }
