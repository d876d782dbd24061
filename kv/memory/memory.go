// Package memory is a process-local kv.Store for tests and single-node
// development. All commands run under one mutex, so MULTI/EXEC pipelines
// are trivially atomic; WATCH is implemented with per-key version
// counters. HyperLogLog keys store exact member sets, which satisfies
// the approximate-cardinality contract.
package memory

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/relaylabs/relay/kv"
)

type kind int

const (
	kindString kind = iota
	kindSet
	kindZSet
	kindHash
	kindHLL
)

type entry struct {
	kind kind
	str  string
	set  map[string]struct{}
	zset map[string]float64
	hash map[string]string

	expireAt time.Time // zero = no TTL
	version  uint64
}

// Store is an in-memory kv.Store. The zero value is not usable; call New.
type Store struct {
	mu   sync.Mutex
	data map[string]*entry
	now  func() time.Time
}

var _ kv.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock injects the time source used for TTL expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		data: make(map[string]*entry),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// live returns the entry for key, deleting it first if its TTL elapsed.
// Caller holds s.mu.
func (s *Store) live(key string) *entry {
	e, ok := s.data[key]
	if !ok {
		return nil
	}
	if !e.expireAt.IsZero() && !s.now().Before(e.expireAt) {
		delete(s.data, key)
		return nil
	}
	return e
}

// ensure returns the live entry for key, creating one of kind k when
// absent. Caller holds s.mu.
func (s *Store) ensure(key string, k kind) *entry {
	e := s.live(key)
	if e == nil {
		e = &entry{kind: k}
		switch k {
		case kindSet, kindHLL:
			e.set = make(map[string]struct{})
		case kindZSet:
			e.zset = make(map[string]float64)
		case kindHash:
			e.hash = make(map[string]string)
		}
		s.data[key] = e
	}
	return e
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return "", kv.ErrNil
	}
	return e.str, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(key, value, ttl)
	return nil
}

func (s *Store) setLocked(key, value string, ttl time.Duration) {
	e := s.ensure(key, kindString)
	e.str = value
	e.version++
	if ttl > 0 {
		e.expireAt = s.now().Add(ttl)
	} else {
		e.expireAt = time.Time{}
	}
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(key) != nil {
		return false, nil
	}
	s.setLocked(key, value, ttl)
	return true, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.data, key)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key, kindString)
	n, _ := strconv.ParseInt(e.str, 10, 64)
	n++
	e.str = strconv.FormatInt(n, 10)
	e.version++
	return n, nil
}

func (s *Store) IncrByFloat(ctx context.Context, key string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrByFloatLocked(key, delta), nil
}

func (s *Store) incrByFloatLocked(key string, delta float64) float64 {
	e := s.ensure(key, kindString)
	f, _ := strconv.ParseFloat(e.str, 64)
	f += delta
	e.str = strconv.FormatFloat(f, 'f', -1, 64)
	e.version++
	return f
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return false, nil
	}
	e.expireAt = s.now().Add(ttl)
	return true, nil
}

func (s *Store) ExpireNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireNXLocked(key, ttl), nil
}

func (s *Store) expireNXLocked(key string, ttl time.Duration) bool {
	e := s.live(key)
	if e == nil || !e.expireAt.IsZero() {
		return false
	}
	e.expireAt = s.now().Add(ttl)
	return true
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, key := range keys {
		if s.live(key) != nil {
			n++
		}
	}
	return n, nil
}

// pipeline collects queued commands; apply runs them under s.mu.
type pipeline struct {
	ops []func(s *Store) any
}

var _ kv.Pipeline = (*pipeline)(nil)

func (p *pipeline) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, func(s *Store) any {
		s.setLocked(key, value, ttl)
		return nil
	})
}

func (p *pipeline) IncrByFloat(key string, delta float64) {
	p.ops = append(p.ops, func(s *Store) any {
		return s.incrByFloatLocked(key, delta)
	})
}

func (p *pipeline) ExpireNX(key string, ttl time.Duration) {
	p.ops = append(p.ops, func(s *Store) any {
		return s.expireNXLocked(key, ttl)
	})
}

func (p *pipeline) ZAdd(key string, members ...kv.Z) {
	p.ops = append(p.ops, func(s *Store) any {
		s.zaddLocked(key, members...)
		return nil
	})
}

func (p *pipeline) ZIncrBy(key string, delta float64, member string) {
	p.ops = append(p.ops, func(s *Store) any {
		return s.zincrByLocked(key, delta, member)
	})
}

func (p *pipeline) PFAdd(key string, members ...string) {
	p.ops = append(p.ops, func(s *Store) any {
		return s.pfaddLocked(key, members...)
	})
}

func (p *pipeline) apply(s *Store) []any {
	results := make([]any, 0, len(p.ops))
	for _, op := range p.ops {
		results = append(results, op(s))
	}
	return results
}

func (s *Store) TxPipelined(ctx context.Context, fn func(kv.Pipeline)) ([]any, error) {
	p := &pipeline{}
	fn(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	return p.apply(s), nil
}

// tx implements kv.Tx over version snapshots of the watched keys.
type tx struct {
	store    *Store
	versions map[string]uint64
}

func (t *tx) Get(ctx context.Context, key string) (string, error) {
	return t.store.Get(ctx, key)
}

func (t *tx) Exec(ctx context.Context, fn func(kv.Pipeline)) ([]any, error) {
	p := &pipeline{}
	fn(p)

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for key, ver := range t.versions {
		var cur uint64
		if e := t.store.live(key); e != nil {
			cur = e.version
		}
		if cur != ver {
			return nil, kv.ErrTxConflict
		}
	}
	return p.apply(t.store), nil
}

func (s *Store) Watch(ctx context.Context, fn func(kv.Tx) error, keys ...string) error {
	t := &tx{store: s, versions: make(map[string]uint64, len(keys))}
	s.mu.Lock()
	for _, key := range keys {
		if e := s.live(key); e != nil {
			t.versions[key] = e.version
		} else {
			t.versions[key] = 0
		}
	}
	s.mu.Unlock()
	return fn(t)
}

func (s *Store) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key, kindSet)
	var added int64
	for _, m := range members {
		if _, ok := e.set[m]; !ok {
			e.set[m] = struct{}{}
			added++
		}
	}
	e.version++
	return added, nil
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	out := make([]string, 0, len(e.set))
	for m := range e.set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Scan returns all matching keys in one pass; the cursor is always 0.
// Patterns use glob syntax ("cost:daily:user:*").
func (s *Store) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key := range s.data {
		if s.live(key) == nil {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out, 0, nil
}

func (s *Store) ZAdd(ctx context.Context, key string, members ...kv.Z) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zaddLocked(key, members...), nil
}

func (s *Store) zaddLocked(key string, members ...kv.Z) int64 {
	e := s.ensure(key, kindZSet)
	var added int64
	for _, m := range members {
		if _, ok := e.zset[m.Member]; !ok {
			added++
		}
		e.zset[m.Member] = m.Score
	}
	e.version++
	return added
}

func (s *Store) ZIncrBy(ctx context.Context, key string, delta float64, member string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.zincrByLocked(key, delta, member), nil
}

func (s *Store) zincrByLocked(key string, delta float64, member string) float64 {
	e := s.ensure(key, kindZSet)
	e.zset[member] += delta
	e.version++
	return e.zset[member]
}

// sorted returns the zset ascending by score, ties broken by member.
// Caller holds s.mu.
func (s *Store) sorted(key string) []kv.Z {
	e := s.live(key)
	if e == nil {
		return nil
	}
	out := make([]kv.Z, 0, len(e.zset))
	for m, score := range e.zset {
		out = append(out, kv.Z{Score: score, Member: m})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// clampRange resolves redis-style start/stop (negative = from end) into
// slice bounds over n elements.
func clampRange(start, stop, n int64) (int64, int64, bool) {
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted(key)
	lo, hi, ok := clampRange(start, stop, int64(len(all)))
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, hi-lo+1)
	for _, z := range all[lo : hi+1] {
		out = append(out, z.Member)
	}
	return out, nil
}

func (s *Store) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]kv.Z, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sorted(key)
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	lo, hi, ok := clampRange(start, stop, int64(len(all)))
	if !ok {
		return nil, nil
	}
	return append([]kv.Z(nil), all[lo:hi+1]...), nil
}

func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, z := range s.sorted(key) {
		if z.Score >= min && z.Score <= max {
			out = append(out, z.Member)
		}
	}
	return out, nil
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	var removed int64
	for m, score := range e.zset {
		if score >= min && score <= max {
			delete(e.zset, m)
			removed++
		}
	}
	if removed > 0 {
		e.version++
	}
	return removed, nil
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	return int64(len(e.zset)), nil
}

func (s *Store) HSet(ctx context.Context, key string, fieldValues ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key, kindHash)
	for i := 0; i+1 < len(fieldValues); i += 2 {
		e.hash[fieldValues[i]] = fieldValues[i+1]
	}
	e.version++
	return nil
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return "", kv.ErrNil
	}
	v, ok := e.hash[field]
	if !ok {
		return "", kv.ErrNil
	}
	return v, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(e.hash))
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key, kindHash)
	n, _ := strconv.ParseInt(e.hash[field], 10, 64)
	n += delta
	e.hash[field] = strconv.FormatInt(n, 10)
	e.version++
	return n, nil
}

func (s *Store) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(key, kindHash)
	f, _ := strconv.ParseFloat(e.hash[field], 64)
	f += delta
	e.hash[field] = strconv.FormatFloat(f, 'f', -1, 64)
	e.version++
	return f, nil
}

func (s *Store) PFAdd(ctx context.Context, key string, members ...string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pfaddLocked(key, members...), nil
}

func (s *Store) pfaddLocked(key string, members ...string) bool {
	e := s.ensure(key, kindHLL)
	changed := false
	for _, m := range members {
		if _, ok := e.set[m]; !ok {
			e.set[m] = struct{}{}
			changed = true
		}
	}
	if changed {
		e.version++
	}
	return changed
}

func (s *Store) PFCount(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	union := make(map[string]struct{})
	for _, key := range keys {
		if e := s.live(key); e != nil {
			for m := range e.set {
				union[m] = struct{}{}
			}
		}
	}
	return int64(len(union)), nil
}

func (s *Store) PFMerge(ctx context.Context, dst string, srcs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.ensure(dst, kindHLL)
	for _, src := range srcs {
		if se := s.live(src); se != nil {
			for m := range se.set {
				e.set[m] = struct{}{}
			}
		}
	}
	e.version++
	return nil
}

func (s *Store) Close() error { return nil }
