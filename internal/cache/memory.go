package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by the test suites. It keeps
// Redis semantics for the operations the engines rely on: list trim
// bounds, hash increments, set membership, fan-out pub/sub, and
// all-or-nothing pipelines under one lock.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]string
	hashes  map[string]map[string]string
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time

	subMu sync.Mutex
	subs  map[string][]*memorySub
}

type memorySub struct {
	channel string
	cb      func(string)
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string][]*memorySub),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func (s *MemoryStore) purgeExpiredLocked(key string) {
	if exp, ok := s.expiry[key]; ok && time.Now().After(exp) {
		delete(s.strings, key)
		delete(s.hashes, key)
		delete(s.lists, key)
		delete(s.sets, key)
		delete(s.expiry, key)
	}
}

func (s *MemoryStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = string(data)
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	s.mu.Lock()
	s.purgeExpiredLocked(key)
	raw, ok := s.strings[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal([]byte(raw), dest)
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.strings, key)
		delete(s.hashes, key)
		delete(s.lists, key)
		delete(s.sets, key)
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(key)
	if _, ok := s.strings[key]; ok {
		return true, nil
	}
	if _, ok := s.hashes[key]; ok {
		return true, nil
	}
	if _, ok := s.lists[key]; ok {
		return true, nil
	}
	_, ok := s.sets[key]
	return ok, nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expiry[key]
	if !ok {
		return -1, nil
	}
	return time.Until(exp), nil
}

func (s *MemoryStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) HSet(ctx context.Context, key, field, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hsetLocked(key, field, value), nil
}

func (s *MemoryStore) hsetLocked(key, field, value string) bool {
	s.purgeExpiredLocked(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	_, existed := h[field]
	h[field] = value
	return !existed
}

func (s *MemoryStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(key)
	v, ok := s.hashes[key][field]
	return v, ok, nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(key)
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hincrLocked(key, field, delta), nil
}

func (s *MemoryStore) hincrLocked(key, field string, delta int64) int64 {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	cur := parseInt(h[field])
	cur += delta
	h[field] = formatInt(cur)
	return cur
}

func (s *MemoryStore) LPush(ctx context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lpushLocked(key, values...)
	return nil
}

func (s *MemoryStore) lpushLocked(key string, values ...string) int64 {
	s.purgeExpiredLocked(key)
	for _, v := range values {
		s.lists[key] = append([]string{v}, s.lists[key]...)
	}
	return int64(len(s.lists[key]))
}

func (s *MemoryStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(key)
	list := s.lists[key]
	from, to, ok := normalizeRange(int64(len(list)), start, stop)
	if !ok {
		return []string{}, nil
	}
	out := make([]string, to-from+1)
	copy(out, list[from:to+1])
	return out, nil
}

func (s *MemoryStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ltrimLocked(key, start, stop)
	return nil
}

func (s *MemoryStore) ltrimLocked(key string, start, stop int64) {
	list := s.lists[key]
	from, to, ok := normalizeRange(int64(len(list)), start, stop)
	if !ok {
		delete(s.lists, key)
		return
	}
	s.lists[key] = append([]string(nil), list[from:to+1]...)
}

func (s *MemoryStore) LLen(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(key)
	return int64(len(s.lists[key])), nil
}

func (s *MemoryStore) SAdd(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saddLocked(key, members...)
	return nil
}

func (s *MemoryStore) saddLocked(key string, members ...string) int64 {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	var added int64
	for _, m := range members {
		if _, exists := set[m]; !exists {
			set[m] = struct{}{}
			added++
		}
	}
	return added
}

func (s *MemoryStore) SRem(ctx context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sremLocked(key, members...)
	return nil
}

func (s *MemoryStore) sremLocked(key string, members ...string) int64 {
	set := s.sets[key]
	var removed int64
	for _, m := range members {
		if _, ok := set[m]; ok {
			delete(set, m)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(key)
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Publish(ctx context.Context, channel, message string) error {
	s.subMu.Lock()
	var targets []*memorySub
	for _, sub := range s.subs[channel] {
		if !sub.closed {
			targets = append(targets, sub)
		}
	}
	s.subMu.Unlock()
	for _, sub := range targets {
		sub.cb(message)
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string, cb func(string)) (func(), error) {
	sub := &memorySub{channel: channel, cb: cb}
	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		sub.closed = true
		remaining := s.subs[channel][:0]
		for _, other := range s.subs[channel] {
			if other != sub {
				remaining = append(remaining, other)
			}
		}
		if len(remaining) == 0 {
			delete(s.subs, channel)
		} else {
			s.subs[channel] = remaining
		}
	}, nil
}

// SubscriberCount reports live subscriptions on a channel; used by the
// SSE tests to check that released channels drop their upstream handle.
func (s *MemoryStore) SubscriberCount(channel string) int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs[channel])
}

func (s *MemoryStore) TxPipeline() Pipe {
	return &memoryPipe{store: s}
}

type memoryPipe struct {
	store *MemoryStore
	ops   []func()
}

func (p *memoryPipe) HGet(key, field string) *StringResult {
	res := &StringResult{}
	p.ops = append(p.ops, func() {
		if v, ok := p.store.hashes[key][field]; ok {
			res.set(v, true)
		}
	})
	return res
}

func (p *memoryPipe) HSet(key, field, value string) *IntResult {
	res := &IntResult{}
	p.ops = append(p.ops, func() {
		if p.store.hsetLocked(key, field, value) {
			res.set(1)
		}
	})
	return res
}

func (p *memoryPipe) HGetAll(key string) *MapResult {
	res := &MapResult{}
	p.ops = append(p.ops, func() {
		out := make(map[string]string, len(p.store.hashes[key]))
		for k, v := range p.store.hashes[key] {
			out[k] = v
		}
		res.set(out)
	})
	return res
}

func (p *memoryPipe) HIncrBy(key, field string, delta int64) *IntResult {
	res := &IntResult{}
	p.ops = append(p.ops, func() { res.set(p.store.hincrLocked(key, field, delta)) })
	return res
}

func (p *memoryPipe) LPush(key string, values ...string) *IntResult {
	res := &IntResult{}
	p.ops = append(p.ops, func() { res.set(p.store.lpushLocked(key, values...)) })
	return res
}

func (p *memoryPipe) LTrim(key string, start, stop int64) {
	p.ops = append(p.ops, func() { p.store.ltrimLocked(key, start, stop) })
}

func (p *memoryPipe) SAdd(key string, members ...string) *IntResult {
	res := &IntResult{}
	p.ops = append(p.ops, func() { res.set(p.store.saddLocked(key, members...)) })
	return res
}

func (p *memoryPipe) SRem(key string, members ...string) *IntResult {
	res := &IntResult{}
	p.ops = append(p.ops, func() { res.set(p.store.sremLocked(key, members...)) })
	return res
}

func (p *memoryPipe) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func() { p.store.expiry[key] = time.Now().Add(ttl) })
}

func (p *memoryPipe) Exec(ctx context.Context) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	for _, op := range p.ops {
		op()
	}
	return nil
}

func normalizeRange(length, start, stop int64) (from, to int64, ok bool) {
	if length == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || start >= length {
		return 0, 0, false
	}
	return start, stop, true
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
