package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-instance deployments and
// tests. One mutex guards all state, so every operation is atomic relative
// to the others, matching the guarantees the Redis backend gets from
// single-threaded command execution.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string][]byte
	hashes  map[string]map[string][]byte
	sets    map[string]map[string]struct{}
	lists   map[string][][]byte
	expiry  map[string]time.Time
	subs    map[string][]*memSub
	now     func() time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string][]byte),
		hashes:  make(map[string]map[string][]byte),
		sets:    make(map[string]map[string]struct{}),
		lists:   make(map[string][][]byte),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string][]*memSub),
		now:     time.Now,
	}
}

// purge drops key from every keyspace if its expiry has passed.
// Callers must hold mu.
func (s *MemoryStore) purge(key string) {
	at, ok := s.expiry[key]
	if !ok || s.now().Before(at) {
		return
	}
	s.drop(key)
}

// drop removes key from every keyspace. Callers must hold mu.
func (s *MemoryStore) drop(key string) {
	delete(s.strings, key)
	delete(s.hashes, key)
	delete(s.sets, key)
	delete(s.lists, key)
	delete(s.expiry, key)
}

func (s *MemoryStore) setExpiry(key string, ttl time.Duration) {
	if ttl > 0 {
		s.expiry[key] = s.now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	val, ok := s.strings[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (s *MemoryStore) GetInt(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	val, ok := s.strings[key]
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(string(val), 10, 64)
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strings[key] = append([]byte(nil), value...)
	s.setExpiry(key, ttl)
	return nil
}

// Update runs fn under the store lock, so it must not call back into the
// store.
func (s *MemoryStore) Update(_ context.Context, key string, ttl time.Duration, fn func(old []byte) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)

	var old []byte
	if val, ok := s.strings[key]; ok {
		old = append([]byte(nil), val...)
	}

	next, err := fn(old)
	if err == ErrNoChange {
		return old, nil
	}
	if err != nil {
		return nil, err
	}

	s.strings[key] = append([]byte(nil), next...)
	s.setExpiry(key, ttl)
	return next, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.drop(key)
	}
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	return s.exists(key), nil
}

func (s *MemoryStore) exists(key string) bool {
	if _, ok := s.strings[key]; ok {
		return true
	}
	if _, ok := s.hashes[key]; ok {
		return true
	}
	if _, ok := s.sets[key]; ok {
		return true
	}
	if _, ok := s.lists[key]; ok {
		return true
	}
	return false
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	if s.exists(key) {
		s.setExpiry(key, ttl)
	}
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.incrBy(key, 1)
}

func (s *MemoryStore) Decr(ctx context.Context, key string) (int64, error) {
	return s.incrBy(key, -1)
}

func (s *MemoryStore) incrBy(key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	var n int64
	if val, ok := s.strings[key]; ok {
		parsed, err := strconv.ParseInt(string(val), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("value at %q is not an integer", key)
		}
		n = parsed
	}
	n += delta
	s.strings[key] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}

func (s *MemoryStore) HSet(_ context.Context, key, field string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	h[field] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) HSetNX(_ context.Context, key, field string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	if _, exists := h[field]; exists {
		return false, nil
	}
	h[field] = append([]byte(nil), value...)
	return true, nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	val, ok := s.hashes[key][field]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	out := make(map[string][]byte, len(s.hashes[key]))
	for field, val := range s.hashes[key] {
		out[field] = append([]byte(nil), val...)
	}
	return out, nil
}

func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	h, ok := s.hashes[key]
	if !ok {
		return 0, nil
	}
	var removed int64
	for _, field := range fields {
		if _, exists := h[field]; exists {
			delete(h, field)
			removed++
		}
	}
	if len(h) == 0 {
		delete(s.hashes, key)
		delete(s.expiry, key)
	}
	return removed, nil
}

func (s *MemoryStore) HLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	return int64(len(s.hashes[key])), nil
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	return int64(len(s.sets[key])), nil
}

func (s *MemoryStore) PushCapped(_ context.Context, key string, value []byte, max int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	list := append(s.lists[key], append([]byte(nil), value...))
	if int64(len(list)) > max {
		list = list[int64(len(list))-max:]
	}
	s.lists[key] = list
	s.setExpiry(key, ttl)
	return nil
}

func (s *MemoryStore) Range(_ context.Context, key string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(key)
	out := make([][]byte, len(s.lists[key]))
	for i, val := range s.lists[key] {
		out[i] = append([]byte(nil), val...)
	}
	return out, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs[channel] {
		select {
		case sub.out <- append([]byte(nil), payload...):
		default:
			// slow subscriber, drop like redis pub/sub would
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &memSub{store: s, channel: channel, out: make(chan []byte, 256)}
	s.subs[channel] = append(s.subs[channel], sub)
	return sub, nil
}

func (s *MemoryStore) unsubscribe(channel string, target *memSub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.subs[channel]
	for i, sub := range subs {
		if sub == target {
			s.subs[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.subs[channel]) == 0 {
		delete(s.subs, channel)
	}
}

type memSub struct {
	store   *MemoryStore
	channel string
	out     chan []byte
	once    sync.Once
}

func (s *memSub) Messages() <-chan []byte { return s.out }

func (s *memSub) Close() error {
	s.once.Do(func() {
		s.store.unsubscribe(s.channel, s)
		close(s.out)
	})
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
