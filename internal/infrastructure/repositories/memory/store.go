package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"livegrid/internal/core/ports"
)

const subscriptionBuffer = 1024

var ErrStoreClosed = errors.New("memory store closed")

type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process ports.SharedStore. Instances that share one
// MemoryStore behave like processes sharing one Redis.
type MemoryStore struct {
	mu     sync.Mutex
	items  map[string]entry
	subs   map[string]map[*memorySubscription]struct{}
	now    func() time.Time
	closed bool
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]entry),
		subs:  make(map[string]map[*memorySubscription]struct{}),
		now:   time.Now,
	}
}

// SetClock replaces the clock used for expiry checks.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) lookup(key string) (entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(s.now()) {
		delete(s.items, key)
		return entry{}, false
	}
	return e, true
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", false, ErrStoreClosed
	}
	e, ok := s.lookup(key)
	return e.value, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.items[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	_, ok := s.lookup(key)
	delete(s.items, key)
	return ok, nil
}

func (s *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.items[key] = entry{value: value, expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	e, ok := s.lookup(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

func (s *MemoryStore) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	var keys []string
	for key := range s.items {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.lookup(key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Publish fans the payload out to current subscribers. A subscriber whose
// buffer is full misses the message, as a slow Redis pub/sub client would.
func (s *MemoryStore) Publish(ctx context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	for sub := range s.subs[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (ports.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	sub := &memorySubscription{
		store:   s,
		channel: channel,
		ch:      make(chan []byte, subscriptionBuffer),
		done:    make(chan struct{}),
	}
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*memorySubscription]struct{})
	}
	s.subs[channel][sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	return sub, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[string]map[*memorySubscription]struct{})
	s.closed = true
	s.mu.Unlock()

	for _, set := range subs {
		for sub := range set {
			sub.closeChannel()
		}
	}
	return nil
}

type memorySubscription struct {
	store   *MemoryStore
	channel string
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
}

func (m *memorySubscription) Messages() <-chan []byte {
	return m.ch
}

func (m *memorySubscription) Close() error {
	m.store.mu.Lock()
	if set, ok := m.store.subs[m.channel]; ok {
		delete(set, m)
		if len(set) == 0 {
			delete(m.store.subs, m.channel)
		}
	}
	m.store.mu.Unlock()

	m.closeChannel()
	return nil
}

// closeChannel must run after the subscription left the store map so that
// Publish, which holds the store lock, can never send on a closed channel.
func (m *memorySubscription) closeChannel() {
	m.once.Do(func() {
		close(m.done)
		close(m.ch)
	})
}
