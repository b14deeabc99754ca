package source

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/leeineian/tempo/sys"
)

type storeEntry struct {
	tracks     []Track
	expiresAt  time.Time
	insertedAt time.Time
}

// ResultStore is a size-bounded TTL cache of resolved tracks. When full, the
// oldest insertion is evicted. Expired entries are dropped lazily on Get.
type ResultStore struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	items   map[string]*storeEntry
	maxSize int
	ttl     time.Duration
}

func NewResultStore(maxSize int, ttl time.Duration, clock clockwork.Clock) *ResultStore {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = sys.DefaultSourceCacheTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ResultStore{
		clock:   clock,
		items:   make(map[string]*storeEntry, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (s *ResultStore) Get(key string) ([]Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	if s.clock.Now().After(e.expiresAt) {
		delete(s.items, key)
		return nil, false
	}
	return append([]Track(nil), e.tracks...), true
}

func (s *ResultStore) Set(key string, tracks []Track) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if _, ok := s.items[key]; !ok && len(s.items) >= s.maxSize {
		s.evictOldest()
	}
	s.items[key] = &storeEntry{
		tracks:     append([]Track(nil), tracks...),
		expiresAt:  now.Add(s.ttl),
		insertedAt: now,
	}
}

func (s *ResultStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// evictOldest must be called with s.mu held.
func (s *ResultStore) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range s.items {
		if first || e.insertedAt.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.insertedAt, false
		}
	}
	if !first {
		delete(s.items, oldestKey)
	}
}

// CachingResolver serves repeated queries from a ResultStore and collapses
// concurrent misses for the same query into one call to the wrapped resolver.
// Only non-empty successful results are stored.
type CachingResolver struct {
	next  Resolver
	store *ResultStore
	group singleflight.Group
}

func NewCachingResolver(next Resolver, store *ResultStore) *CachingResolver {
	return &CachingResolver{next: next, store: store}
}

func (c *CachingResolver) Name() string { return "cache" }

func (c *CachingResolver) Resolve(ctx context.Context, query string) ([]Track, error) {
	key := cacheKey(query)
	if tracks, ok := c.store.Get(key); ok {
		sys.LogDebug(sys.MsgSourceCacheHit, query)
		return tracks, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		tracks, err := c.next.Resolve(ctx, query)
		if err != nil {
			return nil, err
		}
		if len(tracks) > 0 {
			c.store.Set(key, tracks)
		}
		return tracks, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]Track(nil), v.([]Track)...), nil
}

func cacheKey(query string) string {
	return strings.TrimSpace(query)
}
