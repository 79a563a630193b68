package cache

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"astroguard/internal/ports"

	"github.com/goccy/go-json"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxSize         = 1000
	DefaultTTL             = time.Hour
	DefaultCleanupInterval = time.Hour

	APIMaxSize         = 500
	APIDefaultTTL      = 30 * time.Minute
	APICleanupInterval = 30 * time.Minute
)

// Options configures a Store. Zero values fall back to the generic defaults.
type Options struct {
	// Name labels the store in logs and metrics.
	Name            string
	MaxSize         int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	// SingleFlight makes concurrent GetOrSet misses on one key share a single generator call.
	SingleFlight bool
	// Tier is an optional shared tier consulted by GetOrSet on an in-process miss.
	Tier ports.CacheTier
}

// Store is an in-process TTL cache bounded to MaxSize entries.
// Expired entries are dropped lazily on read and proactively by the sweep loop.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	opts    Options
	group   singleflight.Group

	loop sync.Mutex
	done chan struct{}
	wg   sync.WaitGroup
}

type entry struct {
	val      any
	storedAt time.Time
	ttl      time.Duration
}

func (e entry) live(now time.Time) bool {
	return now.Sub(e.storedAt) < e.ttl
}

// Stats is a read-only snapshot of the store.
type Stats struct {
	Size       int           `json:"size"`
	Expired    int           `json:"expired_not_swept"`
	AverageAge time.Duration `json:"average_age"`
}

func New(opts Options) *Store {
	setter.SetDefault(&opts.Name, "default")
	setter.SetDefault(&opts.MaxSize, DefaultMaxSize)
	setter.SetDefault(&opts.DefaultTTL, DefaultTTL)
	setter.SetDefault(&opts.CleanupInterval, DefaultCleanupInterval)
	return &Store{
		entries: make(map[string]entry),
		opts:    opts,
	}
}

// NewAPIStore returns a store tuned for upstream API responses: smaller, shorter default TTL and sweep interval.
func NewAPIStore(opts Options) *Store {
	setter.SetDefault(&opts.Name, "api")
	setter.SetDefault(&opts.MaxSize, APIMaxSize)
	setter.SetDefault(&opts.DefaultTTL, APIDefaultTTL)
	setter.SetDefault(&opts.CleanupInterval, APICleanupInterval)
	return New(opts)
}

func (s *Store) Name() string { return s.opts.Name }

// Set inserts or overwrites key. A ttl <= 0 uses the store default.
// When a new key would exceed MaxSize, the entry with the oldest storedAt is evicted first.
func (s *Store) Set(key string, v any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.opts.MaxSize {
		s.evictOldestLocked()
	}
	s.entries[key] = entry{val: v, storedAt: clock.Now(), ttl: ttl}
}

func (s *Store) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for k, e := range s.entries {
		if first || e.storedAt.Before(oldest) {
			oldestKey, oldest, first = k, e.storedAt, false
		}
	}
	if !first {
		delete(s.entries, oldestKey)
		evictionMetric.WithLabelValues(s.opts.Name).Inc()
	}
}

// Get returns the value and true if found and not expired; otherwise nil and false.
// An expired entry is removed as a side effect.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		accessMetric.WithLabelValues(s.opts.Name, "miss").Inc()
		return nil, false
	}
	if !e.live(clock.Now()) {
		delete(s.entries, key)
		accessMetric.WithLabelValues(s.opts.Name, "miss").Inc()
		return nil, false
	}
	accessMetric.WithLabelValues(s.opts.Name, "hit").Inc()
	return e.val, true
}

func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

func (s *Store) Delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// Invalidate deletes key from the store and from the shared tier, if any.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	s.Delete(key)
	if s.opts.Tier == nil {
		return nil
	}
	return s.opts.Tier.Delete(ctx, key)
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]entry)
	s.mu.Unlock()
}

func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Store) Stats() Stats {
	now := clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Size: len(s.entries)}
	if st.Size == 0 {
		return st
	}
	var total time.Duration
	for _, e := range s.entries {
		if !e.live(now) {
			st.Expired++
		}
		total += now.Sub(e.storedAt)
	}
	st.AverageAge = total / time.Duration(st.Size)
	return st
}

// Sweep removes every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	now := clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if !e.live(now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Start runs Sweep every CleanupInterval until Stop is called. Calling Start twice is a no-op.
func (s *Store) Start() {
	s.loop.Lock()
	defer s.loop.Unlock()
	if s.done != nil {
		return
	}
	s.done = make(chan struct{})
	ticker := clock.NewTicker(s.opts.CleanupInterval)
	s.wg.Add(1)
	go func(done chan struct{}) {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				if n := s.Sweep(); n > 0 {
					log.WithFields(log.Fields{"store": s.opts.Name, "removed": n}).Debug("cache sweep")
				}
			case <-done:
				return
			}
		}
	}(s.done)
}

// Stop ends the sweep loop and waits for it to exit.
func (s *Store) Stop() {
	s.loop.Lock()
	defer s.loop.Unlock()
	if s.done == nil {
		return
	}
	close(s.done)
	s.wg.Wait()
	s.done = nil
}

// GetOrSet returns the live value under key, or calls gen, caches its result for ttl and returns it.
// A generator error is returned untouched and nothing is cached. A cached value of another type than T
// is treated as a miss.
func GetOrSet[T any](ctx context.Context, s *Store, key string, ttl time.Duration, gen func(context.Context) (T, error)) (T, error) {
	if v, ok := s.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	if t, ok := loadFromTier[T](ctx, s, key, ttl); ok {
		return t, nil
	}
	if !s.opts.SingleFlight {
		return generate(ctx, s, key, ttl, gen)
	}
	v, err, _ := s.group.Do(key, func() (any, error) {
		return generate(ctx, s, key, ttl, gen)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

func generate[T any](ctx context.Context, s *Store, key string, ttl time.Duration, gen func(context.Context) (T, error)) (T, error) {
	t, err := gen(ctx)
	if err != nil {
		return t, err
	}
	s.Set(key, t, ttl)
	storeInTier(ctx, s, key, t, ttl)
	return t, nil
}

func loadFromTier[T any](ctx context.Context, s *Store, key string, ttl time.Duration) (T, bool) {
	var t T
	if s.opts.Tier == nil {
		return t, false
	}
	b, left, ok, err := s.opts.Tier.Get(ctx, key)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("cache tier read failed")
		return t, false
	}
	if !ok || left <= 0 {
		return t, false
	}
	if err := json.Unmarshal(b, &t); err != nil {
		log.WithError(err).WithField("key", key).Warn("cache tier value undecodable")
		return t, false
	}
	accessMetric.WithLabelValues(s.opts.Name, "tier_hit").Inc()
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	// the local copy expires with the shared one
	s.Set(key, t, min(left, ttl))
	return t, true
}

func storeInTier(ctx context.Context, s *Store, key string, v any, ttl time.Duration) {
	if s.opts.Tier == nil {
		return
	}
	if ttl <= 0 {
		ttl = s.opts.DefaultTTL
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("cache tier value not encodable")
		return
	}
	if err := s.opts.Tier.Set(ctx, key, b, ttl); err != nil {
		log.WithError(err).WithField("key", key).Warn("cache tier write failed")
	}
}

// BuildKey derives a canonical key from a namespace and a flat parameter set:
// "ns:a:1|b:\"x\"". Parameter names are sorted so field order never matters.
func BuildKey(namespace string, params map[string]any) string {
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(namespace)
	for i, n := range names {
		if i == 0 {
			b.WriteByte(':')
		} else {
			b.WriteByte('|')
		}
		b.WriteString(n)
		b.WriteByte(':')
		v, err := json.Marshal(params[n])
		if err != nil {
			v = []byte(fmt.Sprintf("%q", fmt.Sprint(params[n])))
		}
		b.Write(v)
	}
	return b.String()
}
