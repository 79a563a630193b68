package redis

import (
	"context"
	"testing"
	"time"

	"astroguard/internal/cache"
	"astroguard/internal/ratelimit"
	"astroguard/internal/types"

	"github.com/alicebob/miniredis/v2"
	"github.com/mailgun/holster/v4/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

type RedisBackendTestSuite struct {
	suite.Suite

	ctx      context.Context
	mr       *miniredis.Miniredis
	cli      *redis.Client
	store    *WindowStore
	unfreeze clock.Unfreezer
}

func TestRedisBackendTestSuite(t *testing.T) {
	suite.Run(t, new(RedisBackendTestSuite))
}

func (s *RedisBackendTestSuite) SetupTest() {
	var err error
	s.mr, err = miniredis.Run()
	s.Require().NoError(err)
	s.cli = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	s.store = NewWindowStore(s.cli)
	s.ctx = context.Background()
	s.unfreeze = clock.Freeze(clock.Now())
}

func (s *RedisBackendTestSuite) TearDownTest() {
	s.unfreeze.Unfreeze()
	_ = s.cli.Close()
	s.mr.Close()
}

func (s *RedisBackendTestSuite) TestHitAdmitsUpToMax() {
	now := clock.Now()
	for i := 1; i <= 3; i++ {
		w, ok, err := s.store.Hit(s.ctx, "astro", "u1", 3, time.Minute, now)
		s.NoError(err)
		s.True(ok)
		s.Equal(i, w.Count)
		s.Equal(now.Add(time.Minute).UnixMilli(), w.ResetAt.UnixMilli())
	}
	w, ok, err := s.store.Hit(s.ctx, "astro", "u1", 3, time.Minute, now.Add(time.Second))
	s.NoError(err)
	s.False(ok)
	s.Equal(3, w.Count)

	// a new window starts once reset_at has passed
	w, ok, err = s.store.Hit(s.ctx, "astro", "u1", 3, time.Minute, now.Add(time.Minute))
	s.NoError(err)
	s.True(ok)
	s.Equal(1, w.Count)
}

func (s *RedisBackendTestSuite) TestReleaseAndList() {
	now := clock.Now()
	_, _, _ = s.store.Hit(s.ctx, "sms", "a", 5, time.Minute, now)
	_, _, _ = s.store.Hit(s.ctx, "sms", "a", 5, time.Minute, now)
	_, _, _ = s.store.Hit(s.ctx, "sms", "b", 5, time.Minute, now)

	s.NoError(s.store.Release(s.ctx, "sms", "a", now))
	s.NoError(s.store.Release(s.ctx, "sms", "b", now))
	s.NoError(s.store.Release(s.ctx, "sms", "b", now))
	s.NoError(s.store.Release(s.ctx, "sms", "missing", now))

	ws, err := s.store.List(s.ctx, "sms")
	s.NoError(err)
	s.Len(ws, 2)
	s.Equal(1, ws["a"].Count)
	s.Equal(0, ws["b"].Count)

	empty, err := s.store.List(s.ctx, "other")
	s.NoError(err)
	s.Empty(empty)
}

func (s *RedisBackendTestSuite) TestListDropsWindowsExpiredByRedis() {
	now := time.Now()
	_, _, _ = s.store.Hit(s.ctx, "astro", "u1", 5, time.Second, now)
	s.mr.FastForward(2 * time.Second)

	ws, err := s.store.List(s.ctx, "astro")
	s.NoError(err)
	s.Empty(ws)
	s.False(s.mr.Exists(getWindowKeyName("astro", "u1")))
	members, _ := s.cli.SMembers(s.ctx, getIndexKeyName("astro")).Result()
	s.Empty(members)
}

func (s *RedisBackendTestSuite) TestDeleteExpiredAndClearAll() {
	now := clock.Now()
	_, _, _ = s.store.Hit(s.ctx, "astro", "short", 5, time.Second, now)
	_, _, _ = s.store.Hit(s.ctx, "astro", "long", 5, time.Hour, now)
	_, _, _ = s.store.Hit(s.ctx, "sms", "x", 5, time.Second, now)

	n, err := s.store.DeleteExpired(s.ctx, now.Add(time.Second))
	s.NoError(err)
	s.Equal(2, n)
	ws, _ := s.store.List(s.ctx, "astro")
	s.Len(ws, 1)

	s.NoError(s.store.Delete(s.ctx, "astro", "long"))
	ws, _ = s.store.List(s.ctx, "astro")
	s.Empty(ws)

	_, _, _ = s.store.Hit(s.ctx, "sms", "y", 5, time.Hour, now)
	s.NoError(s.store.ClearAll(s.ctx))
	s.Empty(s.mr.Keys())
}

func (s *RedisBackendTestSuite) TestLimiterSharesQuotaAcrossInstances() {
	cfg := types.RateLimitConfig{MaxRequests: 2, WindowMs: 60_000}
	first := ratelimit.New(NewWindowStore(s.cli), 0)
	second := ratelimit.New(NewWindowStore(s.cli), 0)
	first.Configure("openai", cfg)
	second.Configure("openai", cfg)

	d, err := first.Check(s.ctx, "openai", "u1")
	s.NoError(err)
	s.True(d.Allowed)
	d, err = second.Check(s.ctx, "openai", "u1")
	s.NoError(err)
	s.True(d.Allowed)
	d, err = first.Check(s.ctx, "openai", "u1")
	s.NoError(err)
	s.False(d.Allowed)
	s.Equal(60, d.RetryAfterSeconds())

	st, err := second.Stats(s.ctx, "openai")
	s.NoError(err)
	s.Equal(ratelimit.Stats{ActiveWindows: 1, TotalRequests: 2, BlockedIdentifiers: 1}, st)
}

func (s *RedisBackendTestSuite) TestCacheTierRoundTrip() {
	tier := NewCacheTier(s.cli)
	_, _, ok, err := tier.Get(s.ctx, "missing")
	s.NoError(err)
	s.False(ok)

	s.NoError(tier.Set(s.ctx, "chart:u1", []byte(`{"sun":"Leo"}`), time.Minute))
	raw, err := s.mr.Get(getCacheKeyName("chart:u1"))
	s.NoError(err)
	s.NotContains(raw, "Leo")

	b, left, ok, err := tier.Get(s.ctx, "chart:u1")
	s.NoError(err)
	s.True(ok)
	s.Equal(time.Minute, left)
	s.JSONEq(`{"sun":"Leo"}`, string(b))

	s.mr.FastForward(40 * time.Second)
	_, left, ok, _ = tier.Get(s.ctx, "chart:u1")
	s.True(ok)
	s.Equal(20*time.Second, left)

	s.mr.FastForward(20 * time.Second)
	_, _, ok, _ = tier.Get(s.ctx, "chart:u1")
	s.False(ok)

	// keys without an expiry are never written by Set and read as misses
	s.NoError(s.mr.Set(getCacheKeyName("forever"), encodeValue([]byte(`1`))))
	_, _, ok, err = tier.Get(s.ctx, "forever")
	s.NoError(err)
	s.False(ok)

	s.NoError(s.mr.Set(getCacheKeyName("bad"), "!!not-base64"))
	s.mr.SetTTL(getCacheKeyName("bad"), time.Minute)
	_, _, _, err = tier.Get(s.ctx, "bad")
	s.Error(err)
}

func (s *RedisBackendTestSuite) TestCacheTierBacksStores() {
	type guidance struct {
		Text string `json:"text"`
	}
	tier := NewCacheTier(s.cli)
	calls := 0
	gen := func(ctx context.Context) (guidance, error) {
		calls++
		return guidance{Text: "A good day for reflection."}, nil
	}
	a := cache.New(cache.Options{Name: "a", Tier: tier})
	b := cache.New(cache.Options{Name: "b", Tier: tier})

	_, err := cache.GetOrSet(s.ctx, a, "guidance:u1:2026-10-17", time.Hour, gen)
	s.NoError(err)
	v, err := cache.GetOrSet(s.ctx, b, "guidance:u1:2026-10-17", time.Hour, gen)
	s.NoError(err)
	s.Equal("A good day for reflection.", v.Text)
	s.Equal(1, calls)
}
