package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"astroguard/internal/types"

	"github.com/mailgun/holster/v4/clock"
	"github.com/stretchr/testify/suite"
)

type LimiterTestSuite struct {
	suite.Suite

	ctx      context.Context
	limiter  *Limiter
	unfreeze clock.Unfreezer
}

func TestLimiterTestSuite(t *testing.T) {
	suite.Run(t, new(LimiterTestSuite))
}

func (s *LimiterTestSuite) SetupTest() {
	s.unfreeze = clock.Freeze(clock.Now())
	s.ctx = context.Background()
	s.limiter = New(nil, 0)
}

func (s *LimiterTestSuite) TearDownTest() {
	s.limiter.Stop()
	s.unfreeze.Unfreeze()
}

func (s *LimiterTestSuite) TestFixedWindowAdmission() {
	s.limiter.Configure("astro", types.RateLimitConfig{MaxRequests: 3, WindowMs: 60_000})

	for i := 0; i < 3; i++ {
		d, err := s.limiter.Check(s.ctx, "astro", "user1")
		s.NoError(err)
		s.True(d.Allowed)
		s.Equal(2-i, d.Remaining)
		s.Zero(d.RetryAfter)
	}

	clock.Advance(20 * time.Second)
	d, err := s.limiter.Check(s.ctx, "astro", "user1")
	s.NoError(err)
	s.False(d.Allowed)
	s.Equal(0, d.Remaining)
	s.Equal(40*time.Second, d.RetryAfter)
	s.Equal(40, d.RetryAfterSeconds())

	// rejections do not consume the window
	st, err := s.limiter.Stats(s.ctx, "astro")
	s.NoError(err)
	s.Equal(Stats{ActiveWindows: 1, TotalRequests: 3, BlockedIdentifiers: 1}, st)

	clock.Advance(40 * time.Second)
	d, err = s.limiter.Check(s.ctx, "astro", "user1")
	s.NoError(err)
	s.True(d.Allowed)
	s.Equal(2, d.Remaining)
}

func (s *LimiterTestSuite) TestRetryAfterRoundsUp() {
	s.limiter.Configure("llm", types.RateLimitConfig{MaxRequests: 1, WindowMs: 1500})
	_, _ = s.limiter.Check(s.ctx, "llm", "u")
	clock.Advance(100 * time.Millisecond)
	d, err := s.limiter.Check(s.ctx, "llm", "u")
	s.NoError(err)
	s.False(d.Allowed)
	s.Equal(2, d.RetryAfterSeconds())
}

func (s *LimiterTestSuite) TestWindowsAreIndependent() {
	s.limiter.Configure("serviceA", types.RateLimitConfig{MaxRequests: 1, WindowMs: 60_000})
	s.limiter.Configure("serviceB", types.RateLimitConfig{MaxRequests: 1, WindowMs: 60_000})

	d, _ := s.limiter.Check(s.ctx, "serviceA", "userX")
	s.True(d.Allowed)
	d, _ = s.limiter.Check(s.ctx, "serviceA", "userX")
	s.False(d.Allowed)

	d, _ = s.limiter.Check(s.ctx, "serviceA", "userY")
	s.True(d.Allowed)
	d, _ = s.limiter.Check(s.ctx, "serviceB", "userX")
	s.True(d.Allowed)
}

func (s *LimiterTestSuite) TestUnconfiguredServiceIsPermissive() {
	for i := 0; i < 100; i++ {
		d, err := s.limiter.Check(s.ctx, "unknown", "user1")
		s.NoError(err)
		s.True(d.Allowed)
		s.Equal(Unlimited, d.Remaining)
	}
	s.NoError(s.limiter.RecordOutcome(s.ctx, "unknown", "user1", false))
}

func (s *LimiterTestSuite) TestSkipFailedRequests() {
	s.limiter.Configure("sms", types.RateLimitConfig{MaxRequests: 2, WindowMs: 60_000, SkipFailedRequests: true})

	count := func() int {
		w, err := s.limiter.store.List(s.ctx, "sms")
		s.NoError(err)
		return w["user1"].Count
	}

	_, _ = s.limiter.Check(s.ctx, "sms", "user1")
	s.NoError(s.limiter.RecordOutcome(s.ctx, "sms", "user1", true))
	s.Equal(1, count())

	_, _ = s.limiter.Check(s.ctx, "sms", "user1")
	s.NoError(s.limiter.RecordOutcome(s.ctx, "sms", "user1", false))
	s.Equal(1, count())

	d, _ := s.limiter.Check(s.ctx, "sms", "user1")
	s.True(d.Allowed)
}

func (s *LimiterTestSuite) TestSkipSuccessfulRequests() {
	s.limiter.Configure("auth", types.RateLimitConfig{MaxRequests: 1, WindowMs: 60_000, SkipSuccessfulRequests: true})

	for i := 0; i < 5; i++ {
		d, _ := s.limiter.Check(s.ctx, "auth", "shared")
		s.True(d.Allowed)
		s.NoError(s.limiter.RecordOutcome(s.ctx, "auth", "shared", true))
	}
	_, _ = s.limiter.Check(s.ctx, "auth", "shared")
	s.NoError(s.limiter.RecordOutcome(s.ctx, "auth", "shared", false))
	d, _ := s.limiter.Check(s.ctx, "auth", "shared")
	s.False(d.Allowed)
}

func (s *LimiterTestSuite) TestReleaseFloorsAtZero() {
	store := NewMemoryStore()
	now := clock.Now()
	_, _, _ = store.Hit(s.ctx, "svc", "id", 5, time.Minute, now)
	s.NoError(store.Release(s.ctx, "svc", "id", now))
	s.NoError(store.Release(s.ctx, "svc", "id", now))
	w, _ := store.List(s.ctx, "svc")
	s.Equal(0, w["id"].Count)
	// missing windows are ignored
	s.NoError(store.Release(s.ctx, "svc", "other", now))
}

func (s *LimiterTestSuite) TestResetAndSweep() {
	s.limiter.Configure("astro", types.RateLimitConfig{MaxRequests: 1, WindowMs: 1000})
	_, _ = s.limiter.Check(s.ctx, "astro", "a")
	_, _ = s.limiter.Check(s.ctx, "astro", "b")

	s.NoError(s.limiter.Reset(s.ctx, "astro", "a"))
	d, _ := s.limiter.Check(s.ctx, "astro", "a")
	s.True(d.Allowed)

	clock.Advance(time.Second)
	n, err := s.limiter.Sweep(s.ctx)
	s.NoError(err)
	s.Equal(2, n)

	_, _ = s.limiter.Check(s.ctx, "astro", "c")
	s.NoError(s.limiter.ResetAll(s.ctx))
	st, _ := s.limiter.Stats(s.ctx, "astro")
	s.Equal(Stats{}, st)
}

func (s *LimiterTestSuite) TestStartStop() {
	s.limiter.Start()
	s.limiter.Start()
	s.limiter.Stop()
	s.limiter.Stop()
}

func (s *LimiterTestSuite) TestWithRateLimitEndToEnd() {
	s.limiter.Configure("astro", types.RateLimitConfig{MaxRequests: 2, WindowMs: 1000})
	calls := 0
	fn := func(ctx context.Context) (string, error) {
		calls++
		return "chart", nil
	}

	for i := 0; i < 2; i++ {
		v, err := WithRateLimit(s.ctx, s.limiter, "astro", "user1", fn)
		s.NoError(err)
		s.Equal("chart", v)
	}
	_, err := WithRateLimit(s.ctx, s.limiter, "astro", "user1", fn)
	s.ErrorIs(err, types.ErrQuotaExceeded)
	var qe *types.QuotaExceededError
	s.True(errors.As(err, &qe))
	s.Greater(qe.RetryAfterSeconds(), 0)
	s.LessOrEqual(qe.RetryAfterSeconds(), 1)
	s.Equal(2, calls)
}

func (s *LimiterTestSuite) TestWithRateLimitRecordsFailures() {
	s.limiter.Configure("llm", types.RateLimitConfig{MaxRequests: 1, WindowMs: 60_000, SkipFailedRequests: true})
	boom := errors.New("upstream down")
	for i := 0; i < 3; i++ {
		_, err := WithRateLimit(s.ctx, s.limiter, "llm", "user1", func(ctx context.Context) (int, error) {
			return 0, boom
		})
		s.ErrorIs(err, boom)
	}
	v, err := WithRateLimit(s.ctx, s.limiter, "llm", "user1", func(ctx context.Context) (int, error) {
		return 1, nil
	})
	s.NoError(err)
	s.Equal(1, v)
}

func (s *LimiterTestSuite) TestShouldAdjust() {
	s.True(shouldAdjust(types.RateLimitConfig{SkipFailedRequests: true}, false))
	s.False(shouldAdjust(types.RateLimitConfig{SkipFailedRequests: true}, true))
	s.True(shouldAdjust(types.RateLimitConfig{SkipSuccessfulRequests: true}, true))
	s.False(shouldAdjust(types.RateLimitConfig{}, true))
	s.False(shouldAdjust(types.RateLimitConfig{}, false))
}
