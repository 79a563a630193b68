package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"astroguard/internal/ports"
	"astroguard/internal/types"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const DefaultSweepInterval = time.Minute

// Unlimited is the Remaining value reported for services without a quota.
const Unlimited = -1

var decisionMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "astroguard_ratelimit_decision_count",
	Help: "Rate limit decisions.  Label \"result\" = allowed|rejected|unconfigured.",
}, []string{"service", "result"})

// Decision is the result of Check.
// RetryAfter is only set when Allowed is false.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

type Stats struct {
	ActiveWindows      int `json:"active_windows"`
	TotalRequests      int `json:"total_requests"`
	BlockedIdentifiers int `json:"blocked_identifiers"`
}

// Limiter admits requests against per-service fixed-window quotas tracked per (service, identifier).
// Services without a registered config are never limited.
type Limiter struct {
	store ports.WindowStore

	mu      sync.RWMutex
	configs map[string]types.RateLimitConfig

	interval time.Duration
	loop     sync.Mutex
	done     chan struct{}
	wg       sync.WaitGroup
}

// New returns a Limiter over store. A nil store selects an in-process MemoryStore.
func New(store ports.WindowStore, sweepInterval time.Duration) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	setter.SetDefault(&sweepInterval, DefaultSweepInterval)
	return &Limiter{
		store:    store,
		configs:  make(map[string]types.RateLimitConfig),
		interval: sweepInterval,
	}
}

// Configure registers or replaces the quota of service.
func (l *Limiter) Configure(service string, cfg types.RateLimitConfig) {
	l.mu.Lock()
	l.configs[service] = cfg
	l.mu.Unlock()
}

func (l *Limiter) Config(service string) (types.RateLimitConfig, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cfg, ok := l.configs[service]
	return cfg, ok
}

// Check applies one fixed-window admission for (service, identifier).
func (l *Limiter) Check(ctx context.Context, service, identifier string) (Decision, error) {
	cfg, ok := l.Config(service)
	if !ok {
		decisionMetric.WithLabelValues(service, "unconfigured").Inc()
		return Decision{Allowed: true, Remaining: Unlimited}, nil
	}
	now := clock.Now()
	w, admitted, err := l.store.Hit(ctx, service, identifier, cfg.MaxRequests, cfg.Window(), now)
	if err != nil {
		return Decision{}, types.Err(types.ErrWindowStoreAccess, err, "hit %s/%s", service, identifier)
	}
	d := Decision{
		Allowed:   admitted,
		Remaining: max(cfg.MaxRequests-w.Count, 0),
		ResetAt:   w.ResetAt,
	}
	if !admitted {
		d.RetryAfter = w.ResetAt.Sub(now)
		decisionMetric.WithLabelValues(service, "rejected").Inc()
		log.WithFields(log.Fields{
			"service":    service,
			"identifier": identifier,
			"retryAfter": d.RetryAfterSeconds(),
		}).Debug("rate limited")
		return d, nil
	}
	decisionMetric.WithLabelValues(service, "allowed").Inc()
	return d, nil
}

// shouldAdjust reports whether the outcome of an admitted request gives its slot back.
func shouldAdjust(cfg types.RateLimitConfig, success bool) bool {
	if success {
		return cfg.SkipSuccessfulRequests
	}
	return cfg.SkipFailedRequests
}

// RecordOutcome applies the skip flags of the service config to the request just admitted for
// (service, identifier). Call it at most once per admitted request.
func (l *Limiter) RecordOutcome(ctx context.Context, service, identifier string, success bool) error {
	cfg, ok := l.Config(service)
	if !ok || !shouldAdjust(cfg, success) {
		return nil
	}
	if err := l.store.Release(ctx, service, identifier, clock.Now()); err != nil {
		return types.Err(types.ErrWindowStoreAccess, err, "release %s/%s", service, identifier)
	}
	return nil
}

// Stats counts the live windows of service. A window at or over its max counts as blocked.
func (l *Limiter) Stats(ctx context.Context, service string) (Stats, error) {
	windows, err := l.store.List(ctx, service)
	if err != nil {
		return Stats{}, types.Err(types.ErrWindowStoreAccess, err, "list %s", service)
	}
	cfg, configured := l.Config(service)
	now := clock.Now()
	var st Stats
	for _, w := range windows {
		if w.Expired(now) {
			continue
		}
		st.ActiveWindows++
		st.TotalRequests += w.Count
		if configured && w.Count >= cfg.MaxRequests {
			st.BlockedIdentifiers++
		}
	}
	return st, nil
}

// Services returns the names of the configured services.
func (l *Limiter) Services() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.configs))
	for s := range l.configs {
		out = append(out, s)
	}
	return out
}

func (l *Limiter) Reset(ctx context.Context, service, identifier string) error {
	return l.store.Delete(ctx, service, identifier)
}

func (l *Limiter) ResetAll(ctx context.Context) error {
	return l.store.ClearAll(ctx)
}

// Sweep drops expired windows. Check never depends on it.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	return l.store.DeleteExpired(ctx, clock.Now())
}

// Start runs Sweep on the configured interval until Stop is called.
func (l *Limiter) Start() {
	l.loop.Lock()
	defer l.loop.Unlock()
	if l.done != nil {
		return
	}
	l.done = make(chan struct{})
	ticker := clock.NewTicker(l.interval)
	l.wg.Add(1)
	go func(done chan struct{}) {
		defer l.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				n, err := l.Sweep(context.Background())
				if err != nil {
					log.WithError(err).Warn("rate limit sweep failed")
					continue
				}
				if n > 0 {
					log.WithField("removed", n).Debug("rate limit sweep")
				}
			case <-done:
				return
			}
		}
	}(l.done)
}

func (l *Limiter) Stop() {
	l.loop.Lock()
	defer l.loop.Unlock()
	if l.done == nil {
		return
	}
	close(l.done)
	l.wg.Wait()
	l.done = nil
}

// Describe and Collect expose the decision counters.
func (l *Limiter) Describe(ch chan<- *prometheus.Desc) { decisionMetric.Describe(ch) }

func (l *Limiter) Collect(ch chan<- prometheus.Metric) { decisionMetric.Collect(ch) }

// WithRateLimit runs call when (service, identifier) is within quota and records its outcome.
// A rejected request returns *types.QuotaExceededError without running call. A window store failure
// is logged and the call is let through.
func WithRateLimit[T any](ctx context.Context, l *Limiter, service, identifier string, call func(context.Context) (T, error)) (T, error) {
	d, err := l.Check(ctx, service, identifier)
	if err != nil {
		log.WithError(err).WithField("service", service).Warn("rate limit check failed, admitting")
		return call(ctx)
	}
	if !d.Allowed {
		var zero T
		return zero, &types.QuotaExceededError{Service: service, Identifier: identifier, RetryAfter: d.RetryAfter}
	}
	res, callErr := call(ctx)
	if err := l.RecordOutcome(ctx, service, identifier, callErr == nil); err != nil {
		log.WithError(err).WithField("service", service).Warn("rate limit outcome not recorded")
	}
	return res, callErr
}
