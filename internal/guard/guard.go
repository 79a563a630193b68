package guard

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"astroguard/internal/cache"
	"astroguard/internal/monitor"
	"astroguard/internal/ratelimit"
	"astroguard/internal/types"

	"github.com/mailgun/holster/v4/setter"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

const (
	// Anonymous is the rate limit identifier of requests without a user.
	Anonymous = "anonymous"

	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 30 * time.Second
)

var breakerMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "astroguard_breaker_state",
	Help: "Circuit breaker state.  0 = closed, 1 = half-open, 2 = open.",
}, []string{"service"})

var rejectionMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "astroguard_guard_rejection_count",
	Help: "Calls refused by the rate limiter before reaching the upstream.",
}, []string{"service"})

// Request describes one outbound call.
type Request struct {
	Service  string
	Endpoint string
	Method   string
	UserID   string
	// Identifier is the rate limit key. Empty falls back to UserID, then to Anonymous.
	Identifier string
	// CacheKey enables caching of successful results. Empty skips the cache.
	CacheKey string
	// CacheTTL overrides the cache TTL of the service.
	CacheTTL time.Duration
}

func (r Request) identifier() string {
	switch {
	case r.Identifier != "":
		return r.Identifier
	case r.UserID != "":
		return r.UserID
	default:
		return Anonymous
	}
}

// Guard composes the cache, the rate limiter, per-service circuit breakers and the monitor
// around outbound calls.
type Guard struct {
	Cache   *cache.Store
	Limiter *ratelimit.Limiter
	Monitor *monitor.Monitor

	mu       sync.RWMutex
	services map[string]types.ServiceConfig
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// New returns a Guard over the given components. Nil components are replaced by defaults.
func New(c *cache.Store, l *ratelimit.Limiter, m *monitor.Monitor) *Guard {
	if c == nil {
		c = cache.NewAPIStore(cache.Options{})
	}
	if l == nil {
		l = ratelimit.New(nil, 0)
	}
	if m == nil {
		m = monitor.New(0)
	}
	return &Guard{
		Cache:    c,
		Limiter:  l,
		Monitor:  m,
		services: make(map[string]types.ServiceConfig),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

// Register validates cfg, configures its quota and (re)creates its breaker.
func (g *Guard) Register(cfg types.ServiceConfig) error {
	if err := cfg.Validate(); err != nil {
		return types.Err(types.ErrInvalidConfig, err, "")
	}
	g.Limiter.Configure(cfg.Name, cfg.RateLimit)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.services[cfg.Name] = cfg
	if cb := newBreaker(cfg); cb != nil {
		g.breakers[cfg.Name] = cb
		breakerMetric.WithLabelValues(cfg.Name).Set(0)
	} else {
		delete(g.breakers, cfg.Name)
	}
	log.WithFields(log.Fields{
		"service":     cfg.Name,
		"maxRequests": cfg.RateLimit.MaxRequests,
		"windowMs":    cfg.RateLimit.WindowMs,
		"breaker":     cfg.Breaker.Enabled,
	}).Info("service registered")
	return nil
}

func newBreaker(cfg types.ServiceConfig) *gobreaker.CircuitBreaker[any] {
	if !cfg.Breaker.Enabled {
		return nil
	}
	threshold := cfg.Breaker.FailureThreshold
	setter.SetDefault(&threshold, uint(DefaultFailureThreshold))
	timeout := time.Duration(cfg.Breaker.OpenTimeoutMs) * time.Millisecond
	setter.SetDefault(&timeout, DefaultOpenTimeout)

	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.Breaker.MaxRequests),
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerMetric.WithLabelValues(name).Set(float64(to))
			log.WithFields(log.Fields{
				"service": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
}

// Service returns the registered config of name.
func (g *Guard) Service(name string) (types.ServiceConfig, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	cfg, ok := g.services[name]
	return cfg, ok
}

// Services returns the registered service names, sorted.
func (g *Guard) Services() []string {
	g.mu.RLock()
	out := make([]string, 0, len(g.services))
	for name := range g.services {
		out = append(out, name)
	}
	g.mu.RUnlock()
	sort.Strings(out)
	return out
}

// BreakerState reports "closed", "half-open" or "open", or "" when service has no breaker.
func (g *Guard) BreakerState(service string) string {
	cb := g.breaker(service)
	if cb == nil {
		return ""
	}
	return cb.State().String()
}

func (g *Guard) breaker(service string) *gobreaker.CircuitBreaker[any] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.breakers[service]
}

// Start runs the background loops of every component.
func (g *Guard) Start() {
	g.Cache.Start()
	g.Limiter.Start()
	g.Monitor.Start()
}

func (g *Guard) Stop() {
	g.Monitor.Stop()
	g.Limiter.Stop()
	g.Cache.Stop()
}

// Reset clears the cache and every rate limit window.
func (g *Guard) Reset(ctx context.Context) error {
	g.Cache.Clear()
	return g.Limiter.ResetAll(ctx)
}

func (g *Guard) Describe(ch chan<- *prometheus.Desc) {
	breakerMetric.Describe(ch)
	rejectionMetric.Describe(ch)
}

func (g *Guard) Collect(ch chan<- prometheus.Metric) {
	breakerMetric.Collect(ch)
	rejectionMetric.Collect(ch)
}

// Call runs call behind the cache, the rate limiter, the service breaker and the monitor, in that order.
// A cache hit returns without touching the other layers. Only successful results are cached.
func Call[T any](ctx context.Context, g *Guard, req Request, call func(context.Context) (T, error)) (T, error) {
	cfg, _ := g.Service(req.Service)
	inner := func(ctx context.Context) (T, error) {
		return limited(ctx, g, cfg, req, call)
	}
	if req.CacheKey == "" {
		return inner(ctx)
	}
	ttl := req.CacheTTL
	if ttl <= 0 {
		ttl = cfg.CacheTTL()
	}
	if ttl <= 0 {
		return inner(ctx)
	}
	return cache.GetOrSet(ctx, g.Cache, req.CacheKey, ttl, inner)
}

func limited[T any](ctx context.Context, g *Guard, cfg types.ServiceConfig, req Request, call func(context.Context) (T, error)) (T, error) {
	id := req.identifier()
	d, err := g.Limiter.Check(ctx, req.Service, id)
	if err != nil {
		log.WithError(err).WithField("service", req.Service).Warn("rate limit check failed, admitting")
		return protected(ctx, g, cfg, req, call)
	}
	if !d.Allowed {
		// never reached the upstream, so it stays out of the monitor's health figures
		rejectionMetric.WithLabelValues(req.Service).Inc()
		log.WithFields(log.Fields{
			"service":    req.Service,
			"identifier": id,
			"retryAfter": d.RetryAfter,
		}).Info("call rejected by rate limit")
		var zero T
		qe := &types.QuotaExceededError{Service: req.Service, Identifier: id, RetryAfter: d.RetryAfter}
		return zero, qe
	}
	res, callErr := protected(ctx, g, cfg, req, call)
	if err := g.Limiter.RecordOutcome(ctx, req.Service, id, callErr == nil); err != nil {
		log.WithError(err).WithField("service", req.Service).Warn("rate limit outcome not recorded")
	}
	return res, callErr
}

func protected[T any](ctx context.Context, g *Guard, cfg types.ServiceConfig, req Request, call func(context.Context) (T, error)) (T, error) {
	run := func() (T, error) {
		if t := cfg.Timeout(); t > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		return monitor.WithMonitoring(ctx, g.Monitor, req.Service, req.Endpoint, req.Method, req.UserID, call)
	}
	cb := g.breaker(req.Service)
	if cb == nil {
		return run()
	}
	v, err := cb.Execute(func() (any, error) { return run() })
	t, _ := v.(T)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return t, types.Err(types.ErrCircuitOpen, nil, "service %s", req.Service)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return t, types.Err(types.ErrTooManyProbes, nil, "service %s", req.Service)
	}
	return t, err
}
