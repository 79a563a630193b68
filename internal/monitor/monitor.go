package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"astroguard/internal/types"

	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"
	log "github.com/sirupsen/logrus"
)

const (
	HealthWindow        = 5 * time.Minute
	Retention           = time.Hour
	DefaultMetricWindow = time.Hour
	RecentCallsLimit    = 100
	DefaultInterval     = time.Minute

	// downErrorRatePercent is fixed; only the degraded thresholds are configurable.
	downErrorRatePercent = 50
)

type AlertKind string

const (
	AlertErrorRate           AlertKind = "error_rate"
	AlertResponseTime        AlertKind = "response_time"
	AlertServiceDown         AlertKind = "service_down"
	AlertConsecutiveFailures AlertKind = "consecutive_failures"
)

type Alert struct {
	Service string    `json:"service"`
	Kind    AlertKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// AlertHandler receives alerts. Errors and panics are logged and never reach the instrumented call.
type AlertHandler func(Alert) error

// StatusCoder is implemented by errors and results that know the HTTP status of the call.
type StatusCoder interface {
	StatusCode() int
}

// Metrics summarises the calls of one service over a trailing window.
type Metrics struct {
	TotalCalls          int                `json:"total_calls"`
	SuccessfulCalls     int                `json:"successful_calls"`
	FailedCalls         int                `json:"failed_calls"`
	AverageResponseTime time.Duration      `json:"average_response_time"`
	ErrorRatePercent    float64            `json:"error_rate_percent"`
	RecentCalls         []types.CallRecord `json:"recent_calls"`
}

type ServiceSummary struct {
	TotalCalls          int           `json:"total_calls"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	ErrorRatePercent    float64       `json:"error_rate_percent"`
}

type Report struct {
	TotalCalls              int                       `json:"total_calls"`
	AverageResponseTime     time.Duration             `json:"average_response_time"`
	OverallErrorRatePercent float64                   `json:"overall_error_rate_percent"`
	Services                map[string]ServiceSummary `json:"services"`
}

// Monitor records outbound calls, derives per-service health and raises alerts.
type Monitor struct {
	mu          sync.Mutex
	records     []types.CallRecord
	health      map[string]types.ServiceHealth
	consecutive map[string]int
	alerts      types.AlertConfig
	handlers    []AlertHandler

	interval time.Duration
	loop     sync.Mutex
	done     chan struct{}
	wg       sync.WaitGroup
}

// New returns a Monitor with the default alert thresholds. interval paces the background re-check; 0 means one minute.
func New(interval time.Duration) *Monitor {
	setter.SetDefault(&interval, DefaultInterval)
	return &Monitor{
		health:      make(map[string]types.ServiceHealth),
		consecutive: make(map[string]int),
		alerts:      types.DefaultAlertConfig(),
		interval:    interval,
	}
}

// ConfigureAlerts replaces the thresholds as given; defaults are applied when the services file is parsed.
// A zero error rate threshold degrades a service on any failure. A zero consecutive failure threshold
// disables that alert.
func (m *Monitor) ConfigureAlerts(cfg types.AlertConfig) {
	m.mu.Lock()
	m.alerts = cfg
	m.mu.Unlock()
}

func (m *Monitor) AlertConfig() types.AlertConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts
}

func (m *Monitor) AddAlertHandler(h AlertHandler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// RecordAPICall timestamps and stores rec, refreshes the health of rec.Service and evaluates its alerts.
func (m *Monitor) RecordAPICall(rec types.CallRecord) {
	rec.Timestamp = clock.Now()
	observe(rec)

	m.mu.Lock()
	m.records = types.AppendRecord(m.records, rec, types.HardLimitCallRecords, types.TrimmedCallRecords)
	fired := m.consecutiveAlertLocked(rec)
	fired = append(fired, m.refreshLocked(rec.Service, rec.Timestamp)...)
	handlers := m.handlers
	m.mu.Unlock()

	m.dispatch(handlers, fired)
}

func (m *Monitor) consecutiveAlertLocked(rec types.CallRecord) []Alert {
	if rec.Success {
		m.consecutive[rec.Service] = 0
		return nil
	}
	m.consecutive[rec.Service]++
	n := m.consecutive[rec.Service]
	if n != m.alerts.ConsecutiveFailureThreshold {
		return nil
	}
	return []Alert{{
		Service: rec.Service,
		Kind:    AlertConsecutiveFailures,
		Message: fmt.Sprintf("%s failed %d times in a row", rec.Service, n),
		At:      rec.Timestamp,
	}}
}

// refreshLocked recomputes the health of service from the trailing HealthWindow and returns the alerts it triggers.
func (m *Monitor) refreshLocked(service string, now time.Time) []Alert {
	total, failed, sum := 0, 0, time.Duration(0)
	since := now.Add(-HealthWindow)
	for _, r := range m.records {
		if r.Service != service || r.Timestamp.Before(since) {
			continue
		}
		total++
		sum += r.Duration
		if !r.Success {
			failed++
		}
	}
	var errRate float64
	var avg time.Duration
	if total > 0 {
		errRate = float64(failed) / float64(total) * 100
		avg = sum / time.Duration(total)
	}

	prev, known := m.health[service]
	h := types.ServiceHealth{
		Service:             service,
		Status:              classify(errRate, avg, m.alerts),
		AverageResponseTime: avg,
		ErrorRatePercent:    errRate,
		LastChecked:         now,
		Uptime:              prev.Uptime,
	}
	if known && prev.Status != types.Down {
		h.Uptime += now.Sub(prev.LastChecked)
	}
	m.health[service] = h
	healthMetric.WithLabelValues(service).Set(statusValue(h.Status))

	var fired []Alert
	if errRate > m.alerts.ErrorRateThresholdPercent {
		fired = append(fired, Alert{Service: service, Kind: AlertErrorRate, At: now,
			Message: fmt.Sprintf("high error rate for %s: %.1f%%", service, errRate)})
	}
	if avg > m.alerts.ResponseTimeThreshold() {
		fired = append(fired, Alert{Service: service, Kind: AlertResponseTime, At: now,
			Message: fmt.Sprintf("slow responses from %s: %dms average", service, avg.Milliseconds())})
	}
	if h.Status == types.Down && (!known || prev.Status != types.Down) {
		fired = append(fired, Alert{Service: service, Kind: AlertServiceDown, At: now,
			Message: fmt.Sprintf("%s is down", service)})
	}
	return fired
}

// classify applies the health rule; the first match wins.
func classify(errRate float64, avg time.Duration, cfg types.AlertConfig) types.HealthState {
	switch {
	case errRate > downErrorRatePercent:
		return types.Down
	case errRate > cfg.ErrorRateThresholdPercent || avg > cfg.ResponseTimeThreshold():
		return types.Degraded
	default:
		return types.Healthy
	}
}

func (m *Monitor) dispatch(handlers []AlertHandler, alerts []Alert) {
	for _, a := range alerts {
		alertMetric.WithLabelValues(a.Service, string(a.Kind)).Inc()
		log.WithFields(log.Fields{
			"service": a.Service,
			"kind":    a.Kind,
		}).Warn(a.Message)
		for _, h := range handlers {
			invoke(h, a)
		}
	}
}

func invoke(h AlertHandler, a Alert) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("alert handler panicked")
		}
	}()
	if err := h(a); err != nil {
		log.WithError(err).WithField("service", a.Service).Error("alert handler failed")
	}
}

// HealthStatus returns the last derived health of service.
func (m *Monitor) HealthStatus(service string) (types.ServiceHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[service]
	return h, ok
}

// AllHealthStatuses returns every known service health sorted by service name.
func (m *Monitor) AllHealthStatuses() []types.ServiceHealth {
	m.mu.Lock()
	out := make([]types.ServiceHealth, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, h)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// ServiceMetrics summarises the calls of service over the trailing window (0 means one hour).
func (m *Monitor) ServiceMetrics(service string, window time.Duration) Metrics {
	setter.SetDefault(&window, DefaultMetricWindow)
	since := clock.Now().Add(-window)

	m.mu.Lock()
	var calls []types.CallRecord
	for _, r := range m.records {
		if r.Service == service && !r.Timestamp.Before(since) {
			calls = append(calls, r)
		}
	}
	m.mu.Unlock()

	var out Metrics
	var sum time.Duration
	for _, r := range calls {
		out.TotalCalls++
		sum += r.Duration
		if r.Success {
			out.SuccessfulCalls++
		} else {
			out.FailedCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageResponseTime = sum / time.Duration(out.TotalCalls)
		out.ErrorRatePercent = float64(out.FailedCalls) / float64(out.TotalCalls) * 100
	}
	if len(calls) > RecentCallsLimit {
		calls = calls[len(calls)-RecentCallsLimit:]
	}
	out.RecentCalls = calls
	return out
}

// PerformanceReport aggregates the whole call log.
func (m *Monitor) PerformanceReport() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	type acc struct {
		calls, failed int
		sum           time.Duration
	}
	per := make(map[string]*acc)
	var all acc
	for _, r := range m.records {
		a, ok := per[r.Service]
		if !ok {
			a = &acc{}
			per[r.Service] = a
		}
		for _, x := range []*acc{a, &all} {
			x.calls++
			x.sum += r.Duration
			if !r.Success {
				x.failed++
			}
		}
	}
	rep := Report{TotalCalls: all.calls, Services: make(map[string]ServiceSummary, len(per))}
	if all.calls > 0 {
		rep.AverageResponseTime = all.sum / time.Duration(all.calls)
		rep.OverallErrorRatePercent = float64(all.failed) / float64(all.calls) * 100
	}
	for name, a := range per {
		rep.Services[name] = ServiceSummary{
			TotalCalls:          a.calls,
			AverageResponseTime: a.sum / time.Duration(a.calls),
			ErrorRatePercent:    float64(a.failed) / float64(a.calls) * 100,
		}
	}
	return rep
}

// Cleanup drops records older than Retention and returns how many were dropped.
func (m *Monitor) Cleanup() int {
	since := clock.Now().Add(-Retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.records[:0]
	for _, r := range m.records {
		if !r.Timestamp.Before(since) {
			kept = append(kept, r)
		}
	}
	dropped := len(m.records) - len(kept)
	m.records = kept
	return dropped
}

// Recheck refreshes the health of every known service and re-evaluates the windowed alerts.
func (m *Monitor) Recheck() {
	now := clock.Now()
	m.mu.Lock()
	var fired []Alert
	for service := range m.health {
		fired = append(fired, m.refreshLocked(service, now)...)
	}
	handlers := m.handlers
	m.mu.Unlock()
	m.dispatch(handlers, fired)
}

// Start runs Recheck and Cleanup on the configured interval until Stop is called.
func (m *Monitor) Start() {
	m.loop.Lock()
	defer m.loop.Unlock()
	if m.done != nil {
		return
	}
	m.done = make(chan struct{})
	ticker := clock.NewTicker(m.interval)
	m.wg.Add(1)
	go func(done chan struct{}) {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				m.Recheck()
				if n := m.Cleanup(); n > 0 {
					log.WithField("dropped", n).Debug("monitor cleanup")
				}
			case <-done:
				return
			}
		}
	}(m.done)
}

func (m *Monitor) Stop() {
	m.loop.Lock()
	defer m.loop.Unlock()
	if m.done == nil {
		return
	}
	close(m.done)
	m.wg.Wait()
	m.done = nil
}

// WithMonitoring runs call and always records its outcome, even when call panics.
// The status code comes from a StatusCoder error or result when available.
func WithMonitoring[T any](ctx context.Context, m *Monitor, service, endpoint, method, userID string,
	call func(context.Context) (T, error)) (res T, err error) {
	start := clock.Now()
	completed := false
	defer func() {
		rec := types.CallRecord{
			Service:  service,
			Endpoint: endpoint,
			Method:   method,
			Duration: clock.Since(start),
			UserID:   userID,
			Success:  completed && err == nil,
		}
		switch {
		case !completed:
			rec.StatusCode = 500
			rec.Error = "panic"
		case err != nil:
			rec.StatusCode = statusOf(err, 500)
			rec.Error = err.Error()
		default:
			rec.StatusCode = statusOf(res, 200)
		}
		m.RecordAPICall(rec)
	}()
	res, err = call(ctx)
	completed = true
	return res, err
}

func statusOf(v any, def int) int {
	if e, ok := v.(error); ok {
		var sc StatusCoder
		if errors.As(e, &sc) {
			return sc.StatusCode()
		}
		return def
	}
	if sc, ok := v.(StatusCoder); ok {
		return sc.StatusCode()
	}
	return def
}
