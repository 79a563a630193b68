package types

import (
	"fmt"
	"time"
)

// RateLimitConfig is the fixed-window quota policy of one external service.
// MaxRequests admitted requests are allowed per WindowMs milliseconds for each identifier.
// SkipSuccessfulRequests and SkipFailedRequests give back the slot of a request once its outcome is known,
// so only the other kind of outcome counts against the budget.
type RateLimitConfig struct {
	MaxRequests            int   `json:"max_requests" yaml:"max_requests"`
	WindowMs               int64 `json:"window_ms" yaml:"window_ms"`
	SkipSuccessfulRequests bool  `json:"skip_successful_requests" yaml:"skip_successful_requests"`
	SkipFailedRequests     bool  `json:"skip_failed_requests" yaml:"skip_failed_requests"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

func (c RateLimitConfig) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive")
	}
	if c.WindowMs <= 0 {
		return fmt.Errorf("window_ms must be positive")
	}
	if c.SkipSuccessfulRequests && c.SkipFailedRequests {
		return fmt.Errorf("skip_successful_requests and skip_failed_requests are mutually exclusive")
	}
	return nil
}

// AlertConfig holds the thresholds the monitor alerts on.
type AlertConfig struct {
	ErrorRateThresholdPercent   float64 `json:"error_rate_threshold_percent" yaml:"error_rate_threshold_percent"`
	ResponseTimeThresholdMs     int64   `json:"response_time_threshold_ms" yaml:"response_time_threshold_ms"`
	ConsecutiveFailureThreshold int     `json:"consecutive_failure_threshold" yaml:"consecutive_failure_threshold"`
}

const (
	DefaultErrorRateThresholdPercent   = 10
	DefaultResponseTimeThresholdMs     = 5000
	DefaultConsecutiveFailureThreshold = 3
)

func DefaultAlertConfig() AlertConfig {
	return AlertConfig{
		ErrorRateThresholdPercent:   DefaultErrorRateThresholdPercent,
		ResponseTimeThresholdMs:     DefaultResponseTimeThresholdMs,
		ConsecutiveFailureThreshold: DefaultConsecutiveFailureThreshold,
	}
}

func (c AlertConfig) ResponseTimeThreshold() time.Duration {
	return time.Duration(c.ResponseTimeThresholdMs) * time.Millisecond
}

// BreakerConfig trips a per-service circuit breaker after FailureThreshold consecutive failures.
type BreakerConfig struct {
	Enabled          bool  `json:"enabled" yaml:"enabled"`
	FailureThreshold uint  `json:"failure_threshold" yaml:"failure_threshold"`
	MaxRequests      uint  `json:"max_requests" yaml:"max_requests"`
	OpenTimeoutMs    int64 `json:"open_timeout_ms" yaml:"open_timeout_ms"`
}

// ServiceConfig describes one external dependency consumed through the guard.
// Name is the service key used by the cache, the limiter and the monitor.
// CacheTTLSeconds is the TTL of successful responses; 0 disables caching for the service.
// ResultExpr is a JMESPath expression selecting the useful part of the upstream JSON response.
type ServiceConfig struct {
	Name            string          `json:"name" yaml:"name"`
	BaseURL         string          `json:"base_url" yaml:"base_url"`
	TimeoutMs       int64           `json:"timeout_ms" yaml:"timeout_ms"`
	CacheTTLSeconds int             `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	ResultExpr      string          `json:"result_expr" yaml:"result_expr"`
	RateLimit       RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Breaker         BreakerConfig   `json:"breaker" yaml:"breaker"`
}

const (
	ServiceNameMinLength = 2
	UserIDHdrName        = "x-user-id"
)

func (c ServiceConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c ServiceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ServiceConfig) Validate() error {
	if len(c.Name) < ServiceNameMinLength {
		return fmt.Errorf("name must be at least %d characters", ServiceNameMinLength)
	}
	if c.CacheTTLSeconds < 0 {
		return fmt.Errorf("%s: cache_ttl_seconds must be non-negative. 0 for no caching", c.Name)
	}
	if c.TimeoutMs < 0 {
		return fmt.Errorf("%s: timeout_ms must be non-negative", c.Name)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("%s: rate_limit: %w", c.Name, err)
	}
	return nil
}

// ServicesFile is the YAML document listing the external services and the alerting thresholds.
type ServicesFile struct {
	Alerts   AlertConfig     `json:"alerts" yaml:"alerts"`
	Services []ServiceConfig `json:"services" yaml:"services"`
}

func (f ServicesFile) Validate() error {
	seen := make(map[string]struct{}, len(f.Services))
	for _, s := range f.Services {
		if err := s.Validate(); err != nil {
			return Err(ErrInvalidConfig, err, "")
		}
		if _, ok := seen[s.Name]; ok {
			return Err(ErrInvalidConfig, nil, "duplicate service %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	if f.Alerts.ErrorRateThresholdPercent < 0 || f.Alerts.ErrorRateThresholdPercent > 100 {
		return Err(ErrInvalidConfig, nil, "alerts.error_rate_threshold_percent must be within [0, 100]")
	}
	if f.Alerts.ResponseTimeThresholdMs < 0 || f.Alerts.ConsecutiveFailureThreshold < 0 {
		return Err(ErrInvalidConfig, nil, "alert thresholds must not be negative")
	}
	return nil
}

// Service returns the configuration of the named service.
func (f ServicesFile) Service(name string) (ServiceConfig, bool) {
	for _, s := range f.Services {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceConfig{}, false
}
