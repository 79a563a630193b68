package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"astroguard/internal/clients"
	"astroguard/internal/types"

	"github.com/goccy/go-json"
	"github.com/mailgun/holster/v4/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	App *App
}

func NewHandler(app *App) *Handler {
	return &Handler{App: app}
}

type chartResponse struct {
	Chart clients.Chart `json:"chart"`
}

type guidanceResponse struct {
	Chart    clients.Chart    `json:"chart"`
	Guidance clients.Guidance `json:"guidance"`
}

type smsRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		_ = writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.App.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("POST /v1/chart", h.handleChart)
	mux.HandleFunc("POST /v1/guidance", h.handleGuidance)
	mux.HandleFunc("POST /v1/sms", h.handleSMS)

	mux.HandleFunc("GET /admin/health", h.admin(h.handleAdminHealth))
	mux.HandleFunc("GET /admin/report", h.admin(h.handleAdminReport))
	mux.HandleFunc("GET /admin/metrics/{service}", h.admin(h.handleAdminServiceMetrics))
	mux.HandleFunc("GET /admin/cache", h.admin(h.handleAdminCache))
	mux.HandleFunc("DELETE /admin/cache/{key...}", h.admin(h.handleAdminInvalidate))
	mux.HandleFunc("GET /admin/ratelimit/{service}", h.admin(h.handleAdminRateLimit))
	mux.HandleFunc("POST /admin/reset", h.admin(h.handleAdminReset))
	return logRequests(mux)
}

func (h *Handler) handleChart(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var d clients.BirthDetails
	if !readJSON(w, r, &d) {
		return
	}
	chart, err := h.App.Astrology.NatalChart(r.Context(), userID, d)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, chartResponse{Chart: chart})
}

func (h *Handler) handleGuidance(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var d clients.BirthDetails
	if !readJSON(w, r, &d) {
		return
	}
	ctx := r.Context()
	chart, err := h.App.Astrology.NatalChart(ctx, userID, d)
	if err != nil {
		writeError(w, err)
		return
	}
	g, err := h.App.Guidance.Daily(ctx, userID, chart)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, guidanceResponse{Chart: chart, Guidance: g})
}

func (h *Handler) handleSMS(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req smsRequest
	if !readJSON(w, r, &req) {
		return
	}
	id, err := h.App.SMS.Send(r.Context(), userID, req.Phone, req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusAccepted, map[string]any{"message_id": id})
}

// admin guards a handler with the bearer admin token. Without a configured token the admin routes are disabled.
func (h *Handler) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		want := h.App.adminToken
		if want == "" {
			http.Error(w, "admin routes disabled", http.StatusForbidden)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, map[string]any{"services": h.App.Guard.Monitor.AllHealthStatuses()})
}

func (h *Handler) handleAdminReport(w http.ResponseWriter, r *http.Request) {
	_ = writeJSON(w, http.StatusOK, h.App.Guard.Monitor.PerformanceReport())
}

// handleAdminServiceMetrics accepts an optional window query parameter in time.ParseDuration format.
func (h *Handler) handleAdminServiceMetrics(w http.ResponseWriter, r *http.Request) {
	var window time.Duration
	if q := r.URL.Query().Get("window"); q != "" {
		var err error
		if window, err = time.ParseDuration(q); err != nil || window < 0 {
			http.Error(w, "invalid window", http.StatusBadRequest)
			return
		}
	}
	_ = writeJSON(w, http.StatusOK, h.App.Guard.Monitor.ServiceMetrics(r.PathValue("service"), window))
}

func (h *Handler) handleAdminCache(w http.ResponseWriter, r *http.Request) {
	c := h.App.Guard.Cache
	_ = writeJSON(w, http.StatusOK, map[string]any{"store": c.Name(), "stats": c.Stats()})
}

// handleAdminInvalidate drops one key from the local store and the shared tier. The key is path-escaped.
func (h *Handler) handleAdminInvalidate(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := h.App.Guard.Cache.Invalidate(r.Context(), key); err != nil {
		writeError(w, err)
		return
	}
	log.WithFields(log.Fields{"ip": clientIP(r), "key": key}).Info("cache key invalidated")
	_ = writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "key": key})
}

func (h *Handler) handleAdminRateLimit(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	cfg, ok := h.App.Guard.Service(service)
	if !ok {
		writeError(w, types.Err(types.ErrUnknownService, nil, "%s", service))
		return
	}
	st, err := h.App.Guard.Limiter.Stats(r.Context(), service)
	if err != nil {
		writeError(w, err)
		return
	}
	_ = writeJSON(w, http.StatusOK, map[string]any{
		"service":    service,
		"rate_limit": cfg.RateLimit,
		"stats":      st,
		"breaker":    h.App.Guard.BreakerState(service),
	})
}

func (h *Handler) handleAdminReset(w http.ResponseWriter, r *http.Request) {
	if err := h.App.Guard.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	log.WithField("ip", clientIP(r)).Warn("cache and rate limit windows reset")
	_ = writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(types.UserIDHdrName))
	if userID == "" {
		http.Error(w, "missing "+types.UserIDHdrName+" header", http.StatusBadRequest)
		return "", false
	}
	return userID, true
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return false
	}
	defer func() {
		_ = r.Body.Close()
	}()
	if len(body) == 0 {
		http.Error(w, "empty body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps the error taxonomy to HTTP statuses. Quota rejections carry Retry-After.
func writeError(w http.ResponseWriter, err error) {
	var qe *types.QuotaExceededError
	switch {
	case errors.As(err, &qe):
		w.Header().Set("Retry-After", strconv.Itoa(qe.RetryAfterSeconds()))
		_ = writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limit exceeded",
			"service":     qe.Service,
			"retry_after": qe.RetryAfterSeconds(),
		})
	case errors.Is(err, types.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, types.ErrUnknownService):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, types.ErrCircuitOpen), errors.Is(err, types.ErrTooManyProbes):
		http.Error(w, "service temporarily unavailable", http.StatusServiceUnavailable)
	case errors.Is(err, types.ErrUpstream):
		http.Error(w, "upstream failure", http.StatusBadGateway)
	default:
		log.WithError(err).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"ip":       clientIP(r),
			"duration": clock.Since(start),
		}).Debug("request")
	})
}

// clientIP extracts the real client IP from X-Forwarded-For or RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// If SplitHostPort fails, return the RemoteAddr as-is
		return r.RemoteAddr
	}
	return host
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}
