package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"astroguard/internal/clients"
	"astroguard/internal/config"
	"astroguard/internal/types"

	"github.com/goccy/go-json"
	"github.com/mailgun/holster/v4/clock"
	"github.com/stretchr/testify/suite"
)

const adminToken = "admin-secret"

type TestPublish struct {
	fail atomic.Bool
	sent atomic.Int32
}

func (p *TestPublish) PublishRaw(context.Context, string, []byte) error { return nil }

func (p *TestPublish) PublishSMS(_ context.Context, phone, _ string) (string, error) {
	if p.fail.Load() {
		return "", errors.New("sns down")
	}
	p.sent.Add(1)
	return "msg-" + phone, nil
}

type HandlerTestSuite struct {
	suite.Suite

	unfreeze  clock.Unfreezer
	upstream  *httptest.Server
	server    *httptest.Server
	publisher *TestPublish
	app       *App
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func (s *HandlerTestSuite) SetupTest() {
	s.unfreeze = clock.Freeze(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC))
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"tok"}`))
	})
	mux.HandleFunc("GET /v2/astrology/planet-position", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"planet_position":[
			{"name":"Sun","rasi":{"name":"Leo"}},
			{"name":"Moon","rasi":{"name":"Aries"}},
			{"name":"Ascendant","rasi":{"name":"Virgo"}}]}}`))
	})
	mux.HandleFunc("POST /chat/completions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Be kind to yourself."}}]}`))
	})
	s.upstream = httptest.NewServer(mux)
	s.publisher = &TestPublish{}
	s.build(adminToken)
}

func (s *HandlerTestSuite) build(token string) {
	if s.server != nil {
		s.server.Close()
	}
	f := types.ServicesFile{
		Alerts: types.DefaultAlertConfig(),
		Services: []types.ServiceConfig{
			{Name: clients.ProkeralaService, BaseURL: s.upstream.URL, CacheTTLSeconds: 86400, ResultExpr: "data",
				RateLimit: types.RateLimitConfig{MaxRequests: 5, WindowMs: 60_000}},
			{Name: clients.ProkeralaTokenService, BaseURL: s.upstream.URL, CacheTTLSeconds: 3300,
				RateLimit: types.RateLimitConfig{MaxRequests: 5, WindowMs: 60_000}},
			{Name: clients.OpenAIService, BaseURL: s.upstream.URL, CacheTTLSeconds: 86400,
				RateLimit: types.RateLimitConfig{MaxRequests: 5, WindowMs: 3_600_000}},
			{Name: clients.SMSService, RateLimit: types.RateLimitConfig{MaxRequests: 1, WindowMs: 86_400_000},
				Breaker: types.BreakerConfig{Enabled: true, FailureThreshold: 1}},
		},
	}
	settings := config.Settings{AdminToken: token, OpenAIModel: "test-model"}
	app, err := Assemble(settings, f, s.publisher, nil, nil, s.upstream.Client())
	s.Require().NoError(err)
	s.app = app
	s.server = httptest.NewServer(NewHandler(app).Router())
}

func (s *HandlerTestSuite) TearDownTest() {
	s.server.Close()
	s.server = nil
	s.upstream.Close()
	s.unfreeze.Unfreeze()
}

func (s *HandlerTestSuite) do(method, path, user, token string, body any) (*http.Response, []byte) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		s.Require().NoError(err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.server.URL+path, rd)
	s.Require().NoError(err)
	if user != "" {
		req.Header.Set(types.UserIDHdrName, user)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer func() {
		_ = resp.Body.Close()
	}()
	out, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp, out
}

func birth() map[string]any {
	return map[string]any{"datetime": "1990-08-05T14:30:00Z", "latitude": 51.5, "longitude": -0.12}
}

func (s *HandlerTestSuite) TestHealthCheck() {
	resp, _ := s.do(http.MethodGet, "/health", "", "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *HandlerTestSuite) TestChart() {
	resp, body := s.do(http.MethodPost, "/v1/chart", "u1", "", birth())
	s.Require().Equal(http.StatusOK, resp.StatusCode, string(body))
	var out chartResponse
	s.NoError(json.Unmarshal(body, &out))
	s.Equal(clients.Chart{Sun: "Leo", Moon: "Aries", Ascendant: "Virgo"}, out.Chart)
}

func (s *HandlerTestSuite) TestChartRejectsBadRequests() {
	resp, _ := s.do(http.MethodPost, "/v1/chart", "", "", birth())
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/v1/chart", "u1", "", nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	bad := birth()
	bad["latitude"] = 120
	resp, _ = s.do(http.MethodPost, "/v1/chart", "u1", "", bad)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(http.MethodGet, "/v1/chart", "u1", "", nil)
	s.Equal(http.StatusMethodNotAllowed, resp.StatusCode)
}

func (s *HandlerTestSuite) TestGuidance() {
	resp, body := s.do(http.MethodPost, "/v1/guidance", "u1", "", birth())
	s.Require().Equal(http.StatusOK, resp.StatusCode, string(body))
	var out guidanceResponse
	s.NoError(json.Unmarshal(body, &out))
	s.Equal("Leo", out.Chart.Sun)
	s.Equal(clients.Guidance{Text: "Be kind to yourself.", Date: "2026-10-17"}, out.Guidance)
}

func (s *HandlerTestSuite) TestSMSQuotaReturns429() {
	msg := map[string]any{"phone": "+447700900123", "message": "hello"}
	resp, body := s.do(http.MethodPost, "/v1/sms", "u1", "", msg)
	s.Require().Equal(http.StatusAccepted, resp.StatusCode, string(body))
	s.Contains(string(body), "msg-+447700900123")

	resp, body = s.do(http.MethodPost, "/v1/sms", "u1", "", msg)
	s.Equal(http.StatusTooManyRequests, resp.StatusCode)
	s.Equal("86400", resp.Header.Get("Retry-After"))
	s.Contains(string(body), `"service":"sms"`)
	s.EqualValues(1, s.publisher.sent.Load())

	resp, _ = s.do(http.MethodPost, "/v1/sms", "u1", "", map[string]any{"phone": "123", "message": "hello"})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
}

func (s *HandlerTestSuite) TestOpenBreakerReturns503() {
	s.publisher.fail.Store(true)
	msg := map[string]any{"phone": "+447700900123", "message": "hello"}
	resp, _ := s.do(http.MethodPost, "/v1/sms", "u1", "", msg)
	s.Equal(http.StatusInternalServerError, resp.StatusCode)

	resp, _ = s.do(http.MethodPost, "/v1/sms", "u2", "", msg)
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func (s *HandlerTestSuite) TestAdminAuth() {
	resp, _ := s.do(http.MethodGet, "/admin/health", "", "", nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	resp, _ = s.do(http.MethodGet, "/admin/health", "", "wrong", nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)

	s.build("")
	resp, _ = s.do(http.MethodGet, "/admin/health", "", adminToken, nil)
	s.Equal(http.StatusForbidden, resp.StatusCode)
}

func (s *HandlerTestSuite) TestAdminViews() {
	resp, _ := s.do(http.MethodPost, "/v1/chart", "u1", "", birth())
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, body := s.do(http.MethodGet, "/admin/health", "", adminToken, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), `"service":"prokerala"`)
	s.Contains(string(body), `"status":"healthy"`)

	resp, body = s.do(http.MethodGet, "/admin/report", "", adminToken, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	var report map[string]any
	s.NoError(json.Unmarshal(body, &report))
	s.EqualValues(2, report["total_calls"])

	resp, body = s.do(http.MethodGet, "/admin/metrics/prokerala?window=15m", "", adminToken, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), `"total_calls":1`)
	resp, _ = s.do(http.MethodGet, "/admin/metrics/prokerala?window=soon", "", adminToken, nil)
	s.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, body = s.do(http.MethodGet, "/admin/cache", "", adminToken, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), `"size":2`)

	resp, body = s.do(http.MethodGet, "/admin/ratelimit/prokerala", "", adminToken, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), `"active_windows":1`)

	resp, _ = s.do(http.MethodGet, "/admin/ratelimit/nope", "", adminToken, nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *HandlerTestSuite) TestAdminReset() {
	resp, _ := s.do(http.MethodPost, "/v1/chart", "u1", "", birth())
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Equal(2, s.app.Guard.Cache.Size())

	resp, _ = s.do(http.MethodPost, "/admin/reset", "", adminToken, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Zero(s.app.Guard.Cache.Size())
	st, err := s.app.Guard.Limiter.Stats(context.Background(), clients.ProkeralaService)
	s.NoError(err)
	s.Zero(st.ActiveWindows)
}

func (s *HandlerTestSuite) TestAdminInvalidatesOneKey() {
	resp, _ := s.do(http.MethodPost, "/v1/chart", "u1", "", birth())
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	s.Require().True(s.app.Guard.Cache.Has("prokerala:token"))

	resp, _ = s.do(http.MethodDelete, "/admin/cache/prokerala:token", "", "", nil)
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	s.True(s.app.Guard.Cache.Has("prokerala:token"))

	resp, body := s.do(http.MethodDelete, "/admin/cache/prokerala:token", "", adminToken, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), `"status":"invalidated"`)
	s.False(s.app.Guard.Cache.Has("prokerala:token"))
	s.Equal(1, s.app.Guard.Cache.Size())

	// unknown keys are a no-op
	resp, _ = s.do(http.MethodDelete, "/admin/cache/nope", "", adminToken, nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(1, s.app.Guard.Cache.Size())
}

func (s *HandlerTestSuite) TestMetrics() {
	resp, _ := s.do(http.MethodPost, "/v1/chart", "u1", "", birth())
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	resp, body := s.do(http.MethodGet, "/metrics", "", "", nil)
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(body), "astroguard_outbound_call_count")
	s.Contains(string(body), "astroguard_cache_size")
	s.Contains(string(body), "astroguard_ratelimit_decision_count")
}
