package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"astroguard/internal/cache"
	"astroguard/internal/guard"
	"astroguard/internal/types"

	log "github.com/sirupsen/logrus"
)

const (
	ProkeralaService      = "prokerala"
	ProkeralaTokenService = "prokerala-token"

	DefaultProkeralaURL = "https://api.prokerala.com"
	DefaultChartTTL     = 24 * time.Hour
	DefaultTokenTTL     = 55 * time.Minute

	// tokenIdentifier shares one token quota between all users.
	tokenIdentifier = "shared"
	tokenCacheKey   = "prokerala:token"

	positionsPath    = "/v2/astrology/planet-position"
	tokenPath        = "/token"
	defaultDataExpr  = "data"
	defaultTokenExpr = "access_token"
)

// BirthDetails are the inputs of a natal chart.
type BirthDetails struct {
	Datetime  time.Time `json:"datetime"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

func (d BirthDetails) Validate() error {
	if d.Datetime.IsZero() {
		return types.Err(types.ErrInvalidInput, nil, "datetime is required")
	}
	if d.Latitude < -90 || d.Latitude > 90 {
		return types.Err(types.ErrInvalidInput, nil, "latitude %v out of range", d.Latitude)
	}
	if d.Longitude < -180 || d.Longitude > 180 {
		return types.Err(types.ErrInvalidInput, nil, "longitude %v out of range", d.Longitude)
	}
	return nil
}

// Chart is the subset of a natal chart the app displays.
// Fallback is set when the chart was derived locally because the provider was unavailable.
type Chart struct {
	Sun       string `json:"sun"`
	Moon      string `json:"moon"`
	Ascendant string `json:"ascendant"`
	Fallback  bool   `json:"fallback"`
}

// AstrologyClient fetches natal charts from Prokerala through the guard.
type AstrologyClient struct {
	g            *guard.Guard
	http         HTTPDoer
	clientID     string
	clientSecret string
}

func NewAstrologyClient(g *guard.Guard, doer HTTPDoer, clientID, clientSecret string) *AstrologyClient {
	return &AstrologyClient{g: g, http: doer, clientID: clientID, clientSecret: clientSecret}
}

func (c *AstrologyClient) baseURL(service string) string {
	cfg, _ := c.g.Service(service)
	if cfg.BaseURL == "" {
		return DefaultProkeralaURL
	}
	return strings.TrimRight(cfg.BaseURL, "/")
}

// token returns the OAuth2 client-credentials access token, cached and rate limited under one shared identifier.
func (c *AstrologyClient) token(ctx context.Context) (string, error) {
	cfg, _ := c.g.Service(ProkeralaTokenService)
	ttl := DefaultTokenTTL
	if cfg.CacheTTLSeconds > 0 {
		ttl = cfg.CacheTTL()
	}
	expr := cfg.ResultExpr
	if expr == "" {
		expr = defaultTokenExpr
	}
	req := guard.Request{
		Service:    ProkeralaTokenService,
		Endpoint:   tokenPath,
		Method:     http.MethodPost,
		Identifier: tokenIdentifier,
		CacheKey:   tokenCacheKey,
		CacheTTL:   ttl,
	}
	return guard.Call(ctx, c.g, req, func(ctx context.Context) (string, error) {
		form := url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {c.clientID},
			"client_secret": {c.clientSecret},
		}
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(ProkeralaTokenService)+tokenPath,
			strings.NewReader(form.Encode()))
		if err != nil {
			return "", err
		}
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.Header.Set("Accept", "application/json")
		doc, err := doJSON(c.http, ProkeralaTokenService, r)
		if err != nil {
			return "", err
		}
		tok, err := EvalString(expr, doc)
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", types.Err(types.ErrUpstream, nil, "%s: no access_token in response", ProkeralaTokenService)
		}
		return tok, nil
	})
}

// NatalChart returns the chart for d. Provider failures and quota rejections fall back to a locally derived chart.
func (c *AstrologyClient) NatalChart(ctx context.Context, userID string, d BirthDetails) (Chart, error) {
	if err := d.Validate(); err != nil {
		return Chart{}, err
	}
	ttl := DefaultChartTTL
	cfg, _ := c.g.Service(ProkeralaService)
	if cfg.CacheTTLSeconds > 0 {
		ttl = cfg.CacheTTL()
	}
	key := cache.BuildKey("natal", map[string]any{
		"datetime": d.Datetime.UTC().Format(time.RFC3339),
		"lat":      d.Latitude,
		"lon":      d.Longitude,
	})
	req := guard.Request{
		Service:  ProkeralaService,
		Endpoint: positionsPath,
		Method:   http.MethodGet,
		UserID:   userID,
		CacheKey: key,
		CacheTTL: ttl,
	}
	chart, err := guard.Call(ctx, c.g, req, func(ctx context.Context) (Chart, error) {
		return c.fetchChart(ctx, cfg.ResultExpr, d)
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"service": ProkeralaService,
			"userID":  userID,
		}).Warn("natal chart unavailable, using fallback")
		return FallbackChart(d), nil
	}
	return chart, nil
}

func (c *AstrologyClient) fetchChart(ctx context.Context, resultExpr string, d BirthDetails) (Chart, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return Chart{}, fmt.Errorf("token: %w", err)
	}
	q := url.Values{
		"ayanamsa":    {"1"},
		"coordinates": {fmt.Sprintf("%.6f,%.6f", d.Latitude, d.Longitude)},
		"datetime":    {d.Datetime.Format(time.RFC3339)},
	}
	r, err := newJSONRequest(ctx, http.MethodGet, c.baseURL(ProkeralaService)+positionsPath+"?"+q.Encode(), nil)
	if err != nil {
		return Chart{}, err
	}
	r.Header.Set("Authorization", "Bearer "+tok)
	doc, err := doJSON(c.http, ProkeralaService, r)
	if err != nil {
		return Chart{}, err
	}
	if resultExpr == "" {
		resultExpr = defaultDataExpr
	}
	data, err := EvalAny(resultExpr, doc)
	if err != nil {
		return Chart{}, err
	}
	var chart Chart
	for _, p := range []struct {
		name string
		dst  *string
	}{
		{"Sun", &chart.Sun},
		{"Moon", &chart.Moon},
		{"Ascendant", &chart.Ascendant},
	} {
		*p.dst, err = EvalString(fmt.Sprintf("planet_position[?name=='%s'] | [0].rasi.name", p.name), data)
		if err != nil {
			return Chart{}, err
		}
	}
	if chart.Sun == "" {
		return Chart{}, types.Err(types.ErrUpstream, nil, "%s: no planet positions in response", ProkeralaService)
	}
	return chart, nil
}
