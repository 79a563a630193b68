package clients

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"astroguard/internal/cache"
	"astroguard/internal/guard"
	"astroguard/internal/types"

	"github.com/mailgun/holster/v4/clock"
	log "github.com/sirupsen/logrus"
)

const (
	OpenAIService = "openai"

	DefaultOpenAIURL     = "https://api.openai.com/v1"
	DefaultGuidanceTTL   = 24 * time.Hour
	completionsPath      = "/chat/completions"
	defaultContentExpr   = "choices[0].message.content"
	guidanceMaxTokens    = 160
	guidanceSystemPrompt = "You write short, warm daily guidance for an astrology app. Two sentences, no predictions about health or money."
)

// Guidance is the daily text for one user. Fallback is set when the text is the local default.
type Guidance struct {
	Text     string `json:"text"`
	Date     string `json:"date"`
	Fallback bool   `json:"fallback"`
}

// GuidanceClient produces daily guidance through an OpenAI compatible chat completion API.
type GuidanceClient struct {
	g      *guard.Guard
	http   HTTPDoer
	apiKey string
	model  string
}

func NewGuidanceClient(g *guard.Guard, doer HTTPDoer, apiKey, model string) *GuidanceClient {
	return &GuidanceClient{g: g, http: doer, apiKey: apiKey, model: model}
}

// Today returns the current UTC day used in guidance cache keys.
func Today() string {
	return clock.Now().UTC().Format(time.DateOnly)
}

// Daily returns the guidance of userID for today, generated at most once per user and day.
func (c *GuidanceClient) Daily(ctx context.Context, userID string, chart Chart) (Guidance, error) {
	if userID == "" {
		return Guidance{}, types.Err(types.ErrInvalidInput, nil, "user id is required")
	}
	day := Today()
	cfg, _ := c.g.Service(OpenAIService)
	ttl := DefaultGuidanceTTL
	if cfg.CacheTTLSeconds > 0 {
		ttl = cfg.CacheTTL()
	}
	req := guard.Request{
		Service:  OpenAIService,
		Endpoint: completionsPath,
		Method:   http.MethodPost,
		UserID:   userID,
		CacheKey: cache.BuildKey("guidance", map[string]any{"user": userID, "date": day, "sun": chart.Sun}),
		CacheTTL: ttl,
	}
	g, err := guard.Call(ctx, c.g, req, func(ctx context.Context) (Guidance, error) {
		text, err := c.complete(ctx, cfg, chart, day)
		if err != nil {
			return Guidance{}, err
		}
		return Guidance{Text: text, Date: day}, nil
	})
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"service": OpenAIService,
			"userID":  userID,
		}).Warn("guidance unavailable, using fallback")
		return FallbackGuidance(chart.Sun, day), nil
	}
	return g, nil
}

func (c *GuidanceClient) complete(ctx context.Context, cfg types.ServiceConfig, chart Chart, day string) (string, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultOpenAIURL
	}
	payload := map[string]any{
		"model":      c.model,
		"max_tokens": guidanceMaxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": guidanceSystemPrompt},
			{"role": "user", "content": fmt.Sprintf("Date: %s. Sun in %s, Moon in %s, Ascendant %s. Write today's guidance.",
				day, chart.Sun, chart.Moon, chart.Ascendant)},
		},
	}
	r, err := newJSONRequest(ctx, http.MethodPost, base+completionsPath, payload)
	if err != nil {
		return "", err
	}
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
	doc, err := doJSON(c.http, OpenAIService, r)
	if err != nil {
		return "", err
	}
	expr := cfg.ResultExpr
	if expr == "" {
		expr = defaultContentExpr
	}
	text, err := EvalString(expr, doc)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", types.Err(types.ErrUpstream, nil, "%s: empty completion", OpenAIService)
	}
	return text, nil
}
